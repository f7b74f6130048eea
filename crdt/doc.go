// Package crdt implements the replicated document shared by a collaboration
// room: named text sequences and key-value maps whose edits travel between
// replicas as opaque binary updates.
//
// Text is an RGA sequence. Every character is an item with a unique ID and a
// left origin; concurrent inserts after the same origin are ordered by their
// (lamport, client) stamp, highest first. Deletes leave tombstones. Map keys
// are last-write-wins registers keyed on the same stamp, so all replicas that
// saw the same set of operations pick the same winner.
//
// Updates are idempotent and may arrive in any order. Operations whose
// dependencies are missing are buffered inside the document until the
// dependencies arrive. Characters typed in a row by one client are encoded
// as a single run, and SplitUpdate cuts large updates into parts that can be
// applied independently.
package crdt
