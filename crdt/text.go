package crdt

import (
	"slices"
	"strings"
)

// blockSize is the target number of items per block. Blocks split when they
// reach twice that.
const blockSize = 128

// sequence holds the items of one text field in document order, tombstones
// included. Items are kept in blocks so that finding an item's position and
// skipping deleted runs do not walk the whole field.
type sequence struct {
	blocks []*block
	handle *Text

	// last is the most recently inserted item and where it went.
	last    *item
	lastPos cursor
}

type block struct {
	items []*item
	live  int
}

// cursor is a position in a sequence: before blocks[b].items[i], or past the
// end when b == len(blocks).
type cursor struct {
	b, i int
}

func (s *sequence) normalize(c cursor) cursor {
	for c.b < len(s.blocks) && c.i >= len(s.blocks[c.b].items) {
		c.b++
		c.i = 0
	}
	return c
}

func (s *sequence) start() cursor {
	return s.normalize(cursor{})
}

// after returns the position right after it.
func (s *sequence) after(it *item) cursor {
	if it == s.last {
		return s.next(s.lastPos)
	}
	for b, blk := range s.blocks {
		if blk != it.blk {
			continue
		}
		for i, x := range blk.items {
			if x == it {
				return s.normalize(cursor{b: b, i: i + 1})
			}
		}
	}
	return s.start()
}

func (s *sequence) at(c cursor) *item {
	if c.b >= len(s.blocks) {
		return nil
	}
	return s.blocks[c.b].items[c.i]
}

func (s *sequence) next(c cursor) cursor {
	return s.normalize(cursor{b: c.b, i: c.i + 1})
}

func (s *sequence) insertAt(c cursor, it *item) {
	if len(s.blocks) == 0 {
		s.blocks = append(s.blocks, &block{})
	}
	if c.b >= len(s.blocks) {
		c = cursor{b: len(s.blocks) - 1, i: len(s.blocks[len(s.blocks)-1].items)}
	}
	blk := s.blocks[c.b]
	blk.items = slices.Insert(blk.items, c.i, it)
	it.blk = blk
	if !it.deleted {
		blk.live++
	}
	if len(blk.items) >= 2*blockSize {
		s.split(c.b)
		if c.i >= blockSize {
			c = cursor{b: c.b + 1, i: c.i - blockSize}
		}
	}
	s.last, s.lastPos = it, c
}

func (s *sequence) split(b int) {
	blk := s.blocks[b]
	tail := &block{items: slices.Clone(blk.items[blockSize:])}
	blk.items = slices.Clip(blk.items[:blockSize])
	for _, it := range tail.items {
		it.blk = tail
		if !it.deleted {
			tail.live++
		}
	}
	blk.live -= tail.live
	s.blocks = slices.Insert(s.blocks, b+1, tail)
}

// tombstone marks an integrated item deleted.
func tombstone(it *item) {
	if it.deleted {
		return
	}
	it.deleted = true
	if it.blk != nil {
		it.blk.live--
	}
}

func (s *sequence) visibleLen() int {
	n := 0
	for _, blk := range s.blocks {
		n += blk.live
	}
	return n
}

// visible returns the live items in [from, from+n).
func (s *sequence) visible(from, n int) []*item {
	if n <= 0 {
		return nil
	}
	out := make([]*item, 0, n)
	for _, blk := range s.blocks {
		if from >= blk.live {
			from -= blk.live
			continue
		}
		for _, it := range blk.items {
			if it.deleted {
				continue
			}
			if from > 0 {
				from--
				continue
			}
			out = append(out, it)
			if len(out) == n {
				return out
			}
		}
	}
	return out
}

func (s *sequence) String() string {
	var b strings.Builder
	for _, blk := range s.blocks {
		for _, it := range blk.items {
			if !it.deleted {
				b.WriteRune(it.content)
			}
		}
	}
	return b.String()
}

// Text is a handle on a named text sequence. Indexes count characters
// (runes), not bytes.
type Text struct {
	doc  *Document
	name string
}

// Name returns the field name.
func (t *Text) Name() string {
	return t.name
}

// Insert inserts s so that its first character ends up at index.
func (t *Text) Insert(index int, s string) error {
	return t.doc.local(func(tx *batch) error {
		return t.insert(tx, index, s)
	})
}

// Delete removes length characters starting at index.
func (t *Text) Delete(index, length int) error {
	return t.doc.local(func(tx *batch) error {
		return t.delete(tx, index, length)
	})
}

// Replace swaps the whole content for s in one transaction.
func (t *Text) Replace(s string) error {
	return t.doc.local(func(tx *batch) error {
		if err := t.delete(tx, 0, t.doc.sequence(t.name).visibleLen()); err != nil {
			return err
		}
		return t.insert(tx, 0, s)
	})
}

// String returns the current content.
func (t *Text) String() string {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	return t.doc.sequence(t.name).String()
}

// Len returns the number of visible characters.
func (t *Text) Len() int {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	return t.doc.sequence(t.name).visibleLen()
}

func (t *Text) insert(tx *batch, index int, s string) error {
	d := t.doc
	seq := d.sequence(t.name)
	n := seq.visibleLen()
	if index < 0 || index > n {
		return &OutOfRangeError{Op: "insert", Index: index, Length: len(s), Len: n}
	}
	var origin ID
	if index > 0 {
		origin = seq.visible(index-1, 1)[0].id
	}
	for _, r := range s {
		it := &item{
			id:      d.nextID(),
			lamport: d.tick(),
			field:   t.name,
			origin:  origin,
			content: r,
		}
		d.integrateItem(it)
		tx.items = append(tx.items, it)
		origin = it.id
	}
	return nil
}

func (t *Text) delete(tx *batch, index, length int) error {
	d := t.doc
	seq := d.sequence(t.name)
	n := seq.visibleLen()
	if index < 0 || length < 0 || index+length > n {
		return &OutOfRangeError{Op: "delete", Index: index, Length: length, Len: n}
	}
	for _, it := range seq.visible(index, length) {
		tombstone(it)
		d.deleted[it.id] = struct{}{}
		tx.deletes = append(tx.deletes, it.id)
	}
	return nil
}
