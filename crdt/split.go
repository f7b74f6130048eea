package crdt

import "unicode/utf8"

// Upper bounds of the CBOR encoding, used to size split updates without
// encoding them. Integers take at most 9 bytes and so do string headers.
const (
	updateOverhead = 32
	itemOverhead   = 66
	entryOverhead  = 106
	rangeSize      = 28

	// MinSplitBytes is the smallest part size SplitUpdate works with.
	MinSplitBytes = 512
)

// SplitUpdate breaks update into updates of at most maxBytes each, cutting
// long runs of text where needed. Applying all parts, in any order, has the
// same effect as applying update. An update that already fits is returned
// as is; so is a single map entry too large to fit on its own. maxBytes
// below MinSplitBytes is raised to it.
func SplitUpdate(update []byte, maxBytes int) ([][]byte, error) {
	if len(update) <= maxBytes {
		return [][]byte{update}, nil
	}
	u, err := decodeUpdate(update)
	if err != nil {
		return nil, err
	}
	budget := max(maxBytes, MinSplitBytes) - headerLen - trailerLen - updateOverhead

	var (
		parts [][]byte
		cur   wireUpdate
		size  int
	)
	emit := func() {
		if !cur.empty() {
			parts = append(parts, encodeUpdate(&cur))
		}
		cur, size = wireUpdate{}, 0
	}
	reserve := func(n int) {
		if size+n > budget {
			emit()
		}
		size += n
	}

	for _, w := range u.Items {
		for _, piece := range splitRun(w, budget-itemOverhead-len(w.Field)) {
			reserve(itemOverhead + len(piece.Field) + len(piece.Content))
			cur.Items = append(cur.Items, piece)
		}
	}
	for _, e := range u.Entries {
		reserve(entryOverhead + len(e.Root) + len(e.Key) + len(e.Value.Str))
		cur.Entries = append(cur.Entries, e)
	}
	for _, r := range u.Deletes {
		reserve(rangeSize)
		cur.Deletes = append(cur.Deletes, r)
	}
	emit()
	return parts, nil
}

// splitRun cuts w into runs whose content is at most maxContent bytes.
func splitRun(w wireItem, maxContent int) []wireItem {
	maxContent = max(maxContent, utf8.UTFMax)
	if len(w.Content) <= maxContent {
		return []wireItem{w}
	}
	var (
		out    []wireItem
		offset uint64 // runes before the current piece
	)
	rest := w.Content
	for rest != "" {
		end, runes := 0, uint64(0)
		for end < len(rest) {
			_, size := utf8.DecodeRuneInString(rest[end:])
			if end+size > maxContent {
				break
			}
			end += size
			runes++
		}
		piece := wireItem{
			ID:      wireID{Client: w.ID.Client, Clock: w.ID.Clock + offset},
			Lamport: w.Lamport + offset,
			Field:   w.Field,
			Origin:  w.Origin,
			Content: rest[:end],
		}
		if offset > 0 {
			piece.Origin = wireID{Client: w.ID.Client, Clock: w.ID.Clock + offset - 1}
		}
		out = append(out, piece)
		offset += runes
		rest = rest[end:]
	}
	return out
}
