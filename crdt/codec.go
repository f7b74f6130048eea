package crdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
)

// An encoded update is framed as
//
//	"PSU" | version | CBOR body | CRC-32 (IEEE, big endian) of everything before it
var updateMagic = []byte("PSU")

const (
	updateVersion byte = 2
	headerLen          = 4
	trailerLen         = 4

	// maxRange bounds the operations one run or delete range may expand to.
	maxRange = 1 << 24
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxArrayElements:  1 << 24,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

type wireID struct {
	_      struct{} `cbor:",toarray"`
	Client uint64
	Clock  uint64
}

func toWireID(id ID) wireID { return wireID{Client: id.Client, Clock: id.Clock} }

func (w wireID) id() ID { return ID{Client: w.Client, Clock: w.Clock} }

// wireItem is a run of characters typed one after another by the same
// client: the i-th rune has clock ID.Clock+i and lamport Lamport+i, and its
// origin is the rune before it. Only the first rune carries an explicit
// Origin.
type wireItem struct {
	_       struct{} `cbor:",toarray"`
	ID      wireID
	Lamport uint64
	Field   string
	Origin  wireID
	Content string
}

// wireRange deletes Len consecutive clocks of one client starting at Clock.
type wireRange struct {
	_      struct{} `cbor:",toarray"`
	Client uint64
	Clock  uint64
	Len    uint64
}

type wireValue struct {
	_     struct{} `cbor:",toarray"`
	Kind  uint8
	Str   string
	Int   int64
	Float float64
	Bool  bool
}

type wireEntry struct {
	_       struct{} `cbor:",toarray"`
	ID      wireID
	Lamport uint64
	Root    string
	Parent  wireID
	Key     string
	Value   wireValue
}

type wireUpdate struct {
	Items   []wireItem  `cbor:"1,keyasint,omitempty"`
	Entries []wireEntry `cbor:"2,keyasint,omitempty"`
	Deletes []wireRange `cbor:"3,keyasint,omitempty"`
}

func (u *wireUpdate) empty() bool {
	return len(u.Items) == 0 && len(u.Entries) == 0 && len(u.Deletes) == 0
}

// expand returns the items of a run.
func (w wireItem) expand() []*item {
	items := make([]*item, 0, utf8.RuneCountInString(w.Content))
	id, lamport, origin := w.ID.id(), w.Lamport, w.Origin.id()
	for _, r := range w.Content {
		items = append(items, &item{id: id, lamport: lamport, field: w.Field, origin: origin, content: r})
		origin = id
		id.Clock++
		lamport++
	}
	return items
}

// itemRuns encodes items, folding each character that continues the one
// before it into the same run.
func itemRuns(items []*item) []wireItem {
	var (
		out     []wireItem
		content strings.Builder
		last    *item
	)
	flush := func() {
		if len(out) > 0 {
			out[len(out)-1].Content = content.String()
		}
		content.Reset()
	}
	for _, it := range items {
		if last == nil || !it.continues(last) {
			flush()
			out = append(out, wireItem{
				ID:      toWireID(it.id),
				Lamport: it.lamport,
				Field:   it.field,
				Origin:  toWireID(it.origin),
			})
		}
		content.WriteRune(it.content)
		last = it
	}
	flush()
	return out
}

// deleteRanges folds ids into ranges of consecutive clocks.
func deleteRanges(ids []ID) []wireRange {
	var out []wireRange
	for _, id := range ids {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.Client == id.Client && last.Clock+last.Len == id.Clock {
				last.Len++
				continue
			}
		}
		out = append(out, wireRange{Client: id.Client, Clock: id.Clock, Len: 1})
	}
	return out
}

func (r wireRange) ids() []ID {
	out := make([]ID, 0, r.Len)
	for i := uint64(0); i < r.Len; i++ {
		out = append(out, ID{Client: r.Client, Clock: r.Clock + i})
	}
	return out
}

func encodeUpdate(u *wireUpdate) []byte {
	body, err := encMode.Marshal(u)
	if err != nil {
		// Only plain integers, strings and floats are encoded.
		panic(fmt.Sprintf("crdt: encode update: %v", err))
	}
	buf := make([]byte, 0, headerLen+len(body)+trailerLen)
	buf = append(buf, updateMagic...)
	buf = append(buf, updateVersion)
	buf = append(buf, body...)
	return binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
}

func decodeUpdate(data []byte) (*wireUpdate, error) {
	if len(data) < headerLen+trailerLen {
		return nil, &DecodeError{Reason: fmt.Sprintf("update too short (%d bytes)", len(data))}
	}
	if !bytes.Equal(data[:len(updateMagic)], updateMagic) {
		return nil, &DecodeError{Reason: "bad magic"}
	}
	if v := data[len(updateMagic)]; v != updateVersion {
		return nil, &DecodeError{Reason: fmt.Sprintf("unsupported version %d", v)}
	}
	end := len(data) - trailerLen
	if crc32.ChecksumIEEE(data[:end]) != binary.BigEndian.Uint32(data[end:]) {
		return nil, &DecodeError{Reason: "checksum mismatch"}
	}
	var u wireUpdate
	if err := decMode.Unmarshal(data[headerLen:end], &u); err != nil {
		return nil, &DecodeError{Reason: "malformed body", Err: err}
	}
	if err := u.validate(); err != nil {
		return nil, &DecodeError{Reason: "invalid operation", Err: err}
	}
	return &u, nil
}

func validID(id wireID) bool {
	return id.Client != 0 && id.Clock != 0
}

func (u *wireUpdate) validate() error {
	for _, it := range u.Items {
		switch {
		case !validID(it.ID):
			return fmt.Errorf("item %d:%d: invalid id", it.ID.Client, it.ID.Clock)
		case it.Lamport == 0:
			return fmt.Errorf("item %d:%d: missing lamport", it.ID.Client, it.ID.Clock)
		case it.Field == "":
			return fmt.Errorf("item %d:%d: missing field", it.ID.Client, it.ID.Clock)
		case !it.Origin.id().IsZero() && !validID(it.Origin):
			return fmt.Errorf("item %d:%d: invalid origin", it.ID.Client, it.ID.Clock)
		case it.Content == "" || !utf8.ValidString(it.Content):
			return fmt.Errorf("item %d:%d: content must be non-empty UTF-8", it.ID.Client, it.ID.Clock)
		}
		n := uint64(utf8.RuneCountInString(it.Content))
		if n > maxRange || it.ID.Clock > math.MaxUint64-n || it.Lamport > math.MaxUint64-n {
			return fmt.Errorf("item %d:%d: run of %d overflows", it.ID.Client, it.ID.Clock, n)
		}
	}
	for _, e := range u.Entries {
		switch {
		case !validID(e.ID):
			return fmt.Errorf("entry %d:%d: invalid id", e.ID.Client, e.ID.Clock)
		case e.Lamport == 0:
			return fmt.Errorf("entry %d:%d: missing lamport", e.ID.Client, e.ID.Clock)
		case (e.Root == "") == e.Parent.id().IsZero():
			return fmt.Errorf("entry %d:%d: needs exactly one of root or parent", e.ID.Client, e.ID.Clock)
		case !e.Parent.id().IsZero() && !validID(e.Parent):
			return fmt.Errorf("entry %d:%d: invalid parent", e.ID.Client, e.ID.Clock)
		case valueKind(e.Value.Kind) > kindRemoved:
			return fmt.Errorf("entry %d:%d: unknown value kind %d", e.ID.Client, e.ID.Clock, e.Value.Kind)
		}
	}
	for _, d := range u.Deletes {
		switch {
		case d.Client == 0 || d.Clock == 0 || d.Len == 0:
			return errors.New("delete: invalid range")
		case d.Len > maxRange || d.Clock > math.MaxUint64-d.Len:
			return fmt.Errorf("delete %d:%d: range of %d overflows", d.Client, d.Clock, d.Len)
		}
	}
	return nil
}
