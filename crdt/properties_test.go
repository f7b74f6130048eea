package crdt

import (
	"fmt"
	"math/rand"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

// materialized captures everything observable about a document.
func materialized(doc *Document) map[string]any {
	out := map[string]any{}
	for _, name := range doc.TextNames() {
		if s := doc.GetText(name).String(); s != "" {
			out["text:"+name] = s
		}
	}
	out["map:meta"] = doc.GetMap("meta").ToMap()
	return out
}

// randomEdits performs n random local edits on doc.
func randomEdits(rng *rand.Rand, doc *Document, n int) {
	fields := []string{"system", "user", "context"}
	for i := 0; i < n; i++ {
		text := doc.GetText(fields[rng.Intn(len(fields))])
		switch rng.Intn(4) {
		case 0, 1:
			_ = text.Insert(rng.Intn(text.Len()+1), string(rune('a'+rng.Intn(26))))
		case 2:
			if l := text.Len(); l > 0 {
				idx := rng.Intn(l)
				_ = text.Delete(idx, 1+rng.Intn(l-idx))
			}
		case 3:
			_ = doc.GetMap("meta").Set(fmt.Sprintf("k%d", rng.Intn(3)), rng.Intn(100))
		}
	}
}

func TestCommutativity(t *testing.T) {
	Convey("Given two replicas editing independently", t, func() {
		a := NewDocument(WithClientID(1))
		b := NewDocument(WithClientID(2))
		So(a.GetText("test").Insert(0, "Hello"), ShouldBeNil)
		So(b.GetText("test").Insert(0, "World"), ShouldBeNil)
		updateA, updateB := a.EncodeStateAsUpdate(), b.EncodeStateAsUpdate()

		Convey("Applying A then B equals applying B then A", func() {
			ab, ba := NewDocument(), NewDocument()
			So(ab.ApplyUpdate(updateA, nil), ShouldBeNil)
			So(ab.ApplyUpdate(updateB, nil), ShouldBeNil)
			So(ba.ApplyUpdate(updateB, nil), ShouldBeNil)
			So(ba.ApplyUpdate(updateA, nil), ShouldBeNil)

			So(ab.GetText("test").String(), ShouldEqual, ba.GetText("test").String())
			So(ab.GetText("test").Len(), ShouldEqual, 10)
		})
	})

	Convey("Given random concurrent edits from a shared base", t, func() {
		rng := rand.New(rand.NewSource(42))
		base := NewDocument(WithClientID(100))
		randomEdits(rng, base, 30)
		snapshot := base.EncodeStateAsUpdate()

		a := NewDocument(WithClientID(1))
		b := NewDocument(WithClientID(2))
		So(a.ApplyUpdate(snapshot, nil), ShouldBeNil)
		So(b.ApplyUpdate(snapshot, nil), ShouldBeNil)
		a.CaptureUpdate()
		b.CaptureUpdate()
		randomEdits(rng, a, 40)
		randomEdits(rng, b, 40)
		deltaA, deltaB := a.CaptureUpdate(), b.CaptureUpdate()

		Convey("Both application orders materialize identically", func() {
			x, y := NewDocument(), NewDocument()
			for _, u := range [][]byte{snapshot, deltaA, deltaB} {
				So(x.ApplyUpdate(u, nil), ShouldBeNil)
			}
			for _, u := range [][]byte{snapshot, deltaB, deltaA} {
				So(y.ApplyUpdate(u, nil), ShouldBeNil)
			}
			So(materialized(x), ShouldResemble, materialized(y))
		})
	})
}

func TestAssociativity(t *testing.T) {
	Convey("Given three sequential updates", t, func() {
		src := NewDocument(WithClientID(1))
		text := src.GetText("test")
		So(text.Insert(0, "a"), ShouldBeNil)
		u1 := src.CaptureUpdate()
		So(text.Insert(1, "b"), ShouldBeNil)
		u2 := src.CaptureUpdate()
		So(text.Insert(2, "c"), ShouldBeNil)
		u3 := src.CaptureUpdate()

		Convey("(u1 u2) u3 equals u1 (u2 u3)", func() {
			left := NewDocument()
			grouped := NewDocument()
			So(grouped.ApplyUpdate(u1, nil), ShouldBeNil)
			So(grouped.ApplyUpdate(u2, nil), ShouldBeNil)
			So(left.ApplyUpdate(grouped.EncodeStateAsUpdate(), nil), ShouldBeNil)
			So(left.ApplyUpdate(u3, nil), ShouldBeNil)

			right := NewDocument()
			tail := NewDocument()
			So(tail.ApplyUpdate(u2, nil), ShouldBeNil)
			So(tail.ApplyUpdate(u3, nil), ShouldBeNil)
			So(tail.ApplyUpdate(u1, nil), ShouldBeNil)
			So(right.ApplyUpdate(u1, nil), ShouldBeNil)
			So(right.ApplyUpdate(tail.EncodeStateAsUpdate(), nil), ShouldBeNil)

			So(left.GetText("test").String(), ShouldEqual, "abc")
			So(right.GetText("test").String(), ShouldEqual, "abc")
		})
	})
}

func TestIdempotence(t *testing.T) {
	Convey("Given an update applied several times", t, func() {
		src := NewDocument()
		So(src.GetText("test").Insert(0, "Hello"), ShouldBeNil)
		So(src.GetMap("meta").Set("lang", "en"), ShouldBeNil)
		update := src.EncodeStateAsUpdate()

		dst := NewDocument()
		var notified int
		dst.OnUpdate(func([]byte, any) { notified++ })

		for i := 0; i < 3; i++ {
			So(dst.ApplyUpdate(update, "remote"), ShouldBeNil)
			So(dst.GetText("test").String(), ShouldEqual, "Hello")
		}

		Convey("Only the first application changes the document", func() {
			So(notified, ShouldEqual, 1)
			So(materialized(dst), ShouldResemble, materialized(src))
		})
	})
}

func TestConvergence(t *testing.T) {
	Convey("Given five replicas editing from the same base", t, func() {
		rng := rand.New(rand.NewSource(7))
		const n = 5
		replicas := make([]*Document, n)
		deltas := make([][]byte, n)
		for i := range replicas {
			replicas[i] = NewDocument(WithClientID(uint64(i + 1)))
			randomEdits(rng, replicas[i], 25)
			deltas[i] = replicas[i].CaptureUpdate()
		}

		Convey("Exchanging all deltas in random orders converges", func() {
			for i, doc := range replicas {
				order := rng.Perm(n)
				for _, j := range order {
					if j != i {
						So(doc.ApplyUpdate(deltas[j], nil), ShouldBeNil)
					}
				}
			}
			want := materialized(replicas[0])
			for _, doc := range replicas[1:] {
				So(materialized(doc), ShouldResemble, want)
				So(doc.Pending(), ShouldEqual, 0)
			}
		})
	})
}

func TestPartitionAndHeal(t *testing.T) {
	Convey("Given replicas split into two partitions", t, func() {
		rng := rand.New(rand.NewSource(99))
		docs := []*Document{
			NewDocument(WithClientID(1)), NewDocument(WithClientID(2)),
			NewDocument(WithClientID(3)), NewDocument(WithClientID(4)),
		}
		left, right := docs[:2], docs[2:]

		// Each partition syncs internally after every round.
		sync := func(group []*Document) {
			for _, from := range group {
				u := from.EncodeStateAsUpdate()
				for _, to := range group {
					So(to.ApplyUpdate(u, nil), ShouldBeNil)
				}
			}
		}
		for round := 0; round < 4; round++ {
			for _, doc := range docs {
				randomEdits(rng, doc, 5)
			}
			sync(left)
			sync(right)
		}

		Convey("The partitions diverge", func() {
			So(materialized(left[0]), ShouldResemble, materialized(left[1]))
			So(materialized(right[0]), ShouldResemble, materialized(right[1]))
			So(materialized(left[0]), ShouldNotResemble, materialized(right[0]))

			Convey("and converge once the partition heals", func() {
				sync(docs)
				want := materialized(docs[0])
				for _, doc := range docs[1:] {
					So(materialized(doc), ShouldResemble, want)
				}
			})
		})
	})
}

func TestOutOfOrderDelivery(t *testing.T) {
	Convey("Given updates delivered before their dependencies", t, func() {
		src := NewDocument(WithClientID(1))
		text := src.GetText("body")
		So(text.Insert(0, "ab"), ShouldBeNil)
		first := src.CaptureUpdate()
		So(text.Insert(1, "X"), ShouldBeNil)
		So(text.Delete(0, 1), ShouldBeNil)
		second := src.CaptureUpdate()

		dst := NewDocument()
		So(dst.ApplyUpdate(second, nil), ShouldBeNil)

		Convey("They are buffered without error", func() {
			So(dst.GetText("body").String(), ShouldEqual, "")
			So(dst.Pending(), ShouldEqual, 1)

			Convey("and integrated once the dependency arrives", func() {
				So(dst.ApplyUpdate(first, nil), ShouldBeNil)
				So(dst.Pending(), ShouldEqual, 0)
				So(dst.GetText("body").String(), ShouldEqual, "Xb")
				So(dst.GetText("body").String(), ShouldEqual, text.String())
			})
		})
	})
}

func TestStateVectorDiff(t *testing.T) {
	Convey("Given a replica that already holds part of the state", t, func() {
		src := NewDocument(WithClientID(1))
		So(src.GetText("body").Insert(0, "abc"), ShouldBeNil)
		peer := NewDocument(WithClientID(2))
		So(peer.ApplyUpdate(src.EncodeStateAsUpdate(), nil), ShouldBeNil)
		So(src.GetText("body").Insert(3, "def"), ShouldBeNil)

		Convey("A diff from its state vector brings it up to date", func() {
			diff := src.EncodeStateAsUpdateFrom(peer.StateVector())
			So(len(diff), ShouldBeLessThan, len(src.EncodeStateAsUpdate()))
			So(peer.ApplyUpdate(diff, nil), ShouldBeNil)
			So(peer.GetText("body").String(), ShouldEqual, "abcdef")
			So(peer.StateVector(), ShouldResemble, src.StateVector())
		})
	})
}
