package crdt

import (
	"sort"
	"sync"
)

// UpdateFunc observes document changes. update holds exactly the operations
// that changed the document; origin is nil for local edits and the value
// passed to ApplyUpdate otherwise.
type UpdateFunc func(update []byte, origin any)

// Option configures a Document.
type Option func(*Document)

// WithClientID fixes the replica ID instead of drawing a random one.
func WithClientID(id uint64) Option {
	return func(d *Document) {
		if id != 0 {
			d.clientID = id
		}
	}
}

// item is one character of a text sequence.
type item struct {
	id      ID
	lamport uint64
	field   string
	origin  ID
	content rune
	deleted bool
	blk     *block
}

func (it *item) stamp() stamp { return stamp{lamport: it.lamport, client: it.id.Client} }

// continues reports whether it was typed right after prev, so both fit in
// one run.
func (it *item) continues(prev *item) bool {
	return it.id.Client == prev.id.Client &&
		it.id.Clock == prev.id.Clock+1 &&
		it.lamport == prev.lamport+1 &&
		it.origin == prev.id &&
		it.field == prev.field
}

// mapRef addresses a map: either a root map by name or a nested map by the
// ID of the entry that created it.
type mapRef struct {
	root   string
	parent ID
}

// entry is one write to a map key.
type entry struct {
	id      ID
	lamport uint64
	ref     mapRef
	key     string
	value   value
}

func (e *entry) stamp() stamp { return stamp{lamport: e.lamport, client: e.id.Client} }

func (e *entry) wire() wireEntry {
	return wireEntry{
		ID:      toWireID(e.id),
		Lamport: e.lamport,
		Root:    e.ref.root,
		Parent:  toWireID(e.ref.parent),
		Key:     e.key,
		Value: wireValue{
			Kind:  uint8(e.value.kind),
			Str:   e.value.str,
			Int:   e.value.i,
			Float: e.value.f,
			Bool:  e.value.b,
		},
	}
}

func entryFromWire(w wireEntry) *entry {
	return &entry{
		id:      w.ID.id(),
		lamport: w.Lamport,
		ref:     mapRef{root: w.Root, parent: w.Parent.id()},
		key:     w.Key,
		value: value{
			kind: valueKind(w.Value.Kind),
			str:  w.Value.Str,
			i:    w.Value.Int,
			f:    w.Value.Float,
			b:    w.Value.Bool,
		},
	}
}

// pendingOp is an operation received before its dependencies.
type pendingOp struct {
	item  *item
	entry *entry
}

// batch collects the operations of one update.
type batch struct {
	items   []*item
	entries []*entry
	deletes []ID
}

func (b *batch) empty() bool {
	return len(b.items) == 0 && len(b.entries) == 0 && len(b.deletes) == 0
}

func (b *batch) append(o *batch) {
	b.items = append(b.items, o.items...)
	b.entries = append(b.entries, o.entries...)
	b.deletes = append(b.deletes, o.deletes...)
}

func (b *batch) encode() []byte {
	u := wireUpdate{
		Items:   itemRuns(b.items),
		Deletes: deleteRanges(b.deletes),
	}
	for _, e := range b.entries {
		u.Entries = append(u.Entries, e.wire())
	}
	return encodeUpdate(&u)
}

// Document is one replica of a shared document. It is safe for concurrent
// use, but observers run on the goroutine that made the change.
type Document struct {
	mu       sync.Mutex
	clientID uint64
	lamport  uint64
	state    StateVector

	texts   map[string]*sequence
	maps    map[mapRef]*register
	items   map[ID]*item
	entries map[ID]*entry
	deleted map[ID]struct{}
	pending map[ID]*pendingOp
	// waiting lists the pending operations blocked on each missing ID.
	waiting map[ID][]ID

	captured batch  // local operations since the last CaptureUpdate
	txn      *batch // open local transaction

	observers    map[int]UpdateFunc
	nextObserver int
}

// NewDocument returns an empty document.
func NewDocument(opts ...Option) *Document {
	d := &Document{
		clientID:  NewClientID(),
		state:     make(StateVector),
		texts:     make(map[string]*sequence),
		maps:      make(map[mapRef]*register),
		items:     make(map[ID]*item),
		entries:   make(map[ID]*entry),
		deleted:   make(map[ID]struct{}),
		pending:   make(map[ID]*pendingOp),
		waiting:   make(map[ID][]ID),
		observers: make(map[int]UpdateFunc),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ClientID returns the replica ID stamped on local operations.
func (d *Document) ClientID() uint64 {
	return d.clientID
}

// GetText returns the text sequence called name, creating it if needed.
func (d *Document) GetText(name string) *Text {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sequence(name).handle
}

// GetMap returns the root map called name, creating it if needed.
func (d *Document) GetMap(name string) *Map {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.register(mapRef{root: name}).handle
}

// HasText reports whether a text sequence called name exists.
func (d *Document) HasText(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.texts[name]
	return ok
}

// TextNames returns the names of all text sequences, sorted.
func (d *Document) TextNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.texts))
	for name := range d.texts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OnUpdate registers fn to run after every change. The returned function
// unregisters it.
func (d *Document) OnUpdate(fn UpdateFunc) (unsubscribe func()) {
	d.mu.Lock()
	id := d.nextObserver
	d.nextObserver++
	d.observers[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}
}

// Transact groups the local edits made by fn into a single update and a
// single observer call.
func (d *Document) Transact(fn func()) {
	d.mu.Lock()
	if d.txn != nil {
		d.mu.Unlock()
		fn()
		return
	}
	d.txn = &batch{}
	d.mu.Unlock()

	fn()

	d.mu.Lock()
	tx := d.txn
	d.txn = nil
	update, observers := d.finishLocal(tx)
	d.mu.Unlock()
	notify(observers, update, nil)
}

// CaptureUpdate returns the local operations made since the previous call.
// The first call on a fresh document returns everything authored locally.
func (d *Document) CaptureUpdate() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.captured
	d.captured = batch{}
	return b.encode()
}

// EncodeStateAsUpdate returns the full document state as one update.
func (d *Document) EncodeStateAsUpdate() []byte {
	return d.EncodeStateAsUpdateFrom(nil)
}

// EncodeStateAsUpdateFrom returns the operations a replica with state
// vector sv is missing, plus the full delete set.
func (d *Document) EncodeStateAsUpdateFrom(sv StateVector) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	var b batch
	for _, id := range sortedIDs(d.items) {
		if id.Clock > sv[id.Client] {
			b.items = append(b.items, d.items[id])
		}
	}
	for _, id := range sortedIDs(d.entries) {
		if id.Clock > sv[id.Client] {
			b.entries = append(b.entries, d.entries[id])
		}
	}
	b.deletes = sortedIDs(d.deleted)
	return b.encode()
}

// StateVector returns a copy of the document's state vector.
func (d *Document) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.clone()
}

// Pending returns the number of received operations still waiting for their
// dependencies.
func (d *Document) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// ApplyUpdate merges update into the document. Already known operations are
// ignored and operations with missing dependencies are buffered. Malformed
// input returns a *DecodeError and leaves the document untouched.
func (d *Document) ApplyUpdate(update []byte, origin any) error {
	u, err := decodeUpdate(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	var (
		applied batch
		ready   []ID
		changed bool
	)
	for _, w := range u.Items {
		for _, it := range w.expand() {
			if !d.known(it.id) {
				ready = d.park(it.id, &pendingOp{item: it}, ready)
			}
		}
	}
	for _, w := range u.Entries {
		if e := entryFromWire(w); !d.known(e.id) {
			ready = d.park(e.id, &pendingOp{entry: e}, ready)
		}
	}
	for _, r := range u.Deletes {
		for _, id := range r.ids() {
			if _, ok := d.deleted[id]; ok {
				continue
			}
			d.deleted[id] = struct{}{}
			applied.deletes = append(applied.deletes, id)
			if it, ok := d.items[id]; ok && !it.deleted {
				tombstone(it)
				changed = true
			}
		}
	}
	if d.integrate(ready, &applied) {
		changed = true
	}

	var (
		out       []byte
		observers []UpdateFunc
	)
	if changed {
		out = applied.encode()
		observers = d.observerList()
	}
	d.mu.Unlock()

	notify(observers, out, origin)
	return nil
}

func (d *Document) known(id ID) bool {
	if id.Clock <= d.state[id.Client] {
		return true
	}
	_, ok := d.pending[id]
	return ok
}

// missing returns the first dependency of a pending operation that has not
// been integrated yet: the same client's previous operation, the character
// it was typed after, or the entry that created its map.
func (d *Document) missing(id ID, op *pendingOp) (ID, bool) {
	if id.Clock != d.state[id.Client]+1 {
		return ID{Client: id.Client, Clock: id.Clock - 1}, true
	}
	if op.item != nil {
		dep := op.item.origin
		if _, ok := d.items[dep]; dep.IsZero() || ok {
			return ID{}, false
		}
		return dep, true
	}
	dep := op.entry.ref.parent
	if _, ok := d.entries[dep]; dep.IsZero() || ok {
		return ID{}, false
	}
	return dep, true
}

// park buffers op, either on the wait list of its missing dependency or on
// ready.
func (d *Document) park(id ID, op *pendingOp, ready []ID) []ID {
	d.pending[id] = op
	if dep, ok := d.missing(id, op); ok {
		d.waiting[dep] = append(d.waiting[dep], id)
		return ready
	}
	return append(ready, id)
}

// integrate integrates the ready operations and, as each one lands, the
// operations that were waiting for it.
func (d *Document) integrate(ready []ID, applied *batch) bool {
	changed := false
	for len(ready) > 0 {
		id := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		op, ok := d.pending[id]
		if !ok {
			continue
		}
		if dep, ok := d.missing(id, op); ok {
			d.waiting[dep] = append(d.waiting[dep], id)
			continue
		}
		delete(d.pending, id)
		d.state[id.Client] = id.Clock
		if op.item != nil {
			d.observeLamport(op.item.lamport)
			d.integrateItem(op.item)
			applied.items = append(applied.items, op.item)
		} else {
			d.observeLamport(op.entry.lamport)
			d.integrateEntry(op.entry)
			applied.entries = append(applied.entries, op.entry)
		}
		changed = true
		if waiters, ok := d.waiting[id]; ok {
			delete(d.waiting, id)
			ready = append(ready, waiters...)
		}
	}
	return changed
}

// integrateItem places it after its origin, skipping concurrent siblings
// with a higher stamp together with their descendants.
func (d *Document) integrateItem(it *item) {
	seq := d.sequence(it.field)
	c := seq.start()
	if !it.origin.IsZero() {
		if o, ok := d.items[it.origin]; ok && o.field == it.field {
			c = seq.after(o)
		}
	}
	for x := seq.at(c); x != nil && x.stamp().after(it.stamp()); x = seq.at(c) {
		c = seq.next(c)
	}
	if _, ok := d.deleted[it.id]; ok {
		it.deleted = true
	}
	seq.insertAt(c, it)
	d.items[it.id] = it
}

func (d *Document) integrateEntry(e *entry) {
	reg := d.register(e.ref)
	if cur, ok := reg.keys[e.key]; !ok || e.stamp().after(cur.stamp()) {
		reg.keys[e.key] = e
	}
	d.entries[e.id] = e
}

func (d *Document) nextID() ID {
	clock := d.state[d.clientID] + 1
	d.state[d.clientID] = clock
	return ID{Client: d.clientID, Clock: clock}
}

func (d *Document) tick() uint64 {
	d.lamport++
	return d.lamport
}

func (d *Document) observeLamport(l uint64) {
	if l > d.lamport {
		d.lamport = l
	}
}

func (d *Document) sequence(name string) *sequence {
	seq, ok := d.texts[name]
	if !ok {
		seq = &sequence{}
		seq.handle = &Text{doc: d, name: name}
		d.texts[name] = seq
	}
	return seq
}

func (d *Document) register(ref mapRef) *register {
	reg, ok := d.maps[ref]
	if !ok {
		reg = &register{keys: make(map[string]*entry)}
		reg.handle = &Map{doc: d, ref: ref}
		d.maps[ref] = reg
	}
	return reg
}

// local runs fn as part of a local transaction, opening one if none is open,
// and notifies observers once the transaction it opened is finished.
func (d *Document) local(fn func(tx *batch) error) error {
	d.mu.Lock()
	if d.txn != nil {
		err := fn(d.txn)
		d.mu.Unlock()
		return err
	}
	tx := &batch{}
	err := fn(tx)
	update, observers := d.finishLocal(tx)
	d.mu.Unlock()
	notify(observers, update, nil)
	return err
}

func (d *Document) finishLocal(tx *batch) ([]byte, []UpdateFunc) {
	if tx == nil || tx.empty() {
		return nil, nil
	}
	d.captured.append(tx)
	return tx.encode(), d.observerList()
}

func (d *Document) observerList() []UpdateFunc {
	keys := make([]int, 0, len(d.observers))
	for k := range d.observers {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]UpdateFunc, 0, len(keys))
	for _, k := range keys {
		out = append(out, d.observers[k])
	}
	return out
}

func notify(observers []UpdateFunc, update []byte, origin any) {
	for _, fn := range observers {
		fn(update, origin)
	}
}

func sortedIDs[V any](m map[ID]V) []ID {
	ids := make([]ID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].less(ids[j]) })
	return ids
}
