// Package crdt implements the replicated rich-text sequence behind every scene.
//
// A document is an ordered list of characters. Each character is inserted after
// the character it was typed next to and never moves afterwards; deletes leave a
// tombstone and marks are last-writer-wins registers per character. Operations
// from one client are integrated strictly in clock order, so any two replicas
// that integrated the same set of operations hold identical content.
package crdt

import (
	"sort"
	"sync"
	"unicode/utf8"
)

type markEntry struct {
	value string
	stamp stamp
}

type item struct {
	id      ID
	lamport uint64
	origin  *ID
	content string
	deleted bool
	marks   map[string]markEntry
}

func (it *item) stamp() stamp {
	return stamp{lamport: it.lamport, client: it.id.Client}
}

func (it *item) visibleMarks() Marks {
	out := make(Marks, len(it.marks))
	for k, e := range it.marks {
		if e.value != "" {
			out[k] = e.value
		}
	}
	return out
}

func (it *item) isBlock() bool {
	return it.content == Block
}

// Hook runs inside every transaction after its body, before observers fire.
// Operations a hook issues belong to the same transaction.
type Hook func(tx *Transaction)

// ChangeEvent describes a committed transaction that changed the document.
type ChangeEvent struct {
	Origin   Origin
	Inserted []ID
	Ops      int
}

// Doc is one replica of a scene document. All methods are safe for concurrent use.
// Observers are called after the document lock is released, in commit order; they
// must not start a transaction on the same document synchronously.
type Doc struct {
	mu        sync.Mutex
	client    ClientID
	lamport   uint64
	items     []*item
	index     map[ID]*item
	clocks    StateVector
	log       map[ClientID][]Op
	pending   map[ID]Op
	destroyed bool

	emitMu     sync.Mutex
	obsMu      sync.Mutex
	nextHandle int
	onUpdate   map[int]func(update []byte, origin Origin)
	onChange   map[int]func(ChangeEvent)
	hooks      map[int]Hook
}

// NewDoc returns an empty document replica owned by client.
func NewDoc(client ClientID) *Doc {
	return &Doc{
		client:   client,
		index:    make(map[ID]*item),
		clocks:   make(StateVector),
		log:      make(map[ClientID][]Op),
		pending:  make(map[ID]Op),
		onUpdate: make(map[int]func([]byte, Origin)),
		onChange: make(map[int]func(ChangeEvent)),
		hooks:    make(map[int]Hook),
	}
}

// ClientID returns the id this replica issues operations under.
func (d *Doc) ClientID() ClientID {
	return d.client
}

// OnUpdate registers fn to receive the encoded operations of every committed transaction.
// The returned func unregisters it.
func (d *Doc) OnUpdate(fn func(update []byte, origin Origin)) func() {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	h := d.nextHandle
	d.nextHandle++
	d.onUpdate[h] = fn
	return func() {
		d.obsMu.Lock()
		delete(d.onUpdate, h)
		d.obsMu.Unlock()
	}
}

// OnChange registers fn to be told about every committed transaction.
func (d *Doc) OnChange(fn func(ChangeEvent)) func() {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	h := d.nextHandle
	d.nextHandle++
	d.onChange[h] = fn
	return func() {
		d.obsMu.Lock()
		delete(d.onChange, h)
		d.obsMu.Unlock()
	}
}

// AddHook installs a post-transaction hook.
func (d *Doc) AddHook(hook Hook) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.nextHandleLocked()
	d.hooks[h] = hook
	return func() {
		d.mu.Lock()
		delete(d.hooks, h)
		d.mu.Unlock()
	}
}

func (d *Doc) nextHandleLocked() int {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	h := d.nextHandle
	d.nextHandle++
	return h
}

// Destroy detaches all observers and hooks. Later transactions fail with ErrDestroyed.
func (d *Doc) Destroy() {
	d.mu.Lock()
	d.destroyed = true
	d.hooks = make(map[int]Hook)
	d.mu.Unlock()

	d.obsMu.Lock()
	d.onUpdate = make(map[int]func([]byte, Origin))
	d.onChange = make(map[int]func(ChangeEvent))
	d.obsMu.Unlock()
}

// Transact runs fn as one atomic transaction. If fn returns an error every
// operation it issued is rolled back and nothing is broadcast.
func (d *Doc) Transact(origin Origin, fn func(tx *Transaction) error) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	tx := &Transaction{doc: d, origin: origin}
	if err := fn(tx); err != nil {
		tx.rollback()
		d.mu.Unlock()
		return err
	}
	d.commitLocked(tx)
	return nil
}

// commitLocked runs hooks, then hands the transaction to observers. It releases d.mu.
func (d *Doc) commitLocked(tx *Transaction) {
	hooks := make([]Hook, 0, len(d.hooks))
	handles := make([]int, 0, len(d.hooks))
	for h := range d.hooks {
		handles = append(handles, h)
	}
	sort.Ints(handles)
	for _, h := range handles {
		hooks = append(hooks, d.hooks[h])
	}
	for _, hook := range hooks {
		hook(tx)
	}
	tx.journal = nil

	if len(tx.ops) == 0 {
		d.mu.Unlock()
		return
	}
	update := encodeOps(tx.ops)
	event := ChangeEvent{Origin: tx.origin, Inserted: tx.inserted, Ops: len(tx.ops)}

	d.emitMu.Lock()
	d.mu.Unlock()
	defer d.emitMu.Unlock()

	d.obsMu.Lock()
	updates := sortedObservers(d.onUpdate)
	changes := sortedObservers(d.onChange)
	d.obsMu.Unlock()

	for _, fn := range updates {
		fn(update, tx.origin)
	}
	for _, fn := range changes {
		fn(event)
	}
}

func sortedObservers[F any](m map[int]F) []F {
	handles := make([]int, 0, len(m))
	for h := range m {
		handles = append(handles, h)
	}
	sort.Ints(handles)
	out := make([]F, 0, len(handles))
	for _, h := range handles {
		out = append(out, m[h])
	}
	return out
}

// ApplyUpdate integrates operations received from a peer or from storage.
// Operations already seen are ignored; operations whose dependencies are missing
// wait until those arrive. A malformed update is rejected without side effects.
func (d *Doc) ApplyUpdate(update []byte, origin Origin) error {
	ops, err := decodeOps(update)
	if err != nil {
		return err
	}
	return d.Transact(origin, func(tx *Transaction) error {
		for _, op := range ops {
			d.receiveLocked(tx, op)
		}
		return nil
	})
}

func (d *Doc) receiveLocked(tx *Transaction, op Op) {
	if d.seenLocked(op.ID) {
		return
	}
	if !d.readyLocked(op) {
		d.pending[op.ID] = op
		return
	}
	d.integrateLocked(tx, op)

	for progress := true; progress && len(d.pending) > 0; {
		progress = false
		for _, p := range d.pendingSortedLocked() {
			if d.seenLocked(p.ID) {
				delete(d.pending, p.ID)
				continue
			}
			if d.readyLocked(p) {
				delete(d.pending, p.ID)
				d.integrateLocked(tx, p)
				progress = true
			}
		}
	}
}

func (d *Doc) pendingSortedLocked() []Op {
	out := make([]Op, 0, len(d.pending))
	for _, op := range d.pending {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID.Client != out[j].ID.Client {
			return out[i].ID.Client < out[j].ID.Client
		}
		return out[i].ID.Clock < out[j].ID.Clock
	})
	return out
}

// PendingCount returns the number of received operations still waiting on dependencies.
func (d *Doc) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Doc) seenLocked(id ID) bool {
	return id.Clock < d.clocks[id.Client]
}

func (d *Doc) readyLocked(op Op) bool {
	if op.ID.Clock != d.clocks[op.ID.Client] {
		return false
	}
	switch op.Kind {
	case OpInsert:
		if op.Origin == nil {
			return true
		}
		_, ok := d.index[*op.Origin]
		return ok
	default:
		_, ok := d.index[op.Target]
		return ok
	}
}

// integrateLocked applies a ready operation and records an undo step on tx.
func (d *Doc) integrateLocked(tx *Transaction, op Op) {
	prevLamport := d.lamport
	prevClock := d.clocks[op.ID.Client]
	d.clocks[op.ID.Client] = op.ID.Clock + 1
	if op.Lamport > d.lamport {
		d.lamport = op.Lamport
	}
	d.log[op.ID.Client] = append(d.log[op.ID.Client], op)
	tx.ops = append(tx.ops, op)

	var undo func()
	switch op.Kind {
	case OpInsert:
		it := &item{
			id:      op.ID,
			lamport: op.Lamport,
			origin:  op.Origin,
			content: op.Content,
			marks:   make(map[string]markEntry, len(op.Marks)),
		}
		for k, v := range op.Marks {
			it.marks[k] = markEntry{value: v, stamp: op.stamp()}
		}
		pos := d.placeLocked(op)
		d.items = append(d.items, nil)
		copy(d.items[pos+1:], d.items[pos:])
		d.items[pos] = it
		d.index[op.ID] = it
		tx.inserted = append(tx.inserted, op.ID)
		undo = func() {
			d.items = append(d.items[:pos], d.items[pos+1:]...)
			delete(d.index, op.ID)
		}
	case OpDelete:
		it := d.index[op.Target]
		was := it.deleted
		it.deleted = true
		undo = func() { it.deleted = was }
	case OpFormat:
		it := d.index[op.Target]
		prev, had := it.marks[op.Key]
		if !had || op.stamp().greater(prev.stamp) {
			it.marks[op.Key] = markEntry{value: op.Value, stamp: op.stamp()}
		}
		undo = func() {
			if had {
				it.marks[op.Key] = prev
			} else {
				delete(it.marks, op.Key)
			}
		}
	}

	client := op.ID.Client
	tx.journal = append(tx.journal, func() {
		undo()
		l := d.log[client]
		d.log[client] = l[:len(l)-1]
		d.clocks[client] = prevClock
		if prevClock == 0 {
			delete(d.clocks, client)
		}
		d.lamport = prevLamport
	})
}

// placeLocked finds where an insert lands: right of its origin, after any
// neighbours that carry a greater stamp.
func (d *Doc) placeLocked(op Op) int {
	pos := 0
	if op.Origin != nil {
		pos = d.indexOfLocked(d.index[*op.Origin]) + 1
	}
	s := op.stamp()
	for pos < len(d.items) && d.items[pos].stamp().greater(s) {
		pos++
	}
	return pos
}

func (d *Doc) indexOfLocked(it *item) int {
	for i, cur := range d.items {
		if cur == it {
			return i
		}
	}
	return -1
}

// visibleLocked returns the live characters in document order.
func (d *Doc) visibleLocked() []*item {
	out := make([]*item, 0, len(d.items))
	for _, it := range d.items {
		if !it.deleted {
			out = append(out, it)
		}
	}
	return out
}

// Len returns the number of visible characters, block separators included.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.visibleLocked())
}

// IsEmpty reports whether the document has no visible characters.
func (d *Doc) IsEmpty() bool {
	return d.Len() == 0
}

// Text returns the visible characters with blocks separated by newlines.
func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var buf []byte
	for _, it := range d.visibleLocked() {
		buf = append(buf, it.content...)
	}
	return string(buf)
}

// MarksAt returns the marks of the visible character at pos.
func (d *Doc) MarksAt(pos int) (Marks, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	vis := d.visibleLocked()
	if pos < 0 || pos >= len(vis) {
		return nil, ErrOutOfRange
	}
	return vis[pos].visibleMarks(), nil
}

// InheritedMarks returns the marks text typed at pos picks up when no explicit
// marks are given: those of the character before pos within the same block,
// or of the character after pos at the start of a block.
func (d *Doc) InheritedMarks(pos int) Marks {
	d.mu.Lock()
	defer d.mu.Unlock()
	return inheritedMarks(d.visibleLocked(), pos)
}

func inheritedMarks(vis []*item, pos int) Marks {
	if pos > 0 && pos <= len(vis) && !vis[pos-1].isBlock() {
		return vis[pos-1].visibleMarks()
	}
	if pos >= 0 && pos < len(vis) && !vis[pos].isBlock() {
		return vis[pos].visibleMarks()
	}
	return Marks{}
}

// StateVector returns a copy of the integrated operation counts per client.
func (d *Doc) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clocks.Clone()
}

// EncodeStateVector returns the wire form of the replica's state vector.
func (d *Doc) EncodeStateVector() []byte {
	return EncodeStateVector(d.StateVector())
}

// EncodeStateAsUpdate returns every integrated operation the holder of remote has not seen.
// A nil remote yields the full document.
func (d *Doc) EncodeStateAsUpdate(remote StateVector) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ops []Op
	for _, client := range d.clocks.clients() {
		from := remote[client]
		log := d.log[client]
		if from < uint64(len(log)) {
			ops = append(ops, log[from:]...)
		}
	}
	return encodeOps(ops)
}

// Transaction is the handle passed to Transact bodies and hooks. Positions count
// visible characters, block separators included.
type Transaction struct {
	doc      *Doc
	origin   Origin
	ops      []Op
	inserted []ID
	journal  []func()
}

// Origin returns who caused the transaction.
func (tx *Transaction) Origin() Origin {
	return tx.origin
}

// Inserted returns the IDs of characters inserted so far in this transaction.
func (tx *Transaction) Inserted() []ID {
	return append([]ID(nil), tx.inserted...)
}

// Len returns the current number of visible characters.
func (tx *Transaction) Len() int {
	return len(tx.doc.visibleLocked())
}

func (tx *Transaction) rollback() {
	for i := len(tx.journal) - 1; i >= 0; i-- {
		tx.journal[i]()
	}
	tx.journal = nil
	tx.ops = nil
	tx.inserted = nil
}

func (tx *Transaction) nextOp(kind OpKind) Op {
	d := tx.doc
	return Op{
		Kind:    kind,
		ID:      ID{Client: d.client, Clock: d.clocks[d.client]},
		Lamport: d.lamport + 1,
	}
}

// Insert types text at pos. With nil marks the text inherits the marks of its
// neighbour; a non-nil map is used as is. Block separators never carry marks.
func (tx *Transaction) Insert(pos int, text string, marks Marks) error {
	vis := tx.doc.visibleLocked()
	if pos < 0 || pos > len(vis) {
		return ErrOutOfRange
	}
	if text == "" {
		return nil
	}
	if marks == nil {
		marks = inheritedMarks(vis, pos)
	} else {
		marks = marks.Clone()
	}
	var origin *ID
	if pos > 0 {
		id := vis[pos-1].id
		origin = &id
	}
	for len(text) > 0 {
		r, size := utf8.DecodeRuneInString(text)
		text = text[size:]
		op := tx.nextOp(OpInsert)
		op.Origin = origin
		op.Content = string(r)
		if op.Content != Block && len(marks) > 0 {
			op.Marks = marks.Clone()
		}
		tx.doc.integrateLocked(tx, op)
		id := op.ID
		origin = &id
	}
	return nil
}

func (tx *Transaction) span(pos, n int) ([]*item, error) {
	vis := tx.doc.visibleLocked()
	if pos < 0 || n < 0 || pos+n > len(vis) {
		return nil, ErrOutOfRange
	}
	return vis[pos : pos+n], nil
}

// Delete removes n visible characters starting at pos.
func (tx *Transaction) Delete(pos, n int) error {
	items, err := tx.span(pos, n)
	if err != nil {
		return err
	}
	for _, it := range items {
		op := tx.nextOp(OpDelete)
		op.Target = it.id
		tx.doc.integrateLocked(tx, op)
	}
	return nil
}

// Format sets mark key to value on n visible characters starting at pos.
// An empty value removes the mark. Block separators are skipped.
func (tx *Transaction) Format(pos, n int, key, value string) error {
	items, err := tx.span(pos, n)
	if err != nil {
		return err
	}
	for _, it := range items {
		if it.isBlock() {
			continue
		}
		tx.setMark(it, key, value)
	}
	return nil
}

// ItemMarks returns the marks of the character identified by id, or nil when the
// character is unknown or deleted.
func (tx *Transaction) ItemMarks(id ID) Marks {
	it, ok := tx.doc.index[id]
	if !ok || it.deleted {
		return nil
	}
	return it.visibleMarks()
}

// SetMark sets one mark on a single live character. It is a no-op for unknown,
// deleted or block characters and when the mark already has that value.
func (tx *Transaction) SetMark(id ID, key, value string) {
	it, ok := tx.doc.index[id]
	if !ok || it.deleted || it.isBlock() {
		return
	}
	tx.setMark(it, key, value)
}

func (tx *Transaction) setMark(it *item, key, value string) {
	if it.marks[key].value == value {
		return
	}
	op := tx.nextOp(OpFormat)
	op.Target = it.id
	op.Key = key
	op.Value = value
	tx.doc.integrateLocked(tx, op)
}

// Clear deletes every visible character.
func (tx *Transaction) Clear() error {
	return tx.Delete(0, tx.Len())
}

// Walk calls fn for each visible character in order with its marks.
func (tx *Transaction) Walk(fn func(pos int, id ID, content string, marks Marks)) {
	for i, it := range tx.doc.visibleLocked() {
		fn(i, it.id, it.content, it.visibleMarks())
	}
}
