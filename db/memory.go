package db

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"siope-etl/internal/errors"
)

// Memory is an in-process document store. Documents go through the bson
// codec exactly as they would on the wire, so struct tags, inlining and
// decoding behave like the MongoDB backend. Memory is its own Opener:
// every Open returns a new handle onto the same data.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
	open        int64
}

type memCollection struct {
	docs    []bson.M
	byID    map[string]int
	indexes []*memIndex
}

type memIndex struct {
	Index
	keys map[string]struct{}
}

// NewMemory creates an empty store
func NewMemory() *Memory {
	return &Memory{collections: make(map[string]*memCollection)}
}

// Open implements Opener
func (m *Memory) Open(ctx context.Context) (Store, error) {
	atomic.AddInt64(&m.open, 1)
	return &memHandle{m: m}, nil
}

// OpenHandles returns the number of handles not yet closed
func (m *Memory) OpenHandles() int64 {
	return atomic.LoadInt64(&m.open)
}

func (m *Memory) collection(name string) *memCollection {
	c, ok := m.collections[name]
	if !ok {
		c = &memCollection{byID: make(map[string]int)}
		m.collections[name] = c
	}
	return c
}

type memHandle struct {
	m      *Memory
	closed int32
}

func (h *memHandle) Drop(ctx context.Context, collection string) error {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	delete(h.m.collections, collection)
	return nil
}

func (h *memHandle) EnsureIndex(ctx context.Context, collection string, index Index) error {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()

	c := h.m.collection(collection)
	for _, existing := range c.indexes {
		if existing.Name() == index.Name() {
			return nil
		}
	}

	idx := &memIndex{Index: index}
	if index.Unique {
		idx.keys = make(map[string]struct{}, len(c.docs))
		for _, doc := range c.docs {
			k := idx.key(doc)
			if _, dup := idx.keys[k]; dup {
				return errors.Newf(errors.TypeStore, "indexing %s on %s: duplicate key %s", collection, index.Name(), k)
			}
			idx.keys[k] = struct{}{}
		}
	}
	c.indexes = append(c.indexes, idx)
	return nil
}

func (h *memHandle) Count(ctx context.Context, collection string) (int64, error) {
	h.m.mu.RLock()
	defer h.m.mu.RUnlock()
	c, ok := h.m.collections[collection]
	if !ok {
		return 0, nil
	}
	return int64(len(c.docs)), nil
}

func (h *memHandle) FindOne(ctx context.Context, collection string, filter Filter, out interface{}) (bool, error) {
	doc, err := h.find(collection, filter)
	if err != nil || doc == nil {
		return false, err
	}
	if err := decodeDoc(doc, out); err != nil {
		return false, errors.Store("decoding "+collection, err)
	}
	return true, nil
}

func (h *memHandle) Exists(ctx context.Context, collection string, filter Filter) (bool, error) {
	doc, err := h.find(collection, filter)
	return doc != nil, err
}

func (h *memHandle) find(collection string, filter Filter) (bson.M, error) {
	want, err := toDoc(bson.M(filter))
	if err != nil {
		return nil, errors.Store("encoding filter", err)
	}

	h.m.mu.RLock()
	defer h.m.mu.RUnlock()
	c, ok := h.m.collections[collection]
	if !ok {
		return nil, nil
	}
	for _, doc := range c.docs {
		if matches(doc, want) {
			return doc, nil
		}
	}
	return nil, nil
}

// Scan snapshots the range before calling fn, so fn may use the store.
func (h *memHandle) Scan(ctx context.Context, collection string, r Range, fn func(Decoder) error) error {
	if r.Empty() {
		return nil
	}

	h.m.mu.RLock()
	var snapshot []bson.M
	if c, ok := h.m.collections[collection]; ok {
		start, end := r.Start, int64(len(c.docs))
		if !r.Open && r.End < end {
			end = r.End
		}
		if start < end {
			snapshot = append(snapshot, c.docs[start:end]...)
		}
	}
	h.m.mu.RUnlock()

	for _, doc := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(memDecoder{doc: doc}); err != nil {
			return err
		}
	}
	return nil
}

func (h *memHandle) NewBatch(collection string) Batch {
	return &memBatch{m: h.m, collection: collection}
}

func (h *memHandle) Close(ctx context.Context) error {
	if atomic.CompareAndSwapInt32(&h.closed, 0, 1) {
		atomic.AddInt64(&h.m.open, -1)
	}
	return nil
}

type memDecoder struct {
	doc bson.M
}

func (d memDecoder) Decode(v interface{}) error {
	return decodeDoc(d.doc, v)
}

type memOp struct {
	doc      interface{}
	id       string
	onInsert interface{}
	field    string
	item     interface{}
}

type memBatch struct {
	m          *Memory
	collection string
	ops        []memOp
}

func (b *memBatch) Insert(doc interface{}) {
	b.ops = append(b.ops, memOp{doc: doc})
}

func (b *memBatch) UpsertPush(id string, onInsert interface{}, field string, item interface{}) {
	b.ops = append(b.ops, memOp{id: id, onInsert: onInsert, field: field, item: item})
}

func (b *memBatch) Len() int {
	return len(b.ops)
}

func (b *memBatch) Flush(ctx context.Context) (FlushStats, error) {
	var stats FlushStats
	if len(b.ops) == 0 {
		return stats, nil
	}
	ops := b.ops
	b.ops = nil

	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	c := b.m.collection(b.collection)

	for _, op := range ops {
		if op.field == "" {
			doc, err := toDoc(op.doc)
			if err != nil {
				return stats, errors.Store("encoding document for "+b.collection, err)
			}
			if c.insert(doc) {
				stats.Written++
			} else {
				stats.Duplicates++
			}
			continue
		}

		item, err := toDoc(op.item)
		if err != nil {
			return stats, errors.Store("encoding line item for "+b.collection, err)
		}
		if pos, ok := c.byID[idKey(op.id)]; ok {
			c.docs[pos] = withItem(c.docs[pos], op.field, item)
			stats.Written++
			continue
		}
		doc, err := toDoc(op.onInsert)
		if err != nil {
			return stats, errors.Store("encoding document for "+b.collection, err)
		}
		doc["_id"] = op.id
		doc[op.field] = bson.A{item}
		if c.insert(doc) {
			stats.Written++
		} else {
			stats.Duplicates++
		}
	}
	return stats, nil
}

// withItem returns a copy of doc with item appended to field. Published
// documents are never mutated, so scan snapshots stay consistent.
func withItem(doc bson.M, field string, item bson.M) bson.M {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	items, _ := doc[field].(bson.A)
	out[field] = append(append(bson.A{}, items...), item)
	return out
}

// insert adds doc unless its _id or a unique key already exists
func (c *memCollection) insert(doc bson.M) bool {
	if _, ok := doc["_id"]; !ok {
		doc["_id"] = primitive.NewObjectID()
	}
	id := idKey(doc["_id"])
	if _, dup := c.byID[id]; dup {
		return false
	}
	for _, idx := range c.indexes {
		if idx.Unique {
			if _, dup := idx.keys[idx.key(doc)]; dup {
				return false
			}
		}
	}
	for _, idx := range c.indexes {
		if idx.Unique {
			idx.keys[idx.key(doc)] = struct{}{}
		}
	}
	c.byID[id] = len(c.docs)
	c.docs = append(c.docs, doc)
	return true
}

func (i *memIndex) key(doc bson.M) string {
	parts := make([]string, len(i.Keys))
	for n, k := range i.Keys {
		parts[n] = fmt.Sprintf("%v", normalize(doc[k]))
	}
	return strings.Join(parts, "\x00")
}

func idKey(id interface{}) string {
	if oid, ok := id.(primitive.ObjectID); ok {
		return "oid:" + oid.Hex()
	}
	return fmt.Sprintf("%T:%v", id, id)
}

func toDoc(v interface{}) (bson.M, error) {
	data, err := bson.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc bson.M
	if err := bson.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func decodeDoc(doc bson.M, out interface{}) error {
	data, err := bson.Marshal(doc)
	if err != nil {
		return err
	}
	return bson.Unmarshal(data, out)
}

func matches(doc, filter bson.M) bool {
	for k, want := range filter {
		got, ok := doc[k]
		if !ok || !reflect.DeepEqual(normalize(got), normalize(want)) {
			return false
		}
	}
	return true
}

// normalize widens integer encodings so that int32 and int64 compare equal
func normalize(v interface{}) interface{} {
	switch n := v.(type) {
	case int32:
		return int64(n)
	case int:
		return int64(n)
	default:
		return v
	}
}
