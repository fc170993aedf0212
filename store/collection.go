package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"fadedreams/autofix/domain"
)

type record[T any] interface {
	*T
	Key() string
	SetKey(id string)
}

// collection holds one ordered list of records and its persisted snapshot.
// mu guards items; writeMu serializes persistence so snapshots reach the
// key-value store in the order mutations were applied.
type collection[T any, P record[T]] struct {
	key     string
	kv      domain.KVStore
	mu      sync.RWMutex
	writeMu sync.Mutex
	items   []T
}

func newCollection[T any, P record[T]](key string, kv domain.KVStore) *collection[T, P] {
	return &collection[T, P]{key: key, kv: kv}
}

func (c *collection[T, P]) snapshot() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]T, len(c.items))
	copy(out, c.items)
	return out
}

func (c *collection[T, P]) find(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i := c.indexLocked(id); i >= 0 {
		return c.items[i], true
	}
	var zero T
	return zero, false
}

func (c *collection[T, P]) has(id string) bool {
	_, ok := c.find(id)
	return ok
}

func (c *collection[T, P]) indexLocked(id string) int {
	for i := range c.items {
		if P(&c.items[i]).Key() == id {
			return i
		}
	}
	return -1
}

// add appends item, assigning an id from newID when it has none. Memory is
// updated before the snapshot is written; a failed write is reported but not
// rolled back.
func (c *collection[T, P]) add(ctx context.Context, item T, newID func() string) (T, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	p := P(&item)
	if p.Key() == "" {
		id := newID()
		for c.indexLocked(id) >= 0 {
			id = newID()
		}
		p.SetKey(id)
	} else if c.indexLocked(p.Key()) >= 0 {
		c.mu.Unlock()
		return item, domain.ValidationError("add "+c.key, fmt.Sprintf("id %s already exists", p.Key()))
	}
	c.items = append(c.items, item)
	blob, err := json.Marshal(c.items)
	c.mu.Unlock()

	return item, c.persist(ctx, "add", blob, err)
}

// prepend inserts item at the head unless a record with its id exists.
func (c *collection[T, P]) prepend(ctx context.Context, item T) (bool, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.indexLocked(P(&item).Key()) >= 0 {
		c.mu.Unlock()
		return false, nil
	}
	c.items = append([]T{item}, c.items...)
	blob, err := json.Marshal(c.items)
	c.mu.Unlock()

	return true, c.persist(ctx, "prepend", blob, err)
}

// appendNew appends item unless a record with its id exists.
func (c *collection[T, P]) appendNew(ctx context.Context, item T) (bool, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.indexLocked(P(&item).Key()) >= 0 {
		c.mu.Unlock()
		return false, nil
	}
	c.items = append(c.items, item)
	blob, err := json.Marshal(c.items)
	c.mu.Unlock()

	return true, c.persist(ctx, "append", blob, err)
}

// update merges fields into the record with id. An unknown id is a no-op and
// writes nothing.
func (c *collection[T, P]) update(ctx context.Context, id string, fields domain.Row) (T, bool, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	i := c.indexLocked(id)
	if i < 0 {
		c.mu.Unlock()
		var zero T
		return zero, false, nil
	}
	// merge into a deep copy; earlier snapshots share pointer fields with items[i]
	merged, err := deepCopy(c.items[i])
	if err == nil {
		err = domain.Merge(&merged, fields)
	}
	if err != nil {
		c.mu.Unlock()
		return merged, true, domain.ValidationError("update "+c.key, err.Error())
	}
	// the id never changes through an update
	P(&merged).SetKey(id)
	c.items[i] = merged
	blob, err := json.Marshal(c.items)
	c.mu.Unlock()

	return merged, true, c.persist(ctx, "update", blob, err)
}

// replace swaps the whole list; persist=false is used when loading.
func (c *collection[T, P]) replace(ctx context.Context, items []T, persist bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if items == nil {
		items = []T{}
	}
	c.mu.Lock()
	c.items = items
	blob, err := json.Marshal(c.items)
	c.mu.Unlock()

	if !persist {
		return nil
	}
	return c.persist(ctx, "replace", blob, err)
}

func (c *collection[T, P]) persist(ctx context.Context, op string, blob []byte, marshalErr error) error {
	if marshalErr != nil {
		return domain.PersistenceError(op+" "+c.key, fmt.Errorf("failed to encode collection: %w", marshalErr))
	}
	if err := c.kv.Set(ctx, c.key, string(blob)); err != nil {
		return domain.PersistenceError(op+" "+c.key, err)
	}
	return nil
}

func deepCopy[T any](v T) (T, error) {
	var out T
	blob, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(blob, &out)
	return out, err
}
