package memory

import (
	"sync"
	"time"
)

// Working is the in-process working-memory arena. Each family has its own
// bounded FIFO guarded by its own mutex.
type Working struct {
	capacity int
	families sync.Map // familyID -> *familyWorking
	now      func() time.Time
}

type familyWorking struct {
	mu      sync.Mutex
	order   []string
	entries map[string]*WorkingEntry
}

// NewWorking creates an arena holding at most capacity entries per family.
func NewWorking(capacity int) *Working {
	if capacity <= 0 {
		capacity = 10
	}
	return &Working{capacity: capacity, now: time.Now}
}

func (w *Working) family(familyID string) *familyWorking {
	if fw, ok := w.families.Load(familyID); ok {
		return fw.(*familyWorking)
	}
	fw, _ := w.families.LoadOrStore(familyID, &familyWorking{entries: make(map[string]*WorkingEntry)})
	return fw.(*familyWorking)
}

// Put stores value under key. A new key evicts the oldest-inserted entry when
// the family is at capacity; an existing key is replaced in place.
func (w *Working) Put(familyID, key string, value any) {
	fw := w.family(familyID)
	fw.mu.Lock()
	defer fw.mu.Unlock()

	now := w.now()
	if e, ok := fw.entries[key]; ok {
		e.Value = value
		e.CreatedAt = now
		e.AccessCount = 0
		return
	}

	if len(fw.order) >= w.capacity {
		oldest := fw.order[0]
		fw.order = fw.order[1:]
		delete(fw.entries, oldest)
	}
	fw.order = append(fw.order, key)
	fw.entries[key] = &WorkingEntry{Key: key, Value: value, CreatedAt: now}
}

// Get returns the value for key and records the access.
func (w *Working) Get(familyID, key string) (any, bool) {
	v, ok := w.families.Load(familyID)
	if !ok {
		return nil, false
	}
	fw := v.(*familyWorking)
	fw.mu.Lock()
	defer fw.mu.Unlock()

	e, ok := fw.entries[key]
	if !ok {
		return nil, false
	}
	e.AccessCount++
	e.LastAccessed = w.now()
	return e.Value, true
}

// Snapshot returns a copy of the family's entries in insertion order.
func (w *Working) Snapshot(familyID string) []WorkingEntry {
	v, ok := w.families.Load(familyID)
	if !ok {
		return []WorkingEntry{}
	}
	fw := v.(*familyWorking)
	fw.mu.Lock()
	defer fw.mu.Unlock()

	out := make([]WorkingEntry, 0, len(fw.order))
	for _, k := range fw.order {
		out = append(out, *fw.entries[k])
	}
	return out
}

// Len reports how many entries the family holds.
func (w *Working) Len(familyID string) int {
	v, ok := w.families.Load(familyID)
	if !ok {
		return 0
	}
	fw := v.(*familyWorking)
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return len(fw.order)
}
