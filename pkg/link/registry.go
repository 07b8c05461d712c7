package link

import (
	"fmt"
	"sync"
)

// Handle identifies a registered connection. The zero Handle is never issued.
type Handle uint32

// Key is the (SAPI, TEI) address of a connection on an interface
type Key struct {
	SAPI uint8
	TEI  uint8
}

// String returns string representation of Key
func (k Key) String() string {
	return fmt.Sprintf("%d/%d", k.SAPI, k.TEI)
}

// Registry maps addresses to connections. Connections live in a slot arena
// and are referred to by Handle; the address index only covers connections
// that hold a TEI.
type Registry struct {
	slots []*DLC
	free  []int
	index map[Key]Handle
	mu    sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		index: make(map[Key]Handle),
	}
}

func slotOf(h Handle) int {
	return int(h) - 1
}

// Add registers d and returns its handle. A connection without a TEI is
// stored but not addressable until Rekey.
func (r *Registry) Add(d *DLC) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := Key{SAPI: d.sapi, TEI: d.tei}
	if d.tei != UnassignedTEI {
		if _, exists := r.index[key]; exists {
			return 0, fmt.Errorf("%w: %s", ErrDuplicateAddress, key)
		}
	}

	var slot int
	if n := len(r.free); n > 0 {
		slot = r.free[n-1]
		r.free = r.free[:n-1]
		r.slots[slot] = d
	} else {
		slot = len(r.slots)
		r.slots = append(r.slots, d)
	}

	h := Handle(slot + 1)
	d.handle = h
	if d.tei != UnassignedTEI {
		r.index[key] = h
	}
	return h, nil
}

// Remove unregisters a connection
func (r *Registry) Remove(h Handle) (*DLC, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := r.get(h)
	if d == nil {
		return nil, ErrUnknownHandle
	}
	for k, v := range r.index {
		if v == h {
			delete(r.index, k)
		}
	}
	r.slots[slotOf(h)] = nil
	r.free = append(r.free, slotOf(h))
	return d, nil
}

func (r *Registry) get(h Handle) *DLC {
	i := slotOf(h)
	if i < 0 || i >= len(r.slots) {
		return nil
	}
	return r.slots[i]
}

// Get returns the connection for a handle
func (r *Registry) Get(h Handle) (*DLC, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d := r.get(h)
	return d, d != nil
}

// Lookup returns the connection addressed by (sapi, tei)
func (r *Registry) Lookup(sapi, tei uint8) (*DLC, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, exists := r.index[Key{SAPI: sapi, TEI: tei}]
	if !exists {
		return nil, false
	}
	return r.slots[slotOf(h)], true
}

// Rekey moves the index entry of h to a new TEI. UnassignedTEI removes it
// from the index.
func (r *Registry) Rekey(h Handle, tei uint8) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := r.get(h)
	if d == nil {
		return ErrUnknownHandle
	}
	newKey := Key{SAPI: d.sapi, TEI: tei}
	if tei != UnassignedTEI {
		if other, exists := r.index[newKey]; exists && other != h {
			return fmt.Errorf("%w: %s", ErrDuplicateAddress, newKey)
		}
	}
	for k, v := range r.index {
		if v == h {
			delete(r.index, k)
		}
	}
	if tei != UnassignedTEI {
		r.index[newKey] = h
	}
	return nil
}

// All returns every registered connection
func (r *Registry) All() []*DLC {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*DLC, 0, len(r.slots)-len(r.free))
	for _, d := range r.slots {
		if d != nil {
			out = append(out, d)
		}
	}
	return out
}

// ByTEI returns the indexed connections using tei on any SAPI
func (r *Registry) ByTEI(tei uint8) []*DLC {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*DLC
	for k, h := range r.index {
		if k.TEI == tei {
			out = append(out, r.slots[slotOf(h)])
		}
	}
	return out
}

// Count returns the number of registered connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.slots) - len(r.free)
}

// Clear removes every connection
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.slots = nil
	r.free = nil
	r.index = make(map[Key]Handle)
}
