// Package operator tracks frozen operator identities. The registry is shared
// by every vault engine in the daemon, so freezing an operator blocks its
// protocol phase calls across all vaults at once.
package operator

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"coffer/core/events"
)

var (
	ErrNoStore = errors.New("operator: storage not configured")
	// ErrSelfFreeze rejects an admin freezing their own operator identity.
	ErrSelfFreeze = errors.New("operator: admin cannot freeze itself")
)

var (
	freezePrefix   = []byte("operator/frozen/")
	freezeIndexKey = []byte("operator/frozen-index")
)

// Storage is the narrow persistence interface consumed by the registry.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// FreezeRecord describes one operator's freeze state.
type FreezeRecord struct {
	Operator  [20]byte
	Admin     [20]byte
	Frozen    bool
	UpdatedAt int64
}

type storedFreezeRecord struct {
	Admin     [20]byte
	Frozen    bool
	UpdatedAt uint64
}

// Registry answers freeze queries for vault engines and applies admin
// transitions.
type Registry struct {
	mu      sync.RWMutex
	store   Storage
	emitter events.Emitter
	nowFn   func() int64
}

// NewRegistry constructs an empty registry with a wall clock and no-op
// emitter.
func NewRegistry() *Registry {
	return &Registry{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetStore wires the registry to the persistence layer.
func (r *Registry) SetStore(store Storage) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store = store
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op
// implementation.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// SetNowFunc overrides the timestamp source. Nil restores the wall clock.
func (r *Registry) SetNowFunc(now func() int64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if now == nil {
		r.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	r.nowFn = now
}

func freezeKey(operator [20]byte) []byte {
	return append(append([]byte(nil), freezePrefix...), operator[:]...)
}

// Freeze marks the operator frozen. Repeating a freeze is a no-op; only the
// transition emits an event.
func (r *Registry) Freeze(admin, operator [20]byte) error {
	return r.transition(admin, operator, true)
}

// Unfreeze lifts a freeze. Unfreezing an operator that was never frozen is a
// no-op.
func (r *Registry) Unfreeze(admin, operator [20]byte) error {
	return r.transition(admin, operator, false)
}

func (r *Registry) transition(admin, operator [20]byte, frozen bool) error {
	if r == nil {
		return ErrNoStore
	}
	if frozen && admin == operator {
		return ErrSelfFreeze
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.store == nil {
		return ErrNoStore
	}
	var stored storedFreezeRecord
	ok, err := r.store.KVGet(freezeKey(operator), &stored)
	if err != nil {
		return err
	}
	if !ok && !frozen {
		return nil
	}
	if ok && stored.Frozen == frozen {
		return nil
	}
	now := r.nowFn()
	record := storedFreezeRecord{Admin: admin, Frozen: frozen, UpdatedAt: uint64(now)}
	if err := r.store.KVPut(freezeKey(operator), &record); err != nil {
		return err
	}
	if err := r.updateIndex(operator, frozen); err != nil {
		return err
	}
	if frozen {
		r.emitter.Emit(events.OperatorFrozen{Operator: operator, Admin: admin})
	} else {
		r.emitter.Emit(events.OperatorUnfrozen{Operator: operator, Admin: admin})
	}
	return nil
}

func (r *Registry) updateIndex(operator [20]byte, frozen bool) error {
	var index [][]byte
	if _, err := r.store.KVGet(freezeIndexKey, &index); err != nil {
		return err
	}
	next := make([][]byte, 0, len(index)+1)
	for _, entry := range index {
		if bytes.Equal(entry, operator[:]) {
			continue
		}
		next = append(next, entry)
	}
	if frozen {
		next = append(next, append([]byte(nil), operator[:]...))
	}
	return r.store.KVPut(freezeIndexKey, next)
}

// IsFrozen reports whether the operator is currently frozen. A registry
// without storage fails closed and reports frozen.
func (r *Registry) IsFrozen(operator [20]byte) (bool, error) {
	if r == nil {
		return true, ErrNoStore
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.store == nil {
		return true, ErrNoStore
	}
	var stored storedFreezeRecord
	ok, err := r.store.KVGet(freezeKey(operator), &stored)
	if err != nil {
		return true, err
	}
	if !ok {
		return false, nil
	}
	return stored.Frozen, nil
}

// Record returns the full freeze record for one operator.
func (r *Registry) Record(operator [20]byte) (*FreezeRecord, bool, error) {
	if r == nil {
		return nil, false, ErrNoStore
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.store == nil {
		return nil, false, ErrNoStore
	}
	var stored storedFreezeRecord
	ok, err := r.store.KVGet(freezeKey(operator), &stored)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &FreezeRecord{
		Operator:  operator,
		Admin:     stored.Admin,
		Frozen:    stored.Frozen,
		UpdatedAt: int64(stored.UpdatedAt),
	}, true, nil
}

// Frozen lists every currently frozen operator.
func (r *Registry) Frozen() ([][20]byte, error) {
	if r == nil {
		return nil, ErrNoStore
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.store == nil {
		return nil, ErrNoStore
	}
	var index [][]byte
	if _, err := r.store.KVGet(freezeIndexKey, &index); err != nil {
		return nil, err
	}
	out := make([][20]byte, 0, len(index))
	for _, entry := range index {
		if len(entry) != 20 {
			continue
		}
		var operator [20]byte
		copy(operator[:], entry)
		out = append(out, operator)
	}
	return out, nil
}
