package operator

import (
	"errors"
	"fmt"
	"testing"

	"coffer/core/events"
)

type memStorage struct {
	values map[string]interface{}
}

func newMemStorage() *memStorage {
	return &memStorage{values: make(map[string]interface{})}
}

func (m *memStorage) KVGet(key []byte, out interface{}) (bool, error) {
	value, ok := m.values[string(key)]
	if !ok {
		return false, nil
	}
	switch typed := out.(type) {
	case *storedFreezeRecord:
		*typed = *(value.(*storedFreezeRecord))
	case *[][]byte:
		*typed = append([][]byte(nil), value.([][]byte)...)
	default:
		return false, fmt.Errorf("unexpected get type %T", out)
	}
	return true, nil
}

func (m *memStorage) KVPut(key []byte, value interface{}) error {
	switch typed := value.(type) {
	case *storedFreezeRecord:
		record := *typed
		m.values[string(key)] = &record
	case [][]byte:
		m.values[string(key)] = append([][]byte(nil), typed...)
	default:
		return fmt.Errorf("unexpected put type %T", value)
	}
	return nil
}

type captureEmitter struct {
	events []events.Event
}

func (c *captureEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func newTestRegistry() (*Registry, *captureEmitter) {
	registry := NewRegistry()
	registry.SetStore(newMemStorage())
	emitter := &captureEmitter{}
	registry.SetEmitter(emitter)
	registry.SetNowFunc(func() int64 { return 1_700_000_000 })
	return registry, emitter
}

func TestFreezeLifecycle(t *testing.T) {
	registry, emitter := newTestRegistry()
	admin := [20]byte{0xad}
	operator := [20]byte{0x0b}

	if err := registry.Freeze(admin, operator); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	frozen, err := registry.IsFrozen(operator)
	if err != nil || !frozen {
		t.Fatalf("expected frozen, got %v %v", frozen, err)
	}
	record, ok, err := registry.Record(operator)
	if err != nil || !ok {
		t.Fatalf("record: %v %v", ok, err)
	}
	if record.Admin != admin || !record.Frozen || record.UpdatedAt != 1_700_000_000 {
		t.Fatalf("unexpected record %+v", record)
	}
	listed, err := registry.Frozen()
	if err != nil || len(listed) != 1 || listed[0] != operator {
		t.Fatalf("frozen list %v %v", listed, err)
	}

	if err := registry.Unfreeze(admin, operator); err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	frozen, err = registry.IsFrozen(operator)
	if err != nil || frozen {
		t.Fatalf("expected unfrozen, got %v %v", frozen, err)
	}
	listed, err = registry.Frozen()
	if err != nil || len(listed) != 0 {
		t.Fatalf("frozen list should drain, got %v %v", listed, err)
	}
	if len(emitter.events) != 2 {
		t.Fatalf("expected freeze and unfreeze events, got %d", len(emitter.events))
	}
	if emitter.events[0].EventType() != events.TypeOperatorFrozen ||
		emitter.events[1].EventType() != events.TypeOperatorUnfrozen {
		t.Fatalf("unexpected event sequence")
	}
}

func TestFreezeTransitionsAreIdempotent(t *testing.T) {
	registry, emitter := newTestRegistry()
	admin := [20]byte{0xad}
	operator := [20]byte{0x0b}

	if err := registry.Freeze(admin, operator); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if err := registry.Freeze(admin, operator); err != nil {
		t.Fatalf("repeat freeze: %v", err)
	}
	if len(emitter.events) != 1 {
		t.Fatalf("repeat freeze must not emit, got %d events", len(emitter.events))
	}
	listed, err := registry.Frozen()
	if err != nil || len(listed) != 1 {
		t.Fatalf("index must not duplicate, got %v %v", listed, err)
	}
}

func TestUnfreezeUnknownOperatorIsNoop(t *testing.T) {
	registry, emitter := newTestRegistry()

	if err := registry.Unfreeze([20]byte{0xad}, [20]byte{0x0b}); err != nil {
		t.Fatalf("unfreeze unknown: %v", err)
	}
	if len(emitter.events) != 0 {
		t.Fatalf("no-op unfreeze must not emit")
	}
	if _, ok, err := registry.Record([20]byte{0x0b}); err != nil || ok {
		t.Fatalf("no-op unfreeze must not persist a record, got %v %v", ok, err)
	}
}

func TestSelfFreezeRejected(t *testing.T) {
	registry, _ := newTestRegistry()
	admin := [20]byte{0xad}

	if err := registry.Freeze(admin, admin); !errors.Is(err, ErrSelfFreeze) {
		t.Fatalf("expected self freeze rejection, got %v", err)
	}
}

func TestRegistryFailsClosedWithoutStore(t *testing.T) {
	registry := NewRegistry()
	operator := [20]byte{0x0b}

	frozen, err := registry.IsFrozen(operator)
	if !errors.Is(err, ErrNoStore) {
		t.Fatalf("expected store error, got %v", err)
	}
	if !frozen {
		t.Fatalf("missing storage must report frozen")
	}
	if err := registry.Freeze([20]byte{0xad}, operator); !errors.Is(err, ErrNoStore) {
		t.Fatalf("freeze without store should fail, got %v", err)
	}
}

func TestFrozenIndexTracksMultipleOperators(t *testing.T) {
	registry, _ := newTestRegistry()
	admin := [20]byte{0xad}
	first := [20]byte{0x01}
	second := [20]byte{0x02}

	if err := registry.Freeze(admin, first); err != nil {
		t.Fatalf("freeze first: %v", err)
	}
	if err := registry.Freeze(admin, second); err != nil {
		t.Fatalf("freeze second: %v", err)
	}
	listed, err := registry.Frozen()
	if err != nil || len(listed) != 2 {
		t.Fatalf("expected two frozen operators, got %v %v", listed, err)
	}
	if err := registry.Unfreeze(admin, first); err != nil {
		t.Fatalf("unfreeze first: %v", err)
	}
	listed, err = registry.Frozen()
	if err != nil || len(listed) != 1 || listed[0] != second {
		t.Fatalf("expected only the second operator, got %v %v", listed, err)
	}
}
