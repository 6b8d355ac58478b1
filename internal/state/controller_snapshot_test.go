package state

import (
	"context"
	"testing"
)

type memStore struct {
	data map[string]string
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]string)}
}

func (m *memStore) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memStore) Set(_ context.Context, key, value string) error {
	m.data[key] = value
	return nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	delete(m.data, key)
	return nil
}

func (m *memStore) Close() error { return nil }

func TestControllerSnapshotRoundTrip(t *testing.T) {
	store := newMemStore()
	snap := ControllerSnapshot{
		Status:                  "IDLE",
		Paused:                  true,
		ProcessingRebalanceDown: true,
		UpdatedAtMS:             1234,
	}
	if err := SaveControllerSnapshot(context.Background(), store, snap); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, ok, err := LoadControllerSnapshot(context.Background(), store)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !ok {
		t.Fatalf("expected snapshot present")
	}
	if loaded != snap {
		t.Fatalf("expected %+v, got %+v", snap, loaded)
	}
}

func TestControllerSnapshotMissing(t *testing.T) {
	_, ok, err := LoadControllerSnapshot(context.Background(), newMemStore())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if ok {
		t.Fatalf("expected no snapshot")
	}
}

func TestControllerSnapshotNilStore(t *testing.T) {
	if err := SaveControllerSnapshot(context.Background(), nil, ControllerSnapshot{}); err != nil {
		t.Fatalf("nil store save should be a no-op, got %v", err)
	}
	_, ok, err := LoadControllerSnapshot(context.Background(), nil)
	if err != nil || ok {
		t.Fatalf("nil store load should report absent, got ok=%t err=%v", ok, err)
	}
}
