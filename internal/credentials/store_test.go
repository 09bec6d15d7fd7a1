package credentials

import (
	"context"
	"database/sql"
	"testing"
)

func TestMemoryStore_GetSetClear(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, ok, err := s.Get(ctx, KeyDeviceToken); err != nil || ok {
		t.Fatalf("expected absent key, got ok=%v err=%v", ok, err)
	}
	if err := s.Set(ctx, KeyDeviceToken, "abc"); err != nil {
		t.Fatalf("set: %v", err)
	}
	_ = s.Set(ctx, KeyBindingCreatedAt, "1700000000000")

	v, ok, err := s.Get(ctx, KeyDeviceToken)
	if err != nil || !ok || v != "abc" {
		t.Fatalf("unexpected get: %q %v %v", v, ok, err)
	}

	if err := s.Clear(ctx, KeyDeviceToken, KeyBindingCreatedAt); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := s.Get(ctx, KeyBindingCreatedAt); ok {
		t.Fatalf("expected cleared key")
	}
}

func TestMemoryStore_RejectsEmptyKey(t *testing.T) {
	if err := NewMemoryStore().Set(context.Background(), "", "x"); err != ErrInvalidKey {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestMemoryStore_SetManyIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	err := s.SetMany(ctx, map[string]string{KeyDeviceToken: "abc", "": "x"})
	if err != ErrInvalidKey {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if _, ok, _ := s.Get(ctx, KeyDeviceToken); ok {
		t.Fatalf("no key may be written when one is invalid")
	}

	if err := s.SetMany(ctx, map[string]string{KeyDeviceToken: "abc", KeyBindingCreatedAt: "1"}); err != nil {
		t.Fatalf("set many: %v", err)
	}
	if v, _, _ := s.Get(ctx, KeyBindingCreatedAt); v != "1" {
		t.Fatalf("expected binding written, got %q", v)
	}
}

func TestNewStores_RequireDependencies(t *testing.T) {
	if _, err := NewRedisStore(nil, "device"); err == nil {
		t.Fatalf("expected error for nil redis client")
	}
	if _, err := NewPostgresStore((*sql.DB)(nil), "device"); err == nil {
		t.Fatalf("expected error for nil db")
	}
	if got := hashKey("d1"); got != "voice:credentials:d1" {
		t.Fatalf("unexpected hash key %q", got)
	}
}

func TestStoresImplementStore(t *testing.T) {
	var _ Store = (*MemoryStore)(nil)
	var _ Store = (*RedisStore)(nil)
	var _ Store = (*PostgresStore)(nil)
}
