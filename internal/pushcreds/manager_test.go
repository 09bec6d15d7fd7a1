package pushcreds

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"crm-voice/internal/credentials"
	"crm-voice/internal/voiceapi"
)

type fakeTokens struct {
	calls int
	err   error
}

func (f *fakeTokens) FetchSessionToken(ctx context.Context, deviceID string) (voiceapi.SessionToken, error) {
	f.calls++
	if f.err != nil {
		return voiceapi.SessionToken{}, f.err
	}
	return voiceapi.SessionToken{Token: "sess"}, nil
}

type fakeBackend struct {
	registered   []string
	unregistered []string
	registerErrs []error
	unregErr     error
}

func (f *fakeBackend) Register(ctx context.Context, sessionToken, deviceToken string) error {
	if len(f.registerErrs) > 0 {
		err := f.registerErrs[0]
		f.registerErrs = f.registerErrs[1:]
		if err != nil {
			return err
		}
	}
	f.registered = append(f.registered, deviceToken)
	return nil
}

func (f *fakeBackend) Unregister(ctx context.Context, sessionToken, deviceToken string) error {
	f.unregistered = append(f.unregistered, deviceToken)
	return f.unregErr
}

func TestRegistrationRequired_HalfLife(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	if !RegistrationRequired(time.Time{}, false, now, DefaultTTL) {
		t.Fatalf("absent binding must require registration")
	}
	if RegistrationRequired(now.Add(-180*day), true, now, DefaultTTL) {
		t.Fatalf("180 days old binding is still within half-life")
	}
	if !RegistrationRequired(now.Add(-183*day), true, now, DefaultTTL) {
		t.Fatalf("183 days old binding is past half-life")
	}
	if !RegistrationRequired(now.Add(-DefaultTTL/2), true, now, DefaultTTL) {
		t.Fatalf("exactly at half-life must require registration")
	}
}

func newManager(t *testing.T, store credentials.Store, tokens *fakeTokens, backend *fakeBackend, now *time.Time, attempts int) *Manager {
	t.Helper()
	m, err := NewManager(store, tokens, backend, Options{
		MaxAttempts: attempts,
		Clock:       func() time.Time { return *now },
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return m
}

func TestOnCredentialsUpdated_RegistersOnceWithinHalfLife(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store := credentials.NewMemoryStore()
	tokens := &fakeTokens{}
	backend := &fakeBackend{}
	m := newManager(t, store, tokens, backend, &now, 1)

	did, err := m.OnCredentialsUpdated(ctx, "a1b2", "dev-1")
	if err != nil || !did {
		t.Fatalf("expected registration, got did=%v err=%v", did, err)
	}
	if tokens.calls != 1 || len(backend.registered) != 1 {
		t.Fatalf("expected one fetch and one register, got %d/%d", tokens.calls, len(backend.registered))
	}
	raw, _, _ := store.Get(ctx, credentials.KeyBindingCreatedAt)
	if raw != strconv.FormatInt(now.UnixMilli(), 10) {
		t.Fatalf("unexpected binding timestamp %q", raw)
	}

	now = now.Add(30 * 24 * time.Hour)
	did, err = m.OnCredentialsUpdated(ctx, "a1b2", "dev-1")
	if err != nil || did {
		t.Fatalf("expected no-op, got did=%v err=%v", did, err)
	}
	if tokens.calls != 1 || len(backend.registered) != 1 {
		t.Fatalf("no network expected within half-life")
	}
}

func TestOnCredentialsUpdated_NewTokenForcesRegistration(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := credentials.NewMemoryStore()
	backend := &fakeBackend{}
	m := newManager(t, store, &fakeTokens{}, backend, &now, 1)

	_, _ = m.OnCredentialsUpdated(ctx, "old", "dev-1")
	did, err := m.OnCredentialsUpdated(ctx, "new", "dev-1")
	if err != nil || !did {
		t.Fatalf("expected re-registration, got did=%v err=%v", did, err)
	}
	if tok, _, _ := store.Get(ctx, credentials.KeyDeviceToken); tok != "new" {
		t.Fatalf("expected new token stored, got %q", tok)
	}
}

// bindingWriteFails accepts every write except one touching the binding timestamp.
type bindingWriteFails struct {
	*credentials.MemoryStore
}

var errStoreDown = errors.New("store down")

func (s bindingWriteFails) Set(ctx context.Context, key, value string) error {
	if key == credentials.KeyBindingCreatedAt {
		return errStoreDown
	}
	return s.MemoryStore.Set(ctx, key, value)
}

func (s bindingWriteFails) SetMany(ctx context.Context, values map[string]string) error {
	if _, ok := values[credentials.KeyBindingCreatedAt]; ok {
		return errStoreDown
	}
	return s.MemoryStore.SetMany(ctx, values)
}

func TestOnCredentialsUpdated_StoreFailureLeavesNoTokenBehind(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := bindingWriteFails{credentials.NewMemoryStore()}
	backend := &fakeBackend{}
	m := newManager(t, store, &fakeTokens{}, backend, &now, 1)

	if _, err := m.OnCredentialsUpdated(ctx, "tok", "dev-1"); !errors.Is(err, errStoreDown) {
		t.Fatalf("expected store error, got %v", err)
	}
	if _, ok, _ := store.Get(ctx, credentials.KeyDeviceToken); ok {
		t.Fatalf("device token must not be stored without its binding")
	}
}

func TestOnCredentialsUpdated_FailurePersistsNothing(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := credentials.NewMemoryStore()
	tokens := &fakeTokens{err: errors.New("offline")}
	m := newManager(t, store, tokens, &fakeBackend{}, &now, 1)

	if _, err := m.OnCredentialsUpdated(ctx, "a1b2", "dev-1"); err == nil {
		t.Fatalf("expected error")
	}
	if _, ok, _ := store.Get(ctx, credentials.KeyDeviceToken); ok {
		t.Fatalf("device token must not be persisted on failure")
	}
	if _, ok, _ := store.Get(ctx, credentials.KeyBindingCreatedAt); ok {
		t.Fatalf("binding timestamp must not be persisted on failure")
	}
}

func TestOnCredentialsUpdated_RetriesUpToMaxAttempts(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	backend := &fakeBackend{registerErrs: []error{errors.New("502"), errors.New("502")}}
	m := newManager(t, credentials.NewMemoryStore(), &fakeTokens{}, backend, &now, 3)

	did, err := m.OnCredentialsUpdated(ctx, "a1b2", "dev-1")
	if err != nil || !did {
		t.Fatalf("expected success on third attempt, got did=%v err=%v", did, err)
	}
}

func TestOnCredentialsUpdated_DoesNotRetryUnauthorized(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	tokens := &fakeTokens{err: voiceapi.ErrUnauthorized}
	m := newManager(t, credentials.NewMemoryStore(), tokens, &fakeBackend{}, &now, 3)

	if _, err := m.OnCredentialsUpdated(ctx, "a1b2", "dev-1"); !errors.Is(err, voiceapi.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if tokens.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", tokens.calls)
	}
}

func TestOnCredentialsUpdated_Validation(t *testing.T) {
	now := time.Now()
	m := newManager(t, credentials.NewMemoryStore(), &fakeTokens{}, &fakeBackend{}, &now, 1)
	if _, err := m.OnCredentialsUpdated(context.Background(), "", "dev"); !errors.Is(err, ErrDeviceTokenRequired) {
		t.Fatalf("expected ErrDeviceTokenRequired, got %v", err)
	}
	if _, err := m.OnCredentialsUpdated(context.Background(), "tok", ""); !errors.Is(err, ErrDeviceIDRequired) {
		t.Fatalf("expected ErrDeviceIDRequired, got %v", err)
	}
}

func TestOnCredentialsInvalidated_ClearsEvenWhenUnregisterFails(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := credentials.NewMemoryStore()
	backend := &fakeBackend{}
	m := newManager(t, store, &fakeTokens{}, backend, &now, 1)

	_, _ = m.OnCredentialsUpdated(ctx, "a1b2", "dev-1")
	backend.unregErr = errors.New("network down")

	if err := m.OnCredentialsInvalidated(ctx, "dev-1"); err == nil {
		t.Fatalf("expected unregister error to be returned")
	}
	if len(backend.unregistered) != 1 || backend.unregistered[0] != "a1b2" {
		t.Fatalf("expected unregister of stored token, got %v", backend.unregistered)
	}
	if _, ok, _ := store.Get(ctx, credentials.KeyDeviceToken); ok {
		t.Fatalf("device token must be cleared")
	}
	if required, _ := m.IsRegistrationRequired(ctx); !required {
		t.Fatalf("registration should be required after invalidation")
	}
}

func TestRenew_UsesStoredToken(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store := credentials.NewMemoryStore()
	backend := &fakeBackend{}
	m := newManager(t, store, &fakeTokens{}, backend, &now, 1)

	if did, _ := m.Renew(ctx, "dev-1"); did {
		t.Fatalf("nothing to renew without a stored token")
	}
	_, _ = m.OnCredentialsUpdated(ctx, "a1b2", "dev-1")

	now = now.Add(200 * 24 * time.Hour)
	did, err := m.Renew(ctx, "dev-1")
	if err != nil || !did {
		t.Fatalf("expected renewal past half-life, got did=%v err=%v", did, err)
	}
	st, _ := m.Status(ctx)
	if st.Required || st.RenewAt == nil || !st.RenewAt.Equal(time.UnixMilli(now.UnixMilli()).Add(DefaultTTL/2)) {
		t.Fatalf("unexpected status %+v", st)
	}
}
