package pushcreds

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"crm-voice/internal/credentials"
	"crm-voice/internal/voiceapi"
	"crm-voice/pkg/logger"

	"golang.org/x/time/rate"
)

// DefaultTTL is how long a push binding stays valid at the voice backend.
const DefaultTTL = 365 * 24 * time.Hour

var (
	ErrDeviceIDRequired    = errors.New("pushcreds: device id is required")
	ErrDeviceTokenRequired = errors.New("pushcreds: device token is required")
)

type SessionTokenClient interface {
	FetchSessionToken(ctx context.Context, deviceID string) (voiceapi.SessionToken, error)
}

// Backend is the voice backend's push binding API.
type Backend interface {
	Register(ctx context.Context, sessionToken, deviceToken string) error
	Unregister(ctx context.Context, sessionToken, deviceToken string) error
}

// Registration is the device's standing push binding as persisted.
type Registration struct {
	DeviceToken      string        `json:"device_token,omitempty"`
	BindingCreatedAt *time.Time    `json:"binding_created_at,omitempty"`
	TTL              time.Duration `json:"ttl"`
	RenewAt          *time.Time    `json:"renew_at,omitempty"`
	Required         bool          `json:"registration_required"`
}

// RegistrationRequired reports whether the binding must be (re)registered.
// Renewal happens at half of ttl, not at expiry.
func RegistrationRequired(createdAt time.Time, exists bool, now time.Time, ttl time.Duration) bool {
	if !exists {
		return true
	}
	return !now.Before(createdAt.Add(ttl / 2))
}

// Manager owns the push registration lifecycle.
//
// Rules:
// - Nothing is persisted until the backend accepted the registration.
// - Invalidation clears local state even when the backend call fails.
// - Operations are serialized; they are rare and touch the same keys.
type Manager struct {
	mu sync.Mutex

	store   credentials.Store
	tokens  SessionTokenClient
	backend Backend

	ttl         time.Duration
	maxAttempts int
	limiter     *rate.Limiter
	clock       func() time.Time
}

type Options struct {
	TTL time.Duration
	// MaxAttempts bounds register attempts per update. Values below 1 mean 1.
	MaxAttempts int
	// Backoff is the minimum spacing between register attempts; zero disables pacing.
	Backoff time.Duration
	Clock   func() time.Time
}

func NewManager(store credentials.Store, tokens SessionTokenClient, backend Backend, opts Options) (*Manager, error) {
	if store == nil || tokens == nil || backend == nil {
		return nil, errors.New("pushcreds: store, token client and backend are required")
	}
	m := &Manager{
		store:       store,
		tokens:      tokens,
		backend:     backend,
		ttl:         opts.TTL,
		maxAttempts: opts.MaxAttempts,
		clock:       opts.Clock,
	}
	if m.ttl <= 0 {
		m.ttl = DefaultTTL
	}
	if m.maxAttempts < 1 {
		m.maxAttempts = 1
	}
	if opts.Backoff > 0 {
		m.limiter = rate.NewLimiter(rate.Every(opts.Backoff), 1)
	} else {
		m.limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if m.clock == nil {
		m.clock = time.Now
	}
	return m, nil
}

// IsRegistrationRequired evaluates the stored binding against the clock. No network.
func (m *Manager) IsRegistrationRequired(ctx context.Context) (bool, error) {
	createdAt, ok, err := m.bindingCreatedAt(ctx)
	if err != nil {
		return false, err
	}
	return RegistrationRequired(createdAt, ok, m.clock(), m.ttl), nil
}

// Status returns the persisted registration and whether it is due for renewal.
func (m *Manager) Status(ctx context.Context) (Registration, error) {
	token, _, err := m.store.Get(ctx, credentials.KeyDeviceToken)
	if err != nil {
		return Registration{}, err
	}
	createdAt, ok, err := m.bindingCreatedAt(ctx)
	if err != nil {
		return Registration{}, err
	}
	reg := Registration{
		DeviceToken: token,
		TTL:         m.ttl,
		Required:    RegistrationRequired(createdAt, ok, m.clock(), m.ttl),
	}
	if ok {
		renew := createdAt.Add(m.ttl / 2)
		reg.BindingCreatedAt = &createdAt
		reg.RenewAt = &renew
	}
	return reg, nil
}

// OnCredentialsUpdated registers deviceToken when the binding is due for renewal
// or the token changed. It reports whether a registration was performed.
func (m *Manager) OnCredentialsUpdated(ctx context.Context, deviceToken, deviceID string) (bool, error) {
	deviceToken = strings.TrimSpace(deviceToken)
	if deviceToken == "" {
		return false, ErrDeviceTokenRequired
	}
	if deviceID == "" {
		return false, ErrDeviceIDRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	required, err := m.IsRegistrationRequired(ctx)
	if err != nil {
		return false, err
	}
	stored, _, err := m.store.Get(ctx, credentials.KeyDeviceToken)
	if err != nil {
		return false, err
	}
	if !required && stored == deviceToken {
		return false, nil
	}

	if err := m.register(ctx, deviceToken, deviceID); err != nil {
		logger.From(ctx).Warn("push registration failed", "device_id", deviceID, "err", err)
		return false, err
	}

	now := m.clock()
	if err := m.store.SetMany(ctx, map[string]string{
		credentials.KeyDeviceToken:      deviceToken,
		credentials.KeyBindingCreatedAt: strconv.FormatInt(now.UnixMilli(), 10),
	}); err != nil {
		return false, err
	}
	logger.From(ctx).Info("push registration renewed", "device_id", deviceID)
	return true, nil
}

// Renew re-registers the stored device token if the binding reached its half-life.
// It is the retry trigger after a failed update, e.g. when the app comes to the foreground.
func (m *Manager) Renew(ctx context.Context, deviceID string) (bool, error) {
	stored, ok, err := m.store.Get(ctx, credentials.KeyDeviceToken)
	if err != nil {
		return false, err
	}
	if !ok || stored == "" {
		return false, nil
	}
	return m.OnCredentialsUpdated(ctx, stored, deviceID)
}

func (m *Manager) register(ctx context.Context, deviceToken, deviceID string) error {
	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		if err := m.limiter.Wait(ctx); err != nil {
			if lastErr == nil {
				return err
			}
			return fmt.Errorf("%w (gave up after %d attempts: %v)", lastErr, attempt-1, err)
		}
		tok, err := m.tokens.FetchSessionToken(ctx, deviceID)
		if err == nil {
			err = m.backend.Register(ctx, tok.Token, deviceToken)
		}
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, voiceapi.ErrUnauthorized) || errors.Is(err, voiceapi.ErrMissingBasicAuth) {
			break
		}
	}
	return lastErr
}

// OnCredentialsInvalidated unregisters the last known token and clears the binding.
// Local state is cleared even if the backend could not be reached; the OS has
// already revoked the token.
func (m *Manager) OnCredentialsInvalidated(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return ErrDeviceIDRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok, err := m.store.Get(ctx, credentials.KeyDeviceToken)
	if err != nil {
		return err
	}

	var unregErr error
	if ok && stored != "" {
		tok, err := m.tokens.FetchSessionToken(ctx, deviceID)
		if err == nil {
			err = m.backend.Unregister(ctx, tok.Token, stored)
		}
		if err != nil {
			unregErr = err
			logger.From(ctx).Warn("push unregister failed", "device_id", deviceID, "err", err)
		}
	}

	if err := m.store.Clear(ctx, credentials.KeyDeviceToken, credentials.KeyBindingCreatedAt); err != nil {
		return err
	}
	return unregErr
}

func (m *Manager) bindingCreatedAt(ctx context.Context) (time.Time, bool, error) {
	raw, ok, err := m.store.Get(ctx, credentials.KeyBindingCreatedAt)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// Unreadable timestamps count as no binding.
		logger.From(ctx).Warn("binding timestamp unreadable", "value", raw)
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}
