package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ledgerline/session-core/internal/authapi"
	"github.com/ledgerline/session-core/internal/device"
	"github.com/ledgerline/session-core/internal/infrastructure/config"
	"github.com/ledgerline/session-core/internal/infrastructure/syncbus"
	"github.com/ledgerline/session-core/internal/vault"
)

// --- fakes -----------------------------------------------------------------

type fakeBackend struct {
	mu          sync.Mutex
	loginFn     func(ctx context.Context, email, password, deviceID string) (authapi.LoginOutcome, error)
	verifyFn    func(ctx context.Context, bearer, code, method string) (bool, error)
	refreshFn   func(ctx context.Context, refreshToken, deviceID string) (*authapi.TokenPair, error)
	logoutFn    func(ctx context.Context, bearer, deviceID string) error
	kycFn       func(ctx context.Context, bearer string, documents []authapi.Document) (*authapi.User, error)
	refreshHits int
	logoutHits  int
}

func (f *fakeBackend) Login(ctx context.Context, email, password, deviceID string) (authapi.LoginOutcome, error) {
	if f.loginFn == nil {
		return authapi.LoginSuccess{User: testUser(), AccessToken: "at-1", RefreshToken: "rt-1"}, nil
	}
	return f.loginFn(ctx, email, password, deviceID)
}

func (f *fakeBackend) VerifyMFA(ctx context.Context, bearer, code, method string) (bool, error) {
	if f.verifyFn == nil {
		return true, nil
	}
	return f.verifyFn(ctx, bearer, code, method)
}

func (f *fakeBackend) Refresh(ctx context.Context, refreshToken, deviceID string) (*authapi.TokenPair, error) {
	f.mu.Lock()
	f.refreshHits++
	f.mu.Unlock()
	if f.refreshFn == nil {
		return &authapi.TokenPair{AccessToken: "at-rotated", RefreshToken: "rt-rotated"}, nil
	}
	return f.refreshFn(ctx, refreshToken, deviceID)
}

func (f *fakeBackend) Logout(ctx context.Context, bearer, deviceID string) error {
	f.mu.Lock()
	f.logoutHits++
	f.mu.Unlock()
	if f.logoutFn == nil {
		return nil
	}
	return f.logoutFn(ctx, bearer, deviceID)
}

func (f *fakeBackend) UpdateKYC(ctx context.Context, bearer string, documents []authapi.Document) (*authapi.User, error) {
	if f.kycFn == nil {
		u := testUser()
		u.KYCLevel = "pending"
		return &u, nil
	}
	return f.kycFn(ctx, bearer, documents)
}

func (f *fakeBackend) refreshCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshHits
}

type fakeVault struct {
	mu      sync.Mutex
	records map[string][]byte
}

func newFakeVault() *fakeVault {
	return &fakeVault{records: make(map[string][]byte)}
}

func (v *fakeVault) Put(_ context.Context, key string, payload []byte, _ time.Duration) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.records[key] = append([]byte(nil), payload...)
	return nil
}

func (v *fakeVault) Get(_ context.Context, key string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	payload, ok := v.records[key]
	if !ok {
		return nil, vault.ErrNotFound
	}
	return payload, nil
}

func (v *fakeVault) Delete(_ context.Context, key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.records, key)
	return nil
}

func (v *fakeVault) has(key string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.records[key]
	return ok
}

// fakeBus delivers published messages synchronously to every
// subscriber, the publisher's own handlers included, like a broker
// would.
type fakeBus struct {
	mu       sync.Mutex
	handlers map[string][]syncbus.MessageHandler
	sent     map[string]int
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		handlers: make(map[string][]syncbus.MessageHandler),
		sent:     make(map[string]int),
	}
}

func (b *fakeBus) Subscribe(topic string, _ byte, handler syncbus.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
	return nil
}

func (b *fakeBus) PublishEvent(topic string, payload []byte) error {
	b.mu.Lock()
	b.sent[topic]++
	handlers := append([]syncbus.MessageHandler(nil), b.handlers[topic]...)
	b.mu.Unlock()

	for _, handler := range handlers {
		_ = handler(topic, payload) //nolint:errcheck // broker-style fire and forget
	}
	return nil
}

func (b *fakeBus) published(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent[topic]
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testUser() authapi.User {
	return authapi.User{ID: "usr-1", Email: "a@b.io", MFAEnabled: true, KYCLevel: "verified"}
}

const testDevice = device.Identity("fp-aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

type fixture struct {
	controller *Controller
	backend    *fakeBackend
	vault      *fakeVault
	clock      *fakeClock
}

func newFixture(t *testing.T, backend *fakeBackend) *fixture {
	t.Helper()
	if backend == nil {
		backend = &fakeBackend{}
	}
	store := newFakeVault()
	clock := newFakeClock()

	controller, err := New(Options{
		Backend: backend,
		Vault:   store,
		Timers: config.SessionTimerConfig{
			IdleTimeout:       30,
			IdleCheckInterval: 1,
			RefreshInterval:   14,
			SessionTTL:        15,
		},
		Fingerprint: func() (device.Identity, error) { return testDevice, nil },
		Now:         clock.Now,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(controller.Close)

	return &fixture{controller: controller, backend: backend, vault: store, clock: clock}
}

// waitForState polls until the controller reaches the wanted state or
// the deadline passes. Needed where a transition rides on a real timer.
func waitForState(t *testing.T, c *Controller, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.Snapshot().State == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s after waiting", c.Snapshot().State, want)
}

// --- login -----------------------------------------------------------------

func TestLogin_Success(t *testing.T) {
	f := newFixture(t, nil)

	state, err := f.controller.Login(context.Background(), "a@b.io", "pw")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	if state.State != StateAuthenticated {
		t.Errorf("state = %s, want authenticated", state.State)
	}
	if state.Session == nil {
		t.Fatal("session absent after login")
	}
	// The session must carry the identity computed at login time.
	if !state.Session.DeviceID.Equal(testDevice) {
		t.Errorf("session device = %s, want %s", state.Session.DeviceID, testDevice)
	}
	// mfa_enabled + kyc verified => high
	if state.SecurityLevel != SecurityHigh {
		t.Errorf("security level = %s, want high", state.SecurityLevel)
	}
	if state.KYCStatus != KYCVerified {
		t.Errorf("kyc status = %s, want verified", state.KYCStatus)
	}
	if !f.vault.has(vaultKeySession) {
		t.Error("session not persisted to vault")
	}
}

func TestLogin_SecurityLevelDerivation(t *testing.T) {
	tests := []struct {
		name string
		mfa  bool
		kyc  string
		want SecurityLevel
	}{
		{"mfa and verified", true, "verified", SecurityHigh},
		{"mfa only", true, "none", SecurityMedium},
		{"verified only", false, "verified", SecurityMedium},
		{"neither", false, "none", SecurityLow},
		{"kyc pending is not verified", true, "pending", SecurityMedium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &fakeBackend{
				loginFn: func(_ context.Context, _, _, _ string) (authapi.LoginOutcome, error) {
					return authapi.LoginSuccess{
						User:         authapi.User{ID: "usr-1", MFAEnabled: tt.mfa, KYCLevel: tt.kyc},
						AccessToken:  "at-1",
						RefreshToken: "rt-1",
					}, nil
				},
			}
			f := newFixture(t, backend)

			state, err := f.controller.Login(context.Background(), "a@b.io", "pw")
			if err != nil {
				t.Fatalf("Login() error = %v", err)
			}
			if state.SecurityLevel != tt.want {
				t.Errorf("security level = %s, want %s", state.SecurityLevel, tt.want)
			}
		})
	}
}

func TestLogin_EmptyCredentials(t *testing.T) {
	f := newFixture(t, nil)

	if _, err := f.controller.Login(context.Background(), "", "pw"); !errors.Is(err, ErrEmptyCredentials) {
		t.Errorf("Login() error = %v, want ErrEmptyCredentials", err)
	}
	if _, err := f.controller.Login(context.Background(), "a@b.io", ""); !errors.Is(err, ErrEmptyCredentials) {
		t.Errorf("Login() error = %v, want ErrEmptyCredentials", err)
	}
}

func TestLogin_RejectionSurfacesServerMessage(t *testing.T) {
	backend := &fakeBackend{
		loginFn: func(_ context.Context, _, _, _ string) (authapi.LoginOutcome, error) {
			return nil, &authapi.BackendError{StatusCode: 401, Message: "account locked"}
		},
	}
	f := newFixture(t, backend)

	state, err := f.controller.Login(context.Background(), "a@b.io", "pw")
	if err == nil {
		t.Fatal("Login() expected error")
	}
	if state.State != StateUnauthenticated {
		t.Errorf("state = %s, want unauthenticated", state.State)
	}
	if state.Err != "account locked" {
		t.Errorf("state error = %q, want server message verbatim", state.Err)
	}
	if state.Session != nil {
		t.Error("no session may exist after a rejected login")
	}
}

func TestLogin_FingerprintFailureFailsClosed(t *testing.T) {
	backend := &fakeBackend{
		loginFn: func(_ context.Context, _, _, _ string) (authapi.LoginOutcome, error) {
			t.Error("backend must not be called without a device identity")
			return nil, nil
		},
	}
	f := newFixture(t, backend)
	f.controller.fingerprint = func() (device.Identity, error) {
		return "", device.ErrInsufficientSignals
	}

	state, err := f.controller.Login(context.Background(), "a@b.io", "pw")
	if !errors.Is(err, ErrDeviceIdentity) {
		t.Errorf("Login() error = %v, want ErrDeviceIdentity", err)
	}
	if state.State != StateUnauthenticated {
		t.Errorf("state = %s, want unauthenticated", state.State)
	}
}

// --- MFA -------------------------------------------------------------------

func TestLogin_MFAFlow(t *testing.T) {
	backend := &fakeBackend{
		loginFn: func(_ context.Context, _, _, _ string) (authapi.LoginOutcome, error) {
			return authapi.MFARequired{Challenge: "chal-1"}, nil
		},
	}
	f := newFixture(t, backend)

	state, err := f.controller.Login(context.Background(), "a@b.io", "pw")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if state.State != StateMFAPending {
		t.Errorf("state = %s, want mfa_pending", state.State)
	}
	if !state.MFARequired {
		t.Error("MFARequired flag not set")
	}
	// No token may exist before the second factor clears.
	if state.Session != nil {
		t.Error("session must be absent at mfa_pending")
	}

	verified, err := f.controller.VerifyMFA(context.Background(), "123456", "totp")
	if err != nil {
		t.Fatalf("VerifyMFA() error = %v", err)
	}
	if !verified {
		t.Fatal("VerifyMFA() = false, want true")
	}

	state = f.controller.Snapshot()
	if state.State != StateAuthenticated {
		t.Errorf("state = %s, want authenticated", state.State)
	}
	if state.SecurityLevel != SecurityHigh {
		t.Errorf("security level = %s, want high after MFA", state.SecurityLevel)
	}
	if state.MFARequired {
		t.Error("MFARequired still set after verification")
	}
}

func TestVerifyMFA_RejectedLeavesStateUntouched(t *testing.T) {
	backend := &fakeBackend{
		loginFn: func(_ context.Context, _, _, _ string) (authapi.LoginOutcome, error) {
			return authapi.MFARequired{Challenge: "chal-1"}, nil
		},
		verifyFn: func(_ context.Context, _, _, _ string) (bool, error) {
			return false, nil
		},
	}
	f := newFixture(t, backend)

	if _, err := f.controller.Login(context.Background(), "a@b.io", "pw"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	verified, err := f.controller.VerifyMFA(context.Background(), "000000", "totp")
	if err != nil {
		t.Fatalf("VerifyMFA() error = %v", err)
	}
	if verified {
		t.Error("VerifyMFA() = true, want false")
	}
	if got := f.controller.Snapshot().State; got != StateMFAPending {
		t.Errorf("state = %s, want mfa_pending unchanged", got)
	}
}

func TestVerifyMFA_SendsProvisionalBearer(t *testing.T) {
	var gotBearer string
	backend := &fakeBackend{
		loginFn: func(_ context.Context, _, _, _ string) (authapi.LoginOutcome, error) {
			return authapi.MFARequired{Challenge: "chal-1", AccessToken: "at-provisional"}, nil
		},
		verifyFn: func(_ context.Context, bearer, _, _ string) (bool, error) {
			gotBearer = bearer
			return true, nil
		},
	}
	f := newFixture(t, backend)

	if _, err := f.controller.Login(context.Background(), "a@b.io", "pw"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if _, err := f.controller.VerifyMFA(context.Background(), "123456", "totp"); err != nil {
		t.Fatalf("VerifyMFA() error = %v", err)
	}

	if gotBearer != "at-provisional" {
		t.Errorf("verify bearer = %q, want the challenge's provisional token", gotBearer)
	}
}

func TestVerifyMFA_NothingPending(t *testing.T) {
	f := newFixture(t, nil)

	if _, err := f.controller.VerifyMFA(context.Background(), "123456", "totp"); !errors.Is(err, ErrNoPendingMFA) {
		t.Errorf("VerifyMFA() error = %v, want ErrNoPendingMFA", err)
	}
}

// --- logout ----------------------------------------------------------------

func TestLogout_ResetsToInitialShape(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.controller.Login(ctx, "a@b.io", "pw"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	f.controller.Logout(ctx)

	state := f.controller.Snapshot()
	want := initialState()
	if state.State != want.State || state.User != nil || state.Session != nil ||
		state.MFARequired || state.SecurityLevel != SecurityLow || state.KYCStatus != KYCNone {
		t.Errorf("state after logout = %+v, want initial shape", state)
	}
	if f.vault.has(vaultKeySession) {
		t.Error("persisted session survived logout")
	}
}

func TestLogout_Idempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.controller.Login(ctx, "a@b.io", "pw"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	f.controller.Logout(ctx)
	first := f.controller.Snapshot()
	f.controller.Logout(ctx)
	second := f.controller.Snapshot()

	if first.State != second.State || second.Session != nil || second.User != nil {
		t.Errorf("second logout changed terminal state: %+v vs %+v", first, second)
	}
}

func TestLogout_BackendFailureStillClearsLocally(t *testing.T) {
	backend := &fakeBackend{
		logoutFn: func(_ context.Context, _, _ string) error {
			return errors.New("backend down")
		},
	}
	f := newFixture(t, backend)
	ctx := context.Background()

	if _, err := f.controller.Login(ctx, "a@b.io", "pw"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	f.controller.Logout(ctx)

	if got := f.controller.Snapshot().State; got != StateUnauthenticated {
		t.Errorf("state = %s, want unauthenticated despite backend failure", got)
	}
	if f.vault.has(vaultKeySession) {
		t.Error("persisted session survived logout")
	}
}

// --- refresh ---------------------------------------------------------------

func TestRefresh_RotatesTokens(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.controller.Login(ctx, "a@b.io", "pw"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	f.clock.Advance(time.Minute)

	if err := f.controller.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	state := f.controller.Snapshot()
	if state.Session.AccessToken != "at-rotated" || state.Session.RefreshToken != "rt-rotated" {
		t.Errorf("tokens not rotated: %+v", state.Session)
	}
	if !state.Session.LastRefresh.After(state.Session.IssuedAt) {
		t.Error("LastRefresh not advanced")
	}
	if state.State != StateAuthenticated {
		t.Errorf("state = %s, want authenticated", state.State)
	}
}

func TestRefresh_WithoutTokenIsSilentNoop(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.controller.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if f.backend.refreshCalls() != 0 {
		t.Error("Refresh() without a token must not hit the network")
	}
	if got := f.controller.Snapshot().State; got != StateUnauthenticated {
		t.Errorf("state = %s, want unchanged unauthenticated", got)
	}
}

func TestRefresh_FailureTriggersLogout(t *testing.T) {
	backend := &fakeBackend{
		refreshFn: func(_ context.Context, _, _ string) (*authapi.TokenPair, error) {
			return nil, &authapi.BackendError{StatusCode: 403, Message: "revoked"}
		},
	}
	f := newFixture(t, backend)
	ctx := context.Background()

	if _, err := f.controller.Login(ctx, "a@b.io", "pw"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	if err := f.controller.Refresh(ctx); err == nil {
		t.Fatal("Refresh() expected error")
	}

	state := f.controller.Snapshot()
	if state.State != StateUnauthenticated || state.Session != nil {
		t.Errorf("refresh failure must end the session, state = %+v", state)
	}
	if f.vault.has(vaultKeySession) {
		t.Error("persisted session survived failed refresh")
	}
}

func TestRefresh_ResolvingAfterLogoutIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	backend := &fakeBackend{
		refreshFn: func(_ context.Context, _, _ string) (*authapi.TokenPair, error) {
			close(entered)
			<-release
			return &authapi.TokenPair{AccessToken: "at-late", RefreshToken: "rt-late"}, nil
		},
	}
	f := newFixture(t, backend)
	ctx := context.Background()

	if _, err := f.controller.Login(ctx, "a@b.io", "pw"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- f.controller.Refresh(ctx) }()

	<-entered
	f.controller.Logout(ctx)
	close(release)

	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Errorf("Refresh() error = %v, want ErrSuperseded", err)
	}

	// Logout must win: the late token pair may not resurrect the session.
	state := f.controller.Snapshot()
	if state.Session != nil || state.State != StateUnauthenticated {
		t.Errorf("late refresh repopulated state: %+v", state)
	}
}

func TestRefresh_ResolvingAfterFailedLoginIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	backend := &fakeBackend{
		refreshFn: func(_ context.Context, _, _ string) (*authapi.TokenPair, error) {
			close(entered)
			<-release
			return &authapi.TokenPair{AccessToken: "at-late", RefreshToken: "rt-late"}, nil
		},
	}
	f := newFixture(t, backend)
	ctx := context.Background()

	if _, err := f.controller.Login(ctx, "a@b.io", "pw"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- f.controller.Refresh(ctx) }()
	<-entered

	// A rejected re-login clears the session while the refresh is still
	// in flight.
	f.backend.loginFn = func(_ context.Context, _, _, _ string) (authapi.LoginOutcome, error) {
		return nil, &authapi.BackendError{StatusCode: 401, Message: "bad password"}
	}
	if _, err := f.controller.Login(ctx, "a@b.io", "wrong"); err == nil {
		t.Fatal("Login() expected rejection")
	}
	close(release)

	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Errorf("Refresh() error = %v, want ErrSuperseded", err)
	}

	// The failed login must win: the late token pair may not resurrect
	// the cleared session, and the old record may not linger restorable
	// in the vault.
	state := f.controller.Snapshot()
	if state.Session != nil || state.State != StateUnauthenticated {
		t.Errorf("late refresh repopulated state: %+v", state)
	}
	if state.Err != "bad password" {
		t.Errorf("state error = %q, want the login rejection preserved", state.Err)
	}
	if f.vault.has(vaultKeySession) {
		t.Error("persisted session survived failed re-login")
	}
}

func TestLogin_MFADemandClearsExistingSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.controller.Login(ctx, "a@b.io", "pw"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	f.backend.loginFn = func(_ context.Context, _, _, _ string) (authapi.LoginOutcome, error) {
		return authapi.MFARequired{Challenge: "chal-2"}, nil
	}
	state, err := f.controller.Login(ctx, "a@b.io", "pw")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	if state.State != StateMFAPending || state.Session != nil {
		t.Errorf("state = %+v, want mfa_pending with no session held over", state)
	}
	if f.vault.has(vaultKeySession) {
		t.Error("superseded session survived in the vault")
	}
}

func TestRefresh_DeviceMismatchEndsSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.controller.Login(ctx, "a@b.io", "pw"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	// The environment changed under the session.
	f.controller.fingerprint = func() (device.Identity, error) {
		return "fp-bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", nil
	}

	if err := f.controller.Refresh(ctx); err == nil {
		t.Fatal("Refresh() expected device mismatch error")
	}
	if got := f.controller.Snapshot().State; got != StateUnauthenticated {
		t.Errorf("state = %s, want unauthenticated after mismatch", got)
	}
	if f.backend.refreshCalls() != 0 {
		t.Error("mismatched device must not reach the backend")
	}
}

// --- restore ---------------------------------------------------------------

func TestRestore_NothingPersisted(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.controller.Restore(context.Background()); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	state := f.controller.Snapshot()
	if state.State != StateUnauthenticated || state.Loading {
		t.Errorf("state = %+v, want settled unauthenticated", state)
	}
}

func TestRestore_Success(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Establish and persist, then build a second controller over the
	// same vault to simulate a process restart.
	if _, err := f.controller.Login(ctx, "a@b.io", "pw"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	f.controller.Close()

	restarted, err := New(Options{
		Backend:     f.backend,
		Vault:       f.vault,
		Fingerprint: func() (device.Identity, error) { return testDevice, nil },
		Now:         f.clock.Now,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(restarted.Close)

	if err := restarted.Restore(ctx); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	state := restarted.Snapshot()
	if state.State != StateAuthenticated {
		t.Fatalf("state = %s, want authenticated", state.State)
	}
	if state.User == nil || state.User.ID != "usr-1" {
		t.Errorf("user not restored: %+v", state.User)
	}
	// Restore validates through a refresh, so tokens must be rotated.
	if state.Session.AccessToken != "at-rotated" {
		t.Errorf("access token = %q, want rotated by validation refresh", state.Session.AccessToken)
	}
}

func TestRestore_DeviceMismatchNeverAuthenticates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.controller.Login(ctx, "a@b.io", "pw"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	f.controller.Close()

	restarted, err := New(Options{
		Backend: f.backend,
		Vault:   f.vault,
		Fingerprint: func() (device.Identity, error) {
			return "fp-cccccccccccccccccccccccccccccccc", nil
		},
		Now: f.clock.Now,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(restarted.Close)

	if err := restarted.Restore(ctx); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	if got := restarted.Snapshot().State; got != StateUnauthenticated {
		t.Errorf("state = %s, a foreign-device session must never authenticate", got)
	}
	if f.vault.has(vaultKeySession) {
		t.Error("mismatched record must be discarded")
	}
}

func TestRestore_RejectedRefreshSettlesUnauthenticated(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.controller.Login(ctx, "a@b.io", "pw"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	f.controller.Close()

	backend := &fakeBackend{
		refreshFn: func(_ context.Context, _, _ string) (*authapi.TokenPair, error) {
			return nil, &authapi.BackendError{StatusCode: 401, Message: "expired"}
		},
	}
	restarted, err := New(Options{
		Backend:     backend,
		Vault:       f.vault,
		Fingerprint: func() (device.Identity, error) { return testDevice, nil },
		Now:         f.clock.Now,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(restarted.Close)

	if err := restarted.Restore(ctx); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if got := restarted.Snapshot().State; got != StateUnauthenticated {
		t.Errorf("state = %s, want unauthenticated after rejected validation", got)
	}
}

// --- clocks ----------------------------------------------------------------

func TestIdleTimeout_ForcesLogout(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.controller.Login(ctx, "a@b.io", "pw"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	// 31 idle minutes against a 30 minute threshold; the 1s check
	// interval picks it up.
	f.clock.Advance(31 * time.Minute)

	waitForState(t, f.controller, StateUnauthenticated)

	if f.vault.has(vaultKeySession) {
		t.Error("persisted session survived idle logout")
	}
}

func TestTouchActivity_KeepsSessionAlive(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.controller.Login(ctx, "a@b.io", "pw"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	f.clock.Advance(29 * time.Minute)
	f.controller.TouchActivity(ctx)
	f.clock.Advance(29 * time.Minute)

	// 58 minutes since login, but only 29 since last activity.
	time.Sleep(1500 * time.Millisecond)
	if got := f.controller.Snapshot().State; got != StateAuthenticated {
		t.Errorf("state = %s, activity should have kept the session alive", got)
	}
}

// --- kyc -------------------------------------------------------------------

func TestUpdateKYC(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.controller.Login(ctx, "a@b.io", "pw"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	docs := []authapi.Document{{Name: "id_front", Filename: "passport.jpg", Content: []byte("x")}}
	if err := f.controller.UpdateKYC(ctx, docs); err != nil {
		t.Fatalf("UpdateKYC() error = %v", err)
	}

	state := f.controller.Snapshot()
	if state.KYCStatus != KYCPending {
		t.Errorf("kyc status = %s, want pending after submission", state.KYCStatus)
	}
	if state.User.KYCLevel != "pending" {
		t.Errorf("user not updated from response: %+v", state.User)
	}
	// mfa enabled but kyc no longer verified => medium
	if state.SecurityLevel != SecurityMedium {
		t.Errorf("security level = %s, want medium recomputed", state.SecurityLevel)
	}
}

func TestUpdateKYC_RequiresSession(t *testing.T) {
	f := newFixture(t, nil)

	err := f.controller.UpdateKYC(context.Background(), nil)
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("UpdateKYC() error = %v, want ErrNotAuthenticated", err)
	}
}
