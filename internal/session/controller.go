package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/session-core/internal/authapi"
	"github.com/ledgerline/session-core/internal/device"
	"github.com/ledgerline/session-core/internal/infrastructure/config"
	"github.com/ledgerline/session-core/internal/infrastructure/logging"
	"github.com/ledgerline/session-core/internal/infrastructure/telemetry"
)

// vaultKeySession is the vault record key for the persisted session.
const vaultKeySession = "session"

// logoutTimeout bounds the best-effort backend logout call so local
// teardown is never held hostage by a dead network.
const logoutTimeout = 5 * time.Second

// Backend is the surface of the auth backend the controller needs.
// Satisfied by *authapi.Client.
type Backend interface {
	Login(ctx context.Context, email, password, deviceID string) (authapi.LoginOutcome, error)
	VerifyMFA(ctx context.Context, bearer, code, method string) (bool, error)
	Refresh(ctx context.Context, refreshToken, deviceID string) (*authapi.TokenPair, error)
	Logout(ctx context.Context, bearer, deviceID string) error
	UpdateKYC(ctx context.Context, bearer string, documents []authapi.Document) (*authapi.User, error)
}

// Vault is the persisted-session store. Satisfied by *vault.Store.
type Vault interface {
	Put(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// AuditLogger records auth lifecycle events for the audit trail.
// Satisfied by *audit.Recorder. Implementations must not block.
type AuditLogger interface {
	RecordAuthEvent(ctx context.Context, action, outcome, userID, deviceID string, details map[string]any)
}

// Controller is the session state machine. All fields behind mu; the
// zero value is not usable, construct with New.
type Controller struct {
	mu    sync.Mutex
	state AuthState

	// epoch identifies the current session generation. Bumped on every
	// establish and every clear; async completions compare the epoch
	// they started under before applying results.
	epoch uint64

	// Pending MFA context, valid only in StateMFAPending.
	mfaChallenge string
	preMFAToken  string

	backend     Backend
	vault       Vault
	audit       AuditLogger
	telemetry   *telemetry.Client
	logger      *logging.Logger
	fingerprint func() (device.Identity, error)
	now         func() time.Time
	timers      config.SessionTimerConfig

	// instanceID distinguishes this process on the sync bus so its own
	// broadcasts are not replayed against it.
	instanceID string
	bus        *busLink

	clockCancel context.CancelFunc
	clockWG     sync.WaitGroup

	onChange func(AuthState)
}

// Options configures a Controller. Backend and Vault are required;
// everything else has a working default.
type Options struct {
	Backend   Backend
	Vault     Vault
	Timers    config.SessionTimerConfig
	Logger    *logging.Logger
	Telemetry *telemetry.Client
	Audit     AuditLogger

	// Fingerprint overrides device identity computation, for tests.
	Fingerprint func() (device.Identity, error)

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// New constructs a Controller in the Unauthenticated state. Call
// Restore to pick up a persisted session, Close to tear down.
func New(opts Options) (*Controller, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("session: backend is required")
	}
	if opts.Vault == nil {
		return nil, fmt.Errorf("session: vault is required")
	}
	if opts.Fingerprint == nil {
		opts.Fingerprint = device.Fingerprint
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	applyTimerDefaults(&opts.Timers)

	return &Controller{
		state:       initialState(),
		backend:     opts.Backend,
		vault:       opts.Vault,
		audit:       opts.Audit,
		telemetry:   opts.Telemetry,
		logger:      opts.Logger,
		fingerprint: opts.Fingerprint,
		now:         opts.Now,
		timers:      opts.Timers,
		instanceID:  uuid.NewString(),
	}, nil
}

func applyTimerDefaults(t *config.SessionTimerConfig) {
	if t.IdleTimeout <= 0 {
		t.IdleTimeout = 30
	}
	if t.IdleCheckInterval <= 0 {
		t.IdleCheckInterval = 60
	}
	if t.RefreshInterval <= 0 {
		t.RefreshInterval = 14
	}
	if t.SessionTTL <= 0 {
		t.SessionTTL = 15
	}
}

// SetOnStateChange registers a callback invoked after every state
// transition with a copy of the new state. Called without the
// controller lock held; must be set before the controller is used.
func (c *Controller) SetOnStateChange(fn func(AuthState)) {
	c.onChange = fn
}

// Snapshot returns a copy of the current AuthState.
func (c *Controller) Snapshot() AuthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// snapshotLocked copies the state, including the nested session, so
// callers can never mutate controller-owned memory.
func (c *Controller) snapshotLocked() AuthState {
	snap := c.state
	if c.state.Session != nil {
		s := *c.state.Session
		snap.Session = &s
	}
	if c.state.User != nil {
		u := *c.state.User
		snap.User = &u
	}
	return snap
}

// notify pushes a snapshot to the state-change callback. Call without
// the lock held.
func (c *Controller) notify() {
	if c.onChange != nil {
		c.onChange(c.Snapshot())
	}
}

// Login authenticates with the backend, binding the attempt to this
// device's identity.
//
// Outcomes:
//   - session established: state Authenticated, returned snapshot
//     carries user and session
//   - second factor demanded: state MFAPending, no token held
//   - rejection: state back to Unauthenticated with the backend's
//     message verbatim in state.Err, error returned
func (c *Controller) Login(ctx context.Context, email, password string) (AuthState, error) {
	if email == "" || password == "" {
		return c.Snapshot(), ErrEmptyCredentials
	}

	c.mu.Lock()
	if c.state.State == StateAuthenticating {
		defer c.mu.Unlock()
		return c.snapshotLocked(), ErrBusy
	}
	c.state.State = StateAuthenticating
	c.state.Loading = true
	c.state.Err = ""
	started := c.epoch
	c.mu.Unlock()
	c.notify()

	fp, err := c.fingerprint()
	if err != nil {
		// No trustworthy device identity means no login. Fail closed.
		c.settleLoginFailure(ctx, started, "device identity unavailable")
		return c.Snapshot(), fmt.Errorf("%w: %w", ErrDeviceIdentity, err)
	}

	outcome, err := c.backend.Login(ctx, email, password, string(fp))

	c.mu.Lock()
	if c.epoch != started {
		c.mu.Unlock()
		return c.Snapshot(), ErrSuperseded
	}

	if err != nil {
		hadSession := c.resetLocked()
		if be, ok := authapi.IsBackendError(err); ok {
			c.state.Err = be.Message
		} else {
			c.state.Err = "authentication service unavailable"
		}
		c.mu.Unlock()
		c.notify()
		if hadSession {
			c.discardPersisted(ctx)
		}
		c.record(ctx, "login", "failure", "", string(fp), nil)
		return c.Snapshot(), err
	}

	switch result := outcome.(type) {
	case authapi.MFARequired:
		// Hold at MFAPending: any previous session is dead and no new
		// token governs until the second factor clears.
		hadSession := c.resetLocked()
		c.state.State = StateMFAPending
		c.state.MFARequired = true
		c.mfaChallenge = result.Challenge
		c.preMFAToken = result.AccessToken
		c.mu.Unlock()
		c.notify()
		if hadSession {
			c.discardPersisted(ctx)
		}
		c.record(ctx, "login", "mfa_required", "", string(fp), nil)
		return c.Snapshot(), nil

	case authapi.LoginSuccess:
		c.establishLocked(ctx, result.User, result.AccessToken, result.RefreshToken, fp)
		c.mu.Unlock()
		c.notify()
		c.record(ctx, "login", "success", result.User.ID, string(fp), nil)
		c.telemetry.WriteAuthEvent("login", "success", string(fp))
		return c.Snapshot(), nil

	default:
		hadSession := c.resetLocked()
		c.state.Err = "unexpected login response"
		c.mu.Unlock()
		c.notify()
		if hadSession {
			c.discardPersisted(ctx)
		}
		return c.Snapshot(), fmt.Errorf("session: unexpected login outcome %T", outcome)
	}
}

// settleLoginFailure returns the machine to Unauthenticated with an
// error message, unless the epoch moved on.
func (c *Controller) settleLoginFailure(ctx context.Context, started uint64, message string) {
	c.mu.Lock()
	if c.epoch != started {
		c.mu.Unlock()
		return
	}
	hadSession := c.resetLocked()
	c.state.Err = message
	c.mu.Unlock()
	c.notify()
	if hadSession {
		c.discardPersisted(ctx)
	}
}

// VerifyMFA submits a second-factor code for the pending challenge.
//
// A rejected code returns (false, nil) with no state change; attempt
// counting and lockout presentation belong to the caller. An accepted
// code completes the login at SecurityHigh.
func (c *Controller) VerifyMFA(ctx context.Context, code, method string) (bool, error) {
	c.mu.Lock()
	if c.state.State != StateMFAPending {
		c.mu.Unlock()
		return false, ErrNoPendingMFA
	}
	bearer := c.preMFAToken
	started := c.epoch
	c.mu.Unlock()

	verified, err := c.backend.VerifyMFA(ctx, bearer, code, method)
	if err != nil {
		c.record(ctx, "mfa_verify", "error", "", "", nil)
		return false, err
	}
	if !verified {
		c.record(ctx, "mfa_verify", "rejected", "", "", nil)
		return false, nil
	}

	c.mu.Lock()
	if c.epoch != started || c.state.State != StateMFAPending {
		c.mu.Unlock()
		return false, ErrSuperseded
	}
	c.epoch++
	c.state.State = StateAuthenticated
	c.state.MFARequired = false
	c.state.SecurityLevel = SecurityHigh
	c.state.LastActivity = c.now()
	c.mfaChallenge = ""
	c.preMFAToken = ""
	c.startClocksLocked()
	c.mu.Unlock()
	c.notify()

	c.record(ctx, "mfa_verify", "success", "", "", nil)
	c.telemetry.WriteAuthEvent("mfa_verify", "success", "")
	return true, nil
}

// Refresh rotates the token pair, re-binding the session to a freshly
// computed device identity.
//
// With no refresh token held this is a silent no-op: no network call,
// no state change. Any failure of an actual refresh attempt is fatal
// to the session and triggers Logout; the controller never retries a
// refresh on its own.
func (c *Controller) Refresh(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Session == nil || c.state.Session.RefreshToken == "" {
		c.mu.Unlock()
		return nil
	}
	refreshToken := c.state.Session.RefreshToken
	boundDevice := c.state.Session.DeviceID
	userID := ""
	if c.state.User != nil {
		userID = c.state.User.ID
	}
	c.state.State = StateRefreshPending
	started := c.epoch
	c.mu.Unlock()
	c.notify()

	fp, err := c.fingerprint()
	if err != nil {
		c.logger.Error("device identity unavailable during refresh, failing closed", "error", err)
		c.Logout(ctx)
		return fmt.Errorf("%w: %w", ErrDeviceIdentity, err)
	}
	if !fp.Equal(boundDevice) {
		// The session was minted on different hardware signals than we
		// see now. Treat as theft/replay and kill it.
		c.record(ctx, "refresh", "device_mismatch", userID, string(fp), nil)
		c.telemetry.WriteAuthEvent("refresh", "device_mismatch", string(fp))
		c.Logout(ctx)
		return fmt.Errorf("session: device identity changed, session invalidated")
	}

	begin := c.now()
	pair, err := c.backend.Refresh(ctx, refreshToken, string(fp))

	c.mu.Lock()
	if c.epoch != started {
		// Logout or a newer login won while the call was in flight.
		// The rotated tokens belong to a dead generation.
		c.mu.Unlock()
		return ErrSuperseded
	}

	if err != nil {
		c.mu.Unlock()
		c.record(ctx, "refresh", "failure", userID, string(fp), map[string]any{"error": err.Error()})
		c.telemetry.WriteAuthEvent("refresh", "failure", string(fp))
		c.Logout(ctx)
		return fmt.Errorf("session: refresh failed, session terminated: %w", err)
	}

	now := c.now()
	sess := c.state.Session
	if sess == nil {
		// A same-epoch state without a session means the machine was
		// reset since this call started; the rotated pair belongs to
		// nothing. Discard it rather than resurrect anything.
		c.mu.Unlock()
		return ErrSuperseded
	}
	sess.AccessToken = pair.AccessToken
	sess.RefreshToken = pair.RefreshToken
	sess.LastRefresh = now
	if exp, expErr := authapi.TokenExpiry(pair.AccessToken); expErr == nil {
		sess.ExpiresAt = exp
	}
	c.state.State = StateAuthenticated
	c.state.LastActivity = now
	c.persistLocked(ctx)
	c.mu.Unlock()
	c.notify()

	c.telemetry.WriteRefreshLatency(string(fp), c.now().Sub(begin))
	c.record(ctx, "refresh", "success", userID, string(fp), nil)
	return nil
}

// Logout tears the session down. The backend call is best-effort; the
// local teardown is unconditional and idempotent, and always wins over
// any in-flight refresh or login.
func (c *Controller) Logout(ctx context.Context) {
	c.logout(ctx, true)
}

// logout implements teardown. broadcast is false when the teardown was
// itself triggered by a SESSION_TERMINATED message, so the bus never
// echoes terminations back and forth.
func (c *Controller) logout(ctx context.Context, broadcast bool) {
	c.mu.Lock()
	bearer := ""
	deviceID := ""
	userID := ""
	if c.state.Session != nil {
		bearer = c.state.Session.AccessToken
		deviceID = string(c.state.Session.DeviceID)
	}
	if c.state.User != nil {
		userID = c.state.User.ID
	}

	// Kill the generation first: anything in flight now resolves
	// against a dead epoch.
	hadSession := c.resetLocked()
	c.mu.Unlock()
	c.notify()

	if hadSession {
		// Best-effort revocation. A dead network must not keep the
		// user logged in locally.
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logoutTimeout)
		if err := c.backend.Logout(callCtx, bearer, deviceID); err != nil {
			c.logger.Warn("backend logout failed, local state cleared anyway", "error", err)
		}
		cancel()
	}

	if err := c.vault.Delete(context.WithoutCancel(ctx), vaultKeySession); err != nil {
		c.logger.Warn("clearing persisted session failed", "error", err)
	}

	// Only a teardown that actually ended a session is announced; an
	// idle daemon logging out must not kill the user's live sessions
	// on other clients.
	if broadcast && hadSession {
		c.broadcastTerminated()
	}

	if hadSession {
		c.record(ctx, "logout", "success", userID, deviceID, nil)
		c.telemetry.WriteAuthEvent("logout", "success", deviceID)
		c.telemetry.WriteSessionGauge(string(StateUnauthenticated), 0)
	}
}

// UpdateKYC uploads verification documents. A successful submission
// moves the account's KYC standing to pending and refreshes the user
// from the backend's response.
func (c *Controller) UpdateKYC(ctx context.Context, documents []authapi.Document) error {
	c.mu.Lock()
	if c.state.State != StateAuthenticated || c.state.Session == nil {
		c.mu.Unlock()
		return ErrNotAuthenticated
	}
	bearer := c.state.Session.AccessToken
	started := c.epoch
	c.mu.Unlock()

	user, err := c.backend.UpdateKYC(ctx, bearer, documents)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.epoch != started {
		c.mu.Unlock()
		return ErrSuperseded
	}
	c.state.User = user
	c.state.KYCStatus = KYCPending
	c.state.SecurityLevel = deriveSecurityLevel(user)
	c.mu.Unlock()
	c.notify()

	c.record(ctx, "kyc_update", "submitted", user.ID, "", nil)
	return nil
}

// Restore attempts to resume a persisted session. Call once at
// startup, before serving requests.
//
// An absent, expired, or tampered vault record settles the machine at
// Unauthenticated. A present record whose device identity does not
// match this machine is discarded unconditionally. A matching record
// is only trusted after the backend accepts a refresh against it.
func (c *Controller) Restore(ctx context.Context) error {
	payload, err := c.vault.Get(ctx, vaultKeySession)
	if err != nil {
		// ErrNotFound and a broken vault settle the same way: clean
		// unauthenticated start.
		c.settleUnauthenticated()
		return nil //nolint:nilerr // absence of a restorable session is not a startup failure
	}

	var record persistedSession
	if err := json.Unmarshal(payload, &record); err != nil {
		c.settleUnauthenticated()
		c.discardPersisted(ctx)
		return nil
	}

	fp, err := c.fingerprint()
	if err != nil {
		// Without a device identity the binding check cannot run.
		// Fail closed: drop the session.
		c.settleUnauthenticated()
		c.discardPersisted(ctx)
		return fmt.Errorf("%w: %w", ErrDeviceIdentity, err)
	}

	if !fp.Equal(record.Session.DeviceID) {
		c.logger.Warn("persisted session bound to a different device, discarding",
			"bound", record.Session.DeviceID.String(), "computed", fp.String())
		c.record(ctx, "restore", "device_mismatch", record.User.ID, string(fp), nil)
		c.telemetry.WriteAuthEvent("restore", "device_mismatch", string(fp))
		c.settleUnauthenticated()
		c.discardPersisted(ctx)
		return nil
	}

	c.mu.Lock()
	sess := record.Session
	user := record.User
	c.epoch++
	c.state = initialState()
	c.state.Session = &sess
	c.state.User = &user
	c.state.KYCStatus = kycStatusFromLevel(user.KYCLevel)
	c.state.SecurityLevel = deriveSecurityLevel(&user)
	c.state.LastActivity = c.now()
	c.state.State = StateAuthenticated
	c.startClocksLocked()
	c.mu.Unlock()

	// The restored tokens are only presumed valid. The backend gets
	// the final word; a rejected refresh tears everything back down.
	if err := c.Refresh(ctx); err != nil {
		return nil //nolint:nilerr // a rejected restore settles unauthenticated, it does not fail startup
	}

	c.record(ctx, "restore", "success", user.ID, string(fp), nil)
	return nil
}

// Close tears down timers and bus subscriptions without ending the
// session on other clients. Use Logout to end the session.
func (c *Controller) Close() {
	c.mu.Lock()
	c.stopClocksLocked()
	c.mu.Unlock()
	c.clockWG.Wait()
}

// settleUnauthenticated resets to the initial shape without touching
// the backend.
func (c *Controller) settleUnauthenticated() {
	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()
	c.notify()
}

// resetLocked returns the machine to its initial shape under a new
// epoch and stops any running timers, so in-flight completions resolve
// against a dead generation. Caller holds the lock. Reports whether a
// session was held, so callers can drop the persisted record too.
func (c *Controller) resetLocked() bool {
	hadSession := c.state.Session != nil
	c.epoch++
	c.state = initialState()
	c.mfaChallenge = ""
	c.preMFAToken = ""
	c.stopClocksLocked()
	return hadSession
}

// discardPersisted removes a vault record that failed a trust check.
func (c *Controller) discardPersisted(ctx context.Context) {
	if err := c.vault.Delete(ctx, vaultKeySession); err != nil {
		c.logger.Warn("discarding persisted session failed", "error", err)
	}
}

// establishLocked installs a fresh session. Caller holds the lock.
func (c *Controller) establishLocked(ctx context.Context, user authapi.User, accessToken, refreshToken string, fp device.Identity) {
	now := c.now()
	sess := &Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		DeviceID:     fp,
		IssuedAt:     now,
		LastRefresh:  now,
		ExpiresAt:    now.Add(time.Duration(c.timers.SessionTTL) * time.Minute),
	}
	if exp, err := authapi.TokenExpiry(accessToken); err == nil {
		sess.ExpiresAt = exp
	}

	u := user
	c.epoch++
	c.state = initialState()
	c.state.State = StateAuthenticated
	c.state.User = &u
	c.state.Session = sess
	c.state.KYCStatus = kycStatusFromLevel(user.KYCLevel)
	c.state.SecurityLevel = deriveSecurityLevel(&u)
	c.state.LastActivity = now
	c.mfaChallenge = ""
	c.preMFAToken = ""
	c.persistLocked(ctx)
	c.startClocksLocked()
	c.telemetry.WriteSessionGauge(string(StateAuthenticated), 1)
}

// persistLocked writes the current session to the vault. Caller holds
// the lock. The record's TTL is independent of token expiry: a live
// controller refreshes (and re-persists) before it lapses, so the TTL
// only bites a process that died.
func (c *Controller) persistLocked(ctx context.Context) {
	if c.state.Session == nil || c.state.User == nil {
		return
	}
	payload, err := json.Marshal(persistedSession{
		Session: *c.state.Session,
		User:    *c.state.User,
	})
	if err != nil {
		c.logger.Error("encoding session for persistence failed", "error", err)
		return
	}
	ttl := time.Duration(c.timers.SessionTTL) * time.Minute
	if err := c.vault.Put(ctx, vaultKeySession, payload, ttl); err != nil {
		c.logger.Error("persisting session failed", "error", err)
	}
}

// record writes an audit entry if an audit sink is attached.
func (c *Controller) record(ctx context.Context, action, outcome, userID, deviceID string, details map[string]any) {
	if c.audit == nil {
		return
	}
	c.audit.RecordAuthEvent(ctx, action, outcome, userID, deviceID, details)
}
