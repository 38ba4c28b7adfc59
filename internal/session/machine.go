// Package session is the authentication state machine. It holds the current
// Phase, owns every transition, and is the only writer of the token store.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/al-bashkir/opsdash-auth/internal/authapi"
	"github.com/al-bashkir/opsdash-auth/internal/autherr"
	"github.com/al-bashkir/opsdash-auth/internal/logsanitize"
	"github.com/al-bashkir/opsdash-auth/internal/tokenstore"
)

// Snapshot is a point-in-time copy of the session. Views and the route guard
// read snapshots; they never mutate the machine.
type Snapshot struct {
	Phase     Phase
	User      *authapi.User
	Token     string
	Markers   Markers
	Loading   bool
	LastError *autherr.Error
}

// IsAuthenticated reports whether a token-backed phase is active.
func (s Snapshot) IsAuthenticated() bool {
	_, ok := s.Phase.(Authenticated)
	return ok
}

// HasVerifiedOTP reports whether the session is fully authenticated.
func (s Snapshot) HasVerifiedOTP() bool { return IsVerified(s.Phase) }

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the time source used for token expiry checks.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// Machine serializes all session transitions.
type Machine struct {
	store *tokenstore.Store
	now   func() time.Time

	mu       sync.Mutex
	phase    Phase
	loading  bool
	lastErr  *autherr.Error
	txnOpen  bool
	epoch    uint64
	resetOTP string

	subMu   sync.Mutex
	subs    map[int]func(Snapshot)
	nextSub int

	watchTicker *time.Ticker
	stopWatch   chan struct{}
}

// New creates a Machine over store and hydrates it before returning, so the
// first route decision already sees the persisted phase.
func New(store *tokenstore.Store, opts ...Option) *Machine {
	m := &Machine{
		store: store,
		now:   time.Now,
		phase: Anonymous{},
		subs:  make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.Hydrate()
	return m
}

// Hydrate reconstructs the phase from the persisted markers.
//
// An expired JWT is cleared first. A token alongside an OTP marker is the
// unverified authenticated state. The password reset stage is not persisted,
// so a reset flow always resumes at StageRequestSent.
func (m *Machine) Hydrate() Phase {
	m.mu.Lock()

	token, hasToken := m.store.Get(tokenstore.KeyAccessToken)
	if hasToken && tokenExpired(token, m.now()) {
		slog.Info("discarding expired access token")
		m.store.Clear(tokenstore.KeyAccessToken)
		hasToken = false
	}
	otpEmail, otpPending := m.store.Get(tokenstore.KeyOTPEmail)
	resetEmail, resetPending := m.store.Get(tokenstore.KeyResetEmail)

	var next Phase
	switch {
	case hasToken && otpPending:
		next = Authenticated{User: authapi.User{Email: otpEmail}, Verified: false}
	case hasToken:
		next = Authenticated{Verified: true}
	case otpPending:
		next = AwaitingOTP{Email: otpEmail}
	case resetPending:
		next = AwaitingPasswordReset{Email: resetEmail, Stage: StageRequestSent}
	default:
		next = Anonymous{}
	}

	m.phase = next
	m.resetOTP = ""
	m.lastErr = nil
	m.mu.Unlock()

	slog.Debug("session hydrated", "phase", next.String())
	m.notify()
	return next
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Snapshot returns a copy of the session with markers read fresh from the store.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	token, hasToken := m.store.Get(tokenstore.KeyAccessToken)
	s := Snapshot{
		Phase:   m.phase,
		Token:   token,
		Loading: m.loading,
		Markers: Markers{
			HasToken:     hasToken,
			OTPPending:   m.store.Has(tokenstore.KeyOTPEmail),
			ResetPending: m.store.Has(tokenstore.KeyResetEmail),
		},
	}
	if a, ok := m.phase.(Authenticated); ok && (a.User.ID != "" || a.User.Email != "") {
		u := a.User
		s.User = &u
	}
	if m.lastErr != nil {
		e := *m.lastErr
		s.LastError = &e
	}
	return s
}

// AccessToken implements authapi.TokenSource. It reads the store on every
// call so a cleared token is never attached again.
func (m *Machine) AccessToken() (string, bool) {
	return m.store.Get(tokenstore.KeyAccessToken)
}

// PendingReset returns the email and verified passcode of a reset flow that
// has reached StageOTPVerified.
func (m *Machine) PendingReset() (email, otp string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, isReset := m.phase.(AwaitingPasswordReset)
	if !isReset || p.Stage != StageOTPVerified || m.resetOTP == "" {
		return "", "", false
	}
	return p.Email, m.resetOTP, true
}

// Subscribe registers fn to receive a snapshot after every change.
// The returned func removes the subscription.
func (m *Machine) Subscribe(fn func(Snapshot)) (cancel func()) {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *Machine) notify() {
	m.subMu.Lock()
	fns := make([]func(Snapshot), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()

	if len(fns) == 0 {
		return
	}
	snap := m.Snapshot()
	for _, fn := range fns {
		fn(snap)
	}
}

// HandleUnauthorized applies the global effect of a 401 from any backend
// call: the access token is cleared, and an authenticated session is torn
// down to Anonymous with every marker removed. In-flight transactions that
// began before the teardown can no longer commit.
func (m *Machine) HandleUnauthorized(op string) {
	m.mu.Lock()
	m.store.Clear(tokenstore.KeyAccessToken)

	prev := m.phase
	if _, ok := prev.(Authenticated); ok {
		m.store.ClearAll()
		m.phase = Anonymous{}
		m.resetOTP = ""
		m.epoch++
		m.lastErr = &autherr.Error{
			Kind:    autherr.KindAuthExpired,
			Message: "Your session has expired. Please log in again.",
			Status:  401,
		}
	}
	next := m.phase
	m.mu.Unlock()

	slog.Warn("authorization rejected by backend", "op", op, "from", prev.String(), "to", next.String())
	m.notify()
}

// Logout tears the session down locally: Anonymous, every marker cleared.
// It is valid from any phase and never fails.
func (m *Machine) Logout() {
	m.mu.Lock()
	prev := m.phase
	m.store.ClearAll()
	m.phase = Anonymous{}
	m.resetOTP = ""
	m.epoch++
	m.mu.Unlock()

	slog.Info("session cleared", "from", prev.String())
	m.notify()
}

// Begin opens a transaction for one transition-causing call. Only one
// transaction may be open; a second Begin fails with ErrBusy rather than
// interleaving. Loading is true until the transaction is closed with Done.
func (m *Machine) Begin() (*Txn, error) {
	m.mu.Lock()
	if m.txnOpen {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	m.txnOpen = true
	m.loading = true
	m.lastErr = nil
	t := &Txn{m: m, epoch: m.epoch}
	m.mu.Unlock()

	m.notify()
	return t, nil
}

// Txn is an open transition. Its event methods validate the current phase,
// write the store and advance the phase atomically.
type Txn struct {
	m     *Machine
	epoch uint64
	done  bool
}

// Done closes the transaction and clears Loading. It is safe to call twice.
func (t *Txn) Done() {
	m := t.m
	m.mu.Lock()
	if t.done {
		m.mu.Unlock()
		return
	}
	t.done = true
	m.txnOpen = false
	m.loading = false
	m.mu.Unlock()

	m.notify()
}

// Fail records err as the session's last error. The phase is not changed.
func (t *Txn) Fail(err error) {
	if err == nil {
		return
	}
	var ae *autherr.Error
	if !errors.As(err, &ae) {
		ae = &autherr.Error{Kind: autherr.KindUnknown, Message: err.Error(), Err: err}
	}

	m := t.m
	m.mu.Lock()
	if t.done || t.epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	m.lastErr = ae
	m.mu.Unlock()
}

// commit applies one event. apply runs under the machine lock and returns
// the next phase; an error leaves the phase untouched.
func (t *Txn) commit(event string, apply func(cur Phase) (Phase, error)) error {
	m := t.m
	m.mu.Lock()
	if t.done {
		m.mu.Unlock()
		return ErrTxnClosed
	}
	if t.epoch != m.epoch {
		m.mu.Unlock()
		slog.Warn("discarding stale session result", "event", event)
		return ErrStale
	}

	prev := m.phase
	next, err := apply(prev)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.phase = next
	m.mu.Unlock()

	if prev.String() != next.String() {
		slog.Info("session transition", "event", event, "from", prev.String(), "to", next.String())
	}
	m.notify()
	return nil
}

func invalid(event string, p Phase) error {
	return fmt.Errorf("%w: %s while %s", ErrInvalidTransition, event, p.String())
}

var errNoOTPFlag = &autherr.Error{Kind: autherr.KindServer, Message: authapi.MsgUnexpectedResponse}

// LoginSucceeded applies a successful login for email. The server's
// otpRequired flag decides the next phase; a response without the flag is
// rejected rather than guessed.
func (t *Txn) LoginSucceeded(email string, resp *authapi.LoginResponse) error {
	return t.commit("login", func(cur Phase) (Phase, error) {
		if IsVerified(cur) {
			return nil, invalid("login", cur)
		}
		if resp == nil || resp.OTPRequired == nil {
			return nil, errNoOTPFlag
		}

		m := t.m
		if *resp.OTPRequired {
			m.store.Clear(tokenstore.KeyAccessToken)
			m.store.Clear(tokenstore.KeyResetEmail)
			m.store.Set(tokenstore.KeyOTPEmail, email)
			slog.Info("login accepted, otp required", "email", logsanitize.MaskEmail(email))
			return AwaitingOTP{Email: email}, nil
		}

		if resp.Token == "" {
			return nil, errNoOTPFlag
		}
		m.store.Clear(tokenstore.KeyOTPEmail)
		m.store.Clear(tokenstore.KeyResetEmail)
		m.store.Set(tokenstore.KeyAccessToken, resp.Token)
		return Authenticated{User: userOrEmail(resp.User, email), Verified: true}, nil
	})
}

// OTPVerified applies a confirmed login passcode.
func (t *Txn) OTPVerified(resp *authapi.AuthResponse) error {
	return t.commit("verify_otp", func(cur Phase) (Phase, error) {
		var email string
		switch p := cur.(type) {
		case AwaitingOTP:
			email = p.Email
		case Authenticated:
			if p.Verified {
				return nil, invalid("verify_otp", cur)
			}
			email = p.User.Email
		default:
			return nil, invalid("verify_otp", cur)
		}
		if resp == nil || resp.Token == "" {
			return nil, &autherr.Error{Kind: autherr.KindServer, Message: authapi.MsgUnexpectedResponse}
		}

		m := t.m
		m.store.Clear(tokenstore.KeyOTPEmail)
		m.store.Set(tokenstore.KeyAccessToken, resp.Token)
		return Authenticated{User: userOrEmail(resp.User, email), Verified: true}, nil
	})
}

// OTPResent confirms a resend while awaiting the passcode. The phase does
// not change.
func (t *Txn) OTPResent() error {
	return t.commit("resend_otp", func(cur Phase) (Phase, error) {
		switch p := cur.(type) {
		case AwaitingOTP:
			return p, nil
		case Authenticated:
			if !p.Verified {
				return p, nil
			}
		}
		return nil, invalid("resend_otp", cur)
	})
}

// ResetRequested starts (or restarts) the forgot-password flow for email.
func (t *Txn) ResetRequested(email string) error {
	return t.commit("forgot_password", func(cur Phase) (Phase, error) {
		switch cur.(type) {
		case Anonymous, AwaitingPasswordReset, AwaitingOTP:
		default:
			return nil, invalid("forgot_password", cur)
		}

		m := t.m
		m.store.Clear(tokenstore.KeyOTPEmail)
		m.store.Set(tokenstore.KeyResetEmail, email)
		m.resetOTP = ""
		return AwaitingPasswordReset{Email: email, Stage: StageRequestSent}, nil
	})
}

// ResetOTPVerified advances the reset flow once its passcode is confirmed.
// The passcode is kept in memory as the reset token.
func (t *Txn) ResetOTPVerified(otp string) error {
	return t.commit("verify_forgot_otp", func(cur Phase) (Phase, error) {
		p, ok := cur.(AwaitingPasswordReset)
		if !ok || p.Stage != StageRequestSent {
			return nil, invalid("verify_forgot_otp", cur)
		}
		t.m.resetOTP = otp
		return AwaitingPasswordReset{Email: p.Email, Stage: StageOTPVerified}, nil
	})
}

// PasswordReset completes the reset flow. The user must log in again.
func (t *Txn) PasswordReset() error {
	return t.commit("reset_password", func(cur Phase) (Phase, error) {
		p, ok := cur.(AwaitingPasswordReset)
		if !ok || p.Stage != StageOTPVerified {
			return nil, invalid("reset_password", cur)
		}
		t.m.store.Clear(tokenstore.KeyResetEmail)
		t.m.resetOTP = ""
		return Anonymous{}, nil
	})
}

// UserLoaded fills in the user record of an authenticated session.
func (t *Txn) UserLoaded(user *authapi.User) error {
	return t.commit("current_user", func(cur Phase) (Phase, error) {
		p, ok := cur.(Authenticated)
		if !ok || user == nil {
			return nil, invalid("current_user", cur)
		}
		return Authenticated{User: *user, Verified: p.Verified}, nil
	})
}

// ProfileUpdated replaces the user record after a profile change.
func (t *Txn) ProfileUpdated(user *authapi.User) error {
	return t.commit("update_profile", func(cur Phase) (Phase, error) {
		if !IsVerified(cur) || user == nil {
			return nil, invalid("update_profile", cur)
		}
		return Authenticated{User: *user, Verified: true}, nil
	})
}

func userOrEmail(u *authapi.User, email string) authapi.User {
	if u != nil {
		return *u
	}
	return authapi.User{Email: email}
}
