package session

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/al-bashkir/opsdash-auth/internal/authapi"
	"github.com/al-bashkir/opsdash-auth/internal/autherr"
	"github.com/al-bashkir/opsdash-auth/internal/tokenstore"
)

func boolPtr(b bool) *bool { return &b }

func newStore(t *testing.T, values map[tokenstore.Key]string) *tokenstore.Store {
	t.Helper()
	s := tokenstore.New(tokenstore.NewMemoryBackend())
	for k, v := range values {
		s.Set(k, v)
	}
	return s
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestHydrate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		values    map[tokenstore.Key]string
		want      Phase
		wantToken bool
	}{
		{"empty store", nil, Anonymous{}, false},
		{
			"otp marker only",
			map[tokenstore.Key]string{tokenstore.KeyOTPEmail: "a@b.com"},
			AwaitingOTP{Email: "a@b.com"}, false,
		},
		{
			"reset marker only",
			map[tokenstore.Key]string{tokenstore.KeyResetEmail: "a@b.com"},
			AwaitingPasswordReset{Email: "a@b.com", Stage: StageRequestSent}, false,
		},
		{
			"opaque token",
			map[tokenstore.Key]string{tokenstore.KeyAccessToken: "opaque-token"},
			Authenticated{Verified: true}, true,
		},
		{
			"token with otp marker",
			map[tokenstore.Key]string{tokenstore.KeyAccessToken: "opaque-token", tokenstore.KeyOTPEmail: "a@b.com"},
			Authenticated{User: authapi.User{Email: "a@b.com"}, Verified: false}, true,
		},
		{
			"otp marker wins over reset marker",
			map[tokenstore.Key]string{tokenstore.KeyOTPEmail: "a@b.com", tokenstore.KeyResetEmail: "c@d.com"},
			AwaitingOTP{Email: "a@b.com"}, false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t, tt.values)
			m := New(store, WithClock(func() time.Time { return now }))

			if got := m.Phase(); got != tt.want {
				t.Errorf("phase = %#v, want %#v", got, tt.want)
			}
			if store.Has(tokenstore.KeyAccessToken) != tt.wantToken {
				t.Errorf("accessToken present = %v, want %v", !tt.wantToken, tt.wantToken)
			}
		})
	}
}

func TestHydrateDiscardsExpiredJWT(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := WithClock(func() time.Time { return now })

	expired := newStore(t, map[tokenstore.Key]string{
		tokenstore.KeyAccessToken: signedToken(t, now.Add(-time.Minute)),
	})
	if p := New(expired, clock).Phase(); p != (Anonymous{}) {
		t.Errorf("expired token: phase = %v, want anonymous", p)
	}
	if expired.Has(tokenstore.KeyAccessToken) {
		t.Error("expired token should be cleared from the store")
	}

	valid := newStore(t, map[tokenstore.Key]string{
		tokenstore.KeyAccessToken: signedToken(t, now.Add(time.Hour)),
	})
	if p := New(valid, clock).Phase(); !IsVerified(p) {
		t.Errorf("valid token: phase = %v, want authenticated(verified)", p)
	}
}

func TestLoginWithOTPThenVerify(t *testing.T) {
	store := newStore(t, nil)
	m := New(store)

	txn, err := m.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if !m.Snapshot().Loading {
		t.Error("Loading should be true while a transaction is open")
	}
	if err := txn.LoginSucceeded("a@b.com", &authapi.LoginResponse{OTPRequired: boolPtr(true)}); err != nil {
		t.Fatalf("LoginSucceeded: %v", err)
	}
	txn.Done()

	if got := m.Phase(); got != (AwaitingOTP{Email: "a@b.com"}) {
		t.Fatalf("phase = %v, want awaiting_otp", got)
	}
	if v, _ := store.Get(tokenstore.KeyOTPEmail); v != "a@b.com" {
		t.Errorf("temp_email = %q, want a@b.com", v)
	}
	if store.Has(tokenstore.KeyAccessToken) {
		t.Error("accessToken must be absent while awaiting OTP")
	}

	txn, err = m.Begin()
	if err != nil {
		t.Fatal(err)
	}
	user := &authapi.User{ID: "u1", Email: "a@b.com", Name: "Ops"}
	if err := txn.OTPVerified(&authapi.AuthResponse{User: user, Token: "tok-1"}); err != nil {
		t.Fatalf("OTPVerified: %v", err)
	}
	txn.Done()

	snap := m.Snapshot()
	if !snap.HasVerifiedOTP() {
		t.Fatalf("phase = %v, want authenticated(verified)", snap.Phase)
	}
	if snap.User == nil || snap.User.ID != "u1" {
		t.Errorf("user = %+v", snap.User)
	}
	if snap.Token != "tok-1" || !snap.Markers.HasToken {
		t.Errorf("token = %q, markers = %+v", snap.Token, snap.Markers)
	}
	if store.Has(tokenstore.KeyOTPEmail) {
		t.Error("temp_email should be cleared after verification")
	}
	if snap.Loading {
		t.Error("Loading should be false after Done")
	}
}

func TestLoginWithoutOTP(t *testing.T) {
	store := newStore(t, nil)
	m := New(store)

	txn, _ := m.Begin()
	err := txn.LoginSucceeded("a@b.com", &authapi.LoginResponse{OTPRequired: boolPtr(false), Token: "tok-2"})
	txn.Done()
	if err != nil {
		t.Fatal(err)
	}

	if !IsVerified(m.Phase()) {
		t.Errorf("phase = %v, want authenticated(verified)", m.Phase())
	}
	if v, _ := store.Get(tokenstore.KeyAccessToken); v != "tok-2" {
		t.Errorf("accessToken = %q", v)
	}
}

func TestVerifiedSessionKeepsTokenWhenStorageFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	store := tokenstore.New(tokenstore.NewFileBackend(path))
	m := New(store)

	txn, _ := m.Begin()
	err := txn.LoginSucceeded("a@b.com", &authapi.LoginResponse{OTPRequired: boolPtr(false), Token: "tok-2"})
	txn.Done()
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("{garbage"), 0600); err != nil {
		t.Fatal(err)
	}

	snap := m.Snapshot()
	if !snap.HasVerifiedOTP() {
		t.Fatalf("phase = %v, want authenticated(verified)", snap.Phase)
	}
	if !snap.Markers.HasToken {
		t.Error("verified session lost its token after storage failed")
	}
	if tok, ok := m.AccessToken(); !ok || tok != "tok-2" {
		t.Errorf("AccessToken() = %q, %v; want tok-2, true", tok, ok)
	}
	if !store.Degraded() {
		t.Error("store should report degraded")
	}
}

func TestLoginWithoutOTPFlagIsRejected(t *testing.T) {
	store := newStore(t, nil)
	m := New(store)

	txn, _ := m.Begin()
	err := txn.LoginSucceeded("a@b.com", &authapi.LoginResponse{Token: "tok"})
	txn.Fail(err)
	txn.Done()

	if autherr.KindOf(err) != autherr.KindServer {
		t.Fatalf("err = %v, want server error", err)
	}
	if m.Phase() != (Anonymous{}) {
		t.Errorf("phase changed to %v", m.Phase())
	}
	if store.Has(tokenstore.KeyAccessToken) {
		t.Error("token must not be stored when the otp flag is missing")
	}
	if snap := m.Snapshot(); snap.LastError == nil {
		t.Error("LastError should be populated")
	}
}

func TestPasswordResetFlow(t *testing.T) {
	store := newStore(t, nil)
	m := New(store)

	step := func(fn func(*Txn) error) error {
		t.Helper()
		txn, err := m.Begin()
		if err != nil {
			t.Fatal(err)
		}
		defer txn.Done()
		return fn(txn)
	}

	// A reset cannot complete before its passcode is verified.
	if err := step(func(x *Txn) error { return x.ResetRequested("a@b.com") }); err != nil {
		t.Fatal(err)
	}
	err := step(func(x *Txn) error { return x.PasswordReset() })
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("PasswordReset at request_sent: err = %v, want ErrInvalidTransition", err)
	}
	if _, _, ok := m.PendingReset(); ok {
		t.Error("PendingReset should be empty before verification")
	}

	if err := step(func(x *Txn) error { return x.ResetOTPVerified("123456") }); err != nil {
		t.Fatal(err)
	}
	if got := m.Phase(); got != (AwaitingPasswordReset{Email: "a@b.com", Stage: StageOTPVerified}) {
		t.Fatalf("phase = %v", got)
	}
	if v, _ := store.Get(tokenstore.KeyResetEmail); v != "a@b.com" {
		t.Errorf("resetEmail = %q, want unchanged", v)
	}
	email, otp, ok := m.PendingReset()
	if !ok || email != "a@b.com" || otp != "123456" {
		t.Errorf("PendingReset = %q, %q, %v", email, otp, ok)
	}

	if err := step(func(x *Txn) error { return x.PasswordReset() }); err != nil {
		t.Fatal(err)
	}
	if m.Phase() != (Anonymous{}) {
		t.Errorf("phase = %v, want anonymous", m.Phase())
	}
	if store.Has(tokenstore.KeyResetEmail) {
		t.Error("resetEmail should be cleared")
	}
}

func TestInvalidTransitionsLeavePhase(t *testing.T) {
	tests := []struct {
		name   string
		values map[tokenstore.Key]string
		event  func(*Txn) error
	}{
		{"verify otp while anonymous", nil, func(x *Txn) error {
			return x.OTPVerified(&authapi.AuthResponse{Token: "t"})
		}},
		{"resend while anonymous", nil, func(x *Txn) error { return x.OTPResent() }},
		{"verify forgot otp while anonymous", nil, func(x *Txn) error { return x.ResetOTPVerified("123456") }},
		{"profile while awaiting otp", map[tokenstore.Key]string{tokenstore.KeyOTPEmail: "a@b.com"}, func(x *Txn) error {
			return x.ProfileUpdated(&authapi.User{ID: "u1"})
		}},
		{"login while verified", map[tokenstore.Key]string{tokenstore.KeyAccessToken: "tok"}, func(x *Txn) error {
			return x.LoginSucceeded("a@b.com", &authapi.LoginResponse{OTPRequired: boolPtr(true)})
		}},
		{"forgot password while verified", map[tokenstore.Key]string{tokenstore.KeyAccessToken: "tok"}, func(x *Txn) error {
			return x.ResetRequested("a@b.com")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(newStore(t, tt.values))
			before := m.Phase()

			txn, _ := m.Begin()
			err := tt.event(txn)
			txn.Done()

			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("err = %v, want ErrInvalidTransition", err)
			}
			if m.Phase() != before {
				t.Errorf("phase changed from %v to %v", before, m.Phase())
			}
		})
	}
}

func TestResendKeepsPhase(t *testing.T) {
	m := New(newStore(t, map[tokenstore.Key]string{tokenstore.KeyOTPEmail: "a@b.com"}))
	for i := 0; i < 3; i++ {
		txn, err := m.Begin()
		if err != nil {
			t.Fatal(err)
		}
		if err := txn.OTPResent(); err != nil {
			t.Fatalf("OTPResent #%d: %v", i, err)
		}
		txn.Done()
	}
	if m.Phase() != (AwaitingOTP{Email: "a@b.com"}) {
		t.Errorf("phase = %v", m.Phase())
	}
}

func TestBeginRejectsConcurrentTransaction(t *testing.T) {
	m := New(newStore(t, nil))

	first, err := m.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Begin(); !errors.Is(err, ErrBusy) {
		t.Errorf("second Begin err = %v, want ErrBusy", err)
	}

	first.Done()
	second, err := m.Begin()
	if err != nil {
		t.Fatalf("Begin after Done: %v", err)
	}
	second.Done()
	second.Done()
}

func TestConcurrentBeginOnlyOneWins(t *testing.T) {
	m := New(newStore(t, nil))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	start := make(chan struct{})
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := m.Begin(); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins != 1 {
		t.Errorf("%d transactions opened concurrently, want 1", wins)
	}
}

func TestUnauthorizedWhileAuthenticated(t *testing.T) {
	store := newStore(t, map[tokenstore.Key]string{
		tokenstore.KeyAccessToken: "tok",
		tokenstore.KeyResetEmail:  "stale@b.com",
	})
	m := New(store)
	if !IsVerified(m.Phase()) {
		t.Fatalf("precondition: phase = %v", m.Phase())
	}

	m.HandleUnauthorized(authapi.OpCurrentUser)

	if m.Phase() != (Anonymous{}) {
		t.Errorf("phase = %v, want anonymous", m.Phase())
	}
	for _, k := range tokenstore.Keys {
		if store.Has(k) {
			t.Errorf("marker %s should be cleared", k)
		}
	}
	snap := m.Snapshot()
	if snap.LastError == nil || snap.LastError.Kind != autherr.KindAuthExpired {
		t.Errorf("LastError = %+v, want auth expired", snap.LastError)
	}
}

func TestUnauthorizedOutsideAuthenticatedKeepsPhase(t *testing.T) {
	store := newStore(t, map[tokenstore.Key]string{tokenstore.KeyOTPEmail: "a@b.com"})
	m := New(store)

	m.HandleUnauthorized(authapi.OpVerifyOTP)

	if m.Phase() != (AwaitingOTP{Email: "a@b.com"}) {
		t.Errorf("phase = %v, want awaiting_otp", m.Phase())
	}
	if !store.Has(tokenstore.KeyOTPEmail) {
		t.Error("temp_email should survive a 401 outside the authenticated phase")
	}
}

func TestStaleTransactionCannotCommit(t *testing.T) {
	store := newStore(t, map[tokenstore.Key]string{tokenstore.KeyAccessToken: "tok"})
	m := New(store)

	txn, err := m.Begin()
	if err != nil {
		t.Fatal(err)
	}
	// A background request's 401 tears the session down mid-flight.
	m.HandleUnauthorized(authapi.OpCurrentUser)

	err = txn.ProfileUpdated(&authapi.User{ID: "u1"})
	txn.Done()

	if !errors.Is(err, ErrStale) {
		t.Errorf("err = %v, want ErrStale", err)
	}
	if m.Phase() != (Anonymous{}) {
		t.Errorf("phase = %v, want anonymous", m.Phase())
	}
}

func TestLogoutClearsEverything(t *testing.T) {
	store := newStore(t, map[tokenstore.Key]string{
		tokenstore.KeyAccessToken: "tok",
		tokenstore.KeyOTPEmail:    "a@b.com",
	})
	m := New(store)
	m.Logout()

	if m.Phase() != (Anonymous{}) {
		t.Errorf("phase = %v", m.Phase())
	}
	for _, k := range tokenstore.Keys {
		if store.Has(k) {
			t.Errorf("marker %s should be cleared", k)
		}
	}
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	m := New(newStore(t, nil))

	var phases []string
	cancel := m.Subscribe(func(s Snapshot) { phases = append(phases, s.Phase.String()) })

	txn, _ := m.Begin()
	_ = txn.ResetRequested("a@b.com")
	txn.Done()

	cancel()
	m.Logout()

	if len(phases) == 0 {
		t.Fatal("no notifications received")
	}
	last := phases[len(phases)-1]
	if last != "awaiting_password_reset(request_sent)" {
		t.Errorf("last notified phase = %s", last)
	}
}

func TestAccessTokenReadsStore(t *testing.T) {
	store := newStore(t, nil)
	m := New(store)

	if _, ok := m.AccessToken(); ok {
		t.Error("expected no token")
	}
	store.Set(tokenstore.KeyAccessToken, "tok-x")
	if tok, ok := m.AccessToken(); !ok || tok != "tok-x" {
		t.Errorf("AccessToken = %q, %v", tok, ok)
	}
}
