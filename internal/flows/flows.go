// Package flows holds the controllers that turn a user action into input
// validation, one or more backend calls and a session transition.
package flows

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/al-bashkir/opsdash-auth/internal/authapi"
	"github.com/al-bashkir/opsdash-auth/internal/autherr"
	"github.com/al-bashkir/opsdash-auth/internal/session"
)

// ErrDiscarded is returned when the caller's context ended before the
// backend call settled. The call itself ran to completion and a 401 was
// still applied, but no transition was made for the result.
var ErrDiscarded = errors.New("result discarded: caller went away")

// API is the subset of the backend client the controllers use.
type API interface {
	Login(ctx context.Context, req authapi.LoginRequest) (*authapi.LoginResponse, error)
	VerifyOTP(ctx context.Context, req authapi.VerifyOTPRequest) (*authapi.AuthResponse, error)
	ResendOTP(ctx context.Context, req authapi.EmailRequest) (*authapi.SuccessResponse, error)
	ForgotPassword(ctx context.Context, req authapi.EmailRequest) (*authapi.SuccessResponse, error)
	VerifyForgotOTP(ctx context.Context, req authapi.VerifyOTPRequest) (*authapi.SuccessResponse, error)
	ResetPassword(ctx context.Context, req authapi.ResetPasswordRequest) (*authapi.SuccessResponse, error)
	CurrentUser(ctx context.Context) (*authapi.UserResponse, error)
	UpdateProfile(ctx context.Context, req authapi.ProfileUpdate) (*authapi.UserResponse, error)
	Logout(ctx context.Context) (*authapi.SuccessResponse, error)
}

// Options tunes the controllers.
type Options struct {
	// ResendCooldown is the minimum gap between OTP resends. Zero disables
	// the limit.
	ResendCooldown time.Duration
}

// Set bundles every controller over one API and one session.
type Set struct {
	Login         *Login
	OTP           *OTP
	PasswordReset *PasswordReset
	Account       *Account
}

// New builds the controllers.
func New(api API, m *session.Machine, opts Options) *Set {
	r := &runner{api: api, m: m}

	otp := &OTP{runner: r}
	if opts.ResendCooldown > 0 {
		otp.resendLimit = rate.NewLimiter(rate.Every(opts.ResendCooldown), 1)
	}

	return &Set{
		Login:         &Login{runner: r},
		OTP:           otp,
		PasswordReset: &PasswordReset{runner: r},
		Account:       &Account{runner: r},
	}
}

type runner struct {
	api API
	m   *session.Machine
}

// run executes one transition-causing call inside a session transaction.
//
// call runs on a context that ignores the caller's cancellation, so the
// request completes and the client's 401 hook fires regardless. If ctx is
// done by then the result is dropped with ErrDiscarded. Otherwise a failed
// call is recorded as the session's last error and apply is skipped.
func (r *runner) run(ctx context.Context, op string, call func(context.Context) error, apply func(*session.Txn) error) error {
	txn, err := r.m.Begin()
	if err != nil {
		return err
	}
	defer txn.Done()

	callErr := call(context.WithoutCancel(ctx))

	if ctx.Err() != nil {
		slog.Debug("discarding flow result", "op", op, "reason", ctx.Err())
		return ErrDiscarded
	}
	if callErr != nil {
		txn.Fail(callErr)
		slog.Warn("auth request failed", "op", op, "kind", autherr.KindOf(callErr).String(), "status", statusOf(callErr))
		return callErr
	}

	if err := apply(txn); err != nil {
		txn.Fail(err)
		slog.Warn("auth result rejected", "op", op, "error", err)
		return err
	}
	return nil
}

func statusOf(err error) int {
	var ae *autherr.Error
	if errors.As(err, &ae) {
		return ae.Status
	}
	return 0
}
