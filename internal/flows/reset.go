package flows

import (
	"context"
	"fmt"
	"strings"

	"github.com/al-bashkir/opsdash-auth/internal/authapi"
	"github.com/al-bashkir/opsdash-auth/internal/session"
	"github.com/al-bashkir/opsdash-auth/internal/validate"
)

// PasswordReset drives the three forgot-password steps.
type PasswordReset struct {
	*runner
}

// Request sends a reset passcode to email and opens the reset flow.
func (p *PasswordReset) Request(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if err := validate.Email(email); err != nil {
		return err
	}

	return p.run(ctx, authapi.OpForgotPassword,
		func(ctx context.Context) error {
			_, err := p.api.ForgotPassword(ctx, authapi.EmailRequest{Email: email})
			return err
		},
		func(txn *session.Txn) error {
			return txn.ResetRequested(email)
		})
}

// Verify confirms the reset passcode. The trimmed code is what is sent and
// later used as the reset token.
func (p *PasswordReset) Verify(ctx context.Context, code string) error {
	code = strings.TrimSpace(code)
	if err := validate.OTP(code); err != nil {
		return err
	}
	phase, ok := p.m.Phase().(session.AwaitingPasswordReset)
	if !ok || phase.Stage != session.StageRequestSent {
		return fmt.Errorf("%w: no reset is awaiting a passcode", session.ErrInvalidTransition)
	}

	return p.run(ctx, authapi.OpVerifyForgotOTP,
		func(ctx context.Context) error {
			_, err := p.api.VerifyForgotOTP(ctx, authapi.VerifyOTPRequest{Email: phase.Email, OTP: code})
			return err
		},
		func(txn *session.Txn) error {
			return txn.ResetOTPVerified(code)
		})
}

// Reset sets the new password. The passcode verified in the previous step
// is sent as the reset token. The session returns to Anonymous.
func (p *PasswordReset) Reset(ctx context.Context, password, confirm string) error {
	if err := validate.Password(password); err != nil {
		return err
	}
	if err := validate.ConfirmPassword(password, confirm); err != nil {
		return err
	}
	email, code, ok := p.m.PendingReset()
	if !ok {
		return fmt.Errorf("%w: reset passcode has not been verified", session.ErrInvalidTransition)
	}

	return p.run(ctx, authapi.OpResetPassword,
		func(ctx context.Context) error {
			_, err := p.api.ResetPassword(ctx, authapi.ResetPasswordRequest{Email: email, Password: password, Token: code})
			return err
		},
		func(txn *session.Txn) error {
			return txn.PasswordReset()
		})
}
