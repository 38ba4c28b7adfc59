package flows

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"github.com/al-bashkir/opsdash-auth/internal/authapi"
	"github.com/al-bashkir/opsdash-auth/internal/autherr"
	"github.com/al-bashkir/opsdash-auth/internal/session"
	"github.com/al-bashkir/opsdash-auth/internal/validate"
)

// MsgResendThrottled is reported when a resend arrives inside the cooldown.
const MsgResendThrottled = "Please wait before requesting another code"

// OTP confirms or re-sends the login passcode.
type OTP struct {
	*runner
	resendLimit *rate.Limiter
}

// pendingEmail returns the address whose login awaits a passcode.
func pendingEmail(p session.Phase) (string, error) {
	switch p := p.(type) {
	case session.AwaitingOTP:
		return p.Email, nil
	case session.Authenticated:
		if !p.Verified && p.User.Email != "" {
			return p.User.Email, nil
		}
	}
	return "", fmt.Errorf("%w: no login is awaiting a passcode", session.ErrInvalidTransition)
}

// Verify checks code and submits it for the pending login. Surrounding
// whitespace is dropped before the code is checked and sent.
func (o *OTP) Verify(ctx context.Context, code string) error {
	code = strings.TrimSpace(code)
	if err := validate.OTP(code); err != nil {
		return err
	}
	email, err := pendingEmail(o.m.Phase())
	if err != nil {
		return err
	}

	var resp *authapi.AuthResponse
	return o.run(ctx, authapi.OpVerifyOTP,
		func(ctx context.Context) (err error) {
			resp, err = o.api.VerifyOTP(ctx, authapi.VerifyOTPRequest{Email: email, OTP: code})
			return err
		},
		func(txn *session.Txn) error {
			return txn.OTPVerified(resp)
		})
}

// Resend asks the server to send a new passcode. The phase never changes.
func (o *OTP) Resend(ctx context.Context) error {
	email, err := pendingEmail(o.m.Phase())
	if err != nil {
		return err
	}
	if o.resendLimit != nil && !o.resendLimit.Allow() {
		return autherr.Validation(validate.FieldOTP, MsgResendThrottled)
	}

	return o.run(ctx, authapi.OpResendOTP,
		func(ctx context.Context) error {
			_, err := o.api.ResendOTP(ctx, authapi.EmailRequest{Email: email})
			return err
		},
		func(txn *session.Txn) error {
			return txn.OTPResent()
		})
}
