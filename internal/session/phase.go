package session

import (
	"fmt"

	"github.com/al-bashkir/opsdash-auth/internal/authapi"
)

// Phase is how far the user has progressed through authentication.
// Exactly one of Anonymous, AwaitingOTP, AwaitingPasswordReset or
// Authenticated is active at any time; the set is closed.
type Phase interface {
	isPhase()
	String() string
}

// Anonymous holds no token and no pending flow.
type Anonymous struct{}

// AwaitingOTP means credentials were accepted and the login passcode has not
// been confirmed yet.
type AwaitingOTP struct {
	Email string
}

// ResetStage gates which password reset screen is reachable.
type ResetStage int

const (
	StageRequestSent ResetStage = iota + 1
	StageOTPVerified
)

// AtLeast reports whether s has reached min.
func (s ResetStage) AtLeast(min ResetStage) bool { return s >= min }

func (s ResetStage) String() string {
	switch s {
	case StageRequestSent:
		return "request_sent"
	case StageOTPVerified:
		return "otp_verified"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// AwaitingPasswordReset is an in-progress forgot-password flow.
type AwaitingPasswordReset struct {
	Email string
	Stage ResetStage
}

// Authenticated holds a token. Verified=false means the token exists but
// the OTP step was never completed; such a session routes back to the
// OTP screen.
type Authenticated struct {
	User     authapi.User
	Verified bool
}

func (Anonymous) isPhase()             {}
func (AwaitingOTP) isPhase()           {}
func (AwaitingPasswordReset) isPhase() {}
func (Authenticated) isPhase()         {}

func (Anonymous) String() string   { return "anonymous" }
func (AwaitingOTP) String() string { return "awaiting_otp" }

func (p AwaitingPasswordReset) String() string {
	return "awaiting_password_reset(" + p.Stage.String() + ")"
}

func (p Authenticated) String() string {
	if p.Verified {
		return "authenticated(verified)"
	}
	return "authenticated(unverified)"
}

// IsVerified reports whether p is Authenticated{Verified: true}.
func IsVerified(p Phase) bool {
	a, ok := p.(Authenticated)
	return ok && a.Verified
}

// Markers are the derived presence flags views and the guard consume in
// place of raw storage keys.
type Markers struct {
	HasToken     bool
	OTPPending   bool
	ResetPending bool
}
