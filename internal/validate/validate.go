// Package validate implements the client-side input checks run by the flow
// controllers before any request leaves the process.
package validate

import (
	"net/mail"
	"strings"
	"unicode"

	"github.com/al-bashkir/opsdash-auth/internal/autherr"
)

// OTPLength is the number of digits in a one-time passcode.
const OTPLength = 6

// MinPasswordLength is the shortest password accepted by the strength policy.
const MinPasswordLength = 8

// Field names reported on validation errors.
const (
	FieldEmail           = "email"
	FieldPassword        = "password"
	FieldConfirmPassword = "confirm_password"
	FieldOTP             = "otp"
	FieldName            = "name"
)

// Requirement is one rule of the password-strength policy.
type Requirement struct {
	ID    string
	Label string
	Met   bool
}

type rule struct {
	id    string
	label string
	check func(string) bool
}

var passwordRules = []rule{
	{"length", "At least 8 characters", func(s string) bool { return len([]rune(s)) >= MinPasswordLength }},
	{"uppercase", "One uppercase letter", func(s string) bool { return strings.IndexFunc(s, unicode.IsUpper) >= 0 }},
	{"lowercase", "One lowercase letter", func(s string) bool { return strings.IndexFunc(s, unicode.IsLower) >= 0 }},
	{"number", "One number", func(s string) bool { return strings.IndexFunc(s, unicode.IsDigit) >= 0 }},
	{"special", "One special character", func(s string) bool { return strings.IndexFunc(s, isSymbol) >= 0 }},
}

func isSymbol(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}

// PasswordRequirements evaluates every rule of the policy against password.
// All rules are reported, met or not, in a stable order.
func PasswordRequirements(password string) []Requirement {
	reqs := make([]Requirement, 0, len(passwordRules))
	for _, r := range passwordRules {
		reqs = append(reqs, Requirement{ID: r.id, Label: r.label, Met: r.check(password)})
	}
	return reqs
}

// Unmet filters reqs down to the rules that failed.
func Unmet(reqs []Requirement) []Requirement {
	var out []Requirement
	for _, r := range reqs {
		if !r.Met {
			out = append(out, r)
		}
	}
	return out
}

// Email checks that email is present and well formed.
func Email(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return autherr.Validation(FieldEmail, "Email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return autherr.Validation(FieldEmail, "Please enter a valid email address")
	}
	at := strings.LastIndexByte(email, '@')
	domain := email[at+1:]
	if !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return autherr.Validation(FieldEmail, "Please enter a valid email address")
	}
	return nil
}

// LoginPassword only requires a non-empty password; strength is enforced
// when a password is chosen, not when it is presented.
func LoginPassword(password string) error {
	if password == "" {
		return autherr.Validation(FieldPassword, "Password is required")
	}
	return nil
}

// Password enforces the strength policy. The message lists every unmet rule.
func Password(password string) error {
	if password == "" {
		return autherr.Validation(FieldPassword, "Password is required")
	}
	unmet := Unmet(PasswordRequirements(password))
	if len(unmet) == 0 {
		return nil
	}
	labels := make([]string, len(unmet))
	for i, r := range unmet {
		labels[i] = strings.ToLower(r.Label)
	}
	return autherr.Validation(FieldPassword, "Password must contain "+strings.Join(labels, ", "))
}

// ConfirmPassword checks the repeated password on the reset form.
func ConfirmPassword(password, confirm string) error {
	if password != confirm {
		return autherr.Validation(FieldConfirmPassword, "Passwords do not match")
	}
	return nil
}

// OTP checks a one-time passcode: present, numeric, exactly OTPLength digits.
func OTP(otp string) error {
	otp = strings.TrimSpace(otp)
	if otp == "" {
		return autherr.Validation(FieldOTP, "OTP is required")
	}
	for _, r := range otp {
		if r < '0' || r > '9' {
			return autherr.Validation(FieldOTP, "OTP must contain only numbers")
		}
	}
	if len(otp) != OTPLength {
		return autherr.Validation(FieldOTP, "OTP must be exactly 6 digits")
	}
	return nil
}

// Name checks a display name on profile updates.
func Name(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return autherr.Validation(FieldName, "Name is required")
	}
	if len([]rune(name)) > 100 {
		return autherr.Validation(FieldName, "Name must be at most 100 characters")
	}
	return nil
}
