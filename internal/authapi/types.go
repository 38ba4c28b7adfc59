package authapi

// User is the account record returned by the backend.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is returned by POST /auth/login.
// OTPRequired is the explicit server-reported flag; nil means the server
// did not say, which callers must not interpret as either value.
type LoginResponse struct {
	User        *User  `json:"user,omitempty"`
	Token       string `json:"token,omitempty"`
	OTPRequired *bool  `json:"otpRequired,omitempty"`
}

// VerifyOTPRequest is the body of POST /auth/verify-otp and
// POST /auth/verify-forgot-otp.
type VerifyOTPRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

// AuthResponse carries the credentials issued after OTP verification.
type AuthResponse struct {
	User  *User  `json:"user,omitempty"`
	Token string `json:"token"`
}

// EmailRequest is the body of the resend and forgot-password endpoints.
type EmailRequest struct {
	Email string `json:"email"`
}

// ResetPasswordRequest is the body of POST /auth/reset-password.
// Token is the passcode verified in the previous step.
type ResetPasswordRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Token    string `json:"token"`
}

// SuccessResponse is the generic acknowledgement payload.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// UserResponse wraps a user record.
type UserResponse struct {
	User *User `json:"user"`
}

// ProfileUpdate carries the editable profile fields; empty fields are
// left untouched by the server.
type ProfileUpdate struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// errorBody is the shape of a non-2xx response.
type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}
