// Package authapi is the HTTP boundary to the dashboard backend's auth
// endpoints. Every call is bounded by a fixed timeout, carries the bearer
// token when one is held, and fails with a single normalized *autherr.Error.
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/al-bashkir/opsdash-auth/internal/autherr"
)

// DefaultTimeout bounds every call when Options.Timeout is zero.
const DefaultTimeout = 10 * time.Second

const maxResponseBytes = 1 << 20

// Displayable fallbacks, in precedence order after the server's own text.
const (
	MsgNetworkUnreachable = "Unable to reach the server. Please check your connection and try again."
	MsgRequestSetup       = "Something went wrong while preparing the request. Please try again."
	MsgUnexpectedResponse = "Unexpected response from the server."
)

// Operation names used in logs and passed to the unauthorized hook.
const (
	OpLogin           = "login"
	OpVerifyOTP       = "verify_otp"
	OpResendOTP       = "resend_otp"
	OpForgotPassword  = "forgot_password"
	OpVerifyForgotOTP = "verify_forgot_otp"
	OpResetPassword   = "reset_password"
	OpCurrentUser     = "current_user"
	OpUpdateProfile   = "update_profile"
	OpLogout          = "logout"
)

// Options configures a Client.
type Options struct {
	BaseURL string
	Timeout time.Duration
	Tokens  TokenSource
	// OnUnauthorized runs on every 401, before the error is returned,
	// whichever operation received it.
	OnUnauthorized func(op string)
	// Transport is the underlying round tripper; nil uses http.DefaultTransport.
	Transport http.RoundTripper
}

// Client calls the backend auth endpoints.
type Client struct {
	baseURL        *url.URL
	http           *http.Client
	onUnauthorized func(op string)
}

// New validates opts and returns a Client.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	u, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base URL must be http or https")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		baseURL: u,
		http: &http.Client{
			Timeout:   timeout,
			Transport: &bearerTransport{base: opts.Transport, tokens: opts.Tokens},
		},
		onUnauthorized: opts.OnUnauthorized,
	}, nil
}

// Login submits credentials.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	var resp LoginResponse
	if err := c.do(ctx, OpLogin, http.MethodPost, "/auth/login", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// VerifyOTP confirms the login passcode and receives the bearer token.
func (c *Client) VerifyOTP(ctx context.Context, req VerifyOTPRequest) (*AuthResponse, error) {
	var resp AuthResponse
	if err := c.do(ctx, OpVerifyOTP, http.MethodPost, "/auth/verify-otp", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResendOTP asks the backend to send a fresh login passcode.
func (c *Client) ResendOTP(ctx context.Context, req EmailRequest) (*SuccessResponse, error) {
	var resp SuccessResponse
	if err := c.do(ctx, OpResendOTP, http.MethodPost, "/auth/resend-otp", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ForgotPassword starts the password reset flow.
func (c *Client) ForgotPassword(ctx context.Context, req EmailRequest) (*SuccessResponse, error) {
	var resp SuccessResponse
	if err := c.do(ctx, OpForgotPassword, http.MethodPost, "/auth/forgot-password", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// VerifyForgotOTP confirms the password reset passcode.
func (c *Client) VerifyForgotOTP(ctx context.Context, req VerifyOTPRequest) (*SuccessResponse, error) {
	var resp SuccessResponse
	if err := c.do(ctx, OpVerifyForgotOTP, http.MethodPost, "/auth/verify-forgot-otp", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResetPassword sets the new password.
func (c *Client) ResetPassword(ctx context.Context, req ResetPasswordRequest) (*SuccessResponse, error) {
	var resp SuccessResponse
	if err := c.do(ctx, OpResetPassword, http.MethodPost, "/auth/reset-password", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CurrentUser fetches the authenticated user.
func (c *Client) CurrentUser(ctx context.Context) (*UserResponse, error) {
	var resp UserResponse
	if err := c.do(ctx, OpCurrentUser, http.MethodGet, "/auth/me", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateProfile changes profile fields of the authenticated user.
func (c *Client) UpdateProfile(ctx context.Context, req ProfileUpdate) (*UserResponse, error) {
	var resp UserResponse
	if err := c.do(ctx, OpUpdateProfile, http.MethodPut, "/auth/profile", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Logout ends the server-side session.
func (c *Client) Logout(ctx context.Context) (*SuccessResponse, error) {
	var resp SuccessResponse
	if err := c.do(ctx, OpLogout, http.MethodPost, "/auth/logout", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	requestID := uuid.NewString()
	start := time.Now()

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		slog.Error("auth request setup failed", "op", op, "request_id", requestID, "error", err)
		return &autherr.Error{Kind: autherr.KindNetwork, Message: MsgRequestSetup, Err: err}
	}
	req.Header.Set("X-Request-ID", requestID)

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Warn("auth request failed", // #nosec G706 -- op is a constant
			"op", op,
			"request_id", requestID,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return &autherr.Error{Kind: autherr.KindNetwork, Message: MsgNetworkUnreachable, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &autherr.Error{Kind: autherr.KindNetwork, Message: MsgNetworkUnreachable, Status: resp.StatusCode, Err: err}
	}

	slog.Debug("auth request completed",
		"op", op,
		"request_id", requestID,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode == http.StatusUnauthorized {
		if c.onUnauthorized != nil {
			c.onUnauthorized(op)
		}
		return &autherr.Error{
			Kind:    autherr.KindAuthExpired,
			Message: serverMessage(resp.StatusCode, data),
			Status:  resp.StatusCode,
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &autherr.Error{
			Kind:    autherr.KindServer,
			Message: serverMessage(resp.StatusCode, data),
			Status:  resp.StatusCode,
		}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := decodePayload(data, out); err != nil {
		return &autherr.Error{Kind: autherr.KindServer, Message: MsgUnexpectedResponse, Status: resp.StatusCode, Err: err}
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// decodePayload accepts both a bare payload and one wrapped in {"data": …}.
func decodePayload(data []byte, out any) error {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil {
		trimmed := bytes.TrimSpace(envelope.Data)
		if len(trimmed) > 0 && trimmed[0] == '{' {
			data = trimmed
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// serverMessage applies the display precedence: the server's message, then
// its error code text, then a status-derived text.
func serverMessage(status int, data []byte) string {
	var body errorBody
	if err := json.Unmarshal(data, &body); err == nil {
		if m := strings.TrimSpace(body.Message); m != "" {
			return m
		}
		if m := strings.TrimSpace(body.Error); m != "" {
			return m
		}
		if m := strings.TrimSpace(body.Code); m != "" {
			return m
		}
	}
	if text := http.StatusText(status); text != "" {
		return fmt.Sprintf("Request failed with status %d (%s)", status, text)
	}
	return fmt.Sprintf("Request failed with status %d", status)
}

// IsAuthExpired reports whether err came from a 401.
func IsAuthExpired(err error) bool {
	var ae *autherr.Error
	return errors.As(err, &ae) && ae.Kind == autherr.KindAuthExpired
}
