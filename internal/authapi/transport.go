package authapi

import (
	"net/http"

	"golang.org/x/oauth2"
)

// TokenSource supplies the current bearer token. ok=false means no token
// is held and no Authorization header may be sent.
type TokenSource interface {
	AccessToken() (token string, ok bool)
}

// bearerTransport attaches the bearer token on every request. The token is
// looked up per request so a cleared token is never reused.
type bearerTransport struct {
	base   http.RoundTripper
	tokens TokenSource
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Del("Authorization")

	if t.tokens != nil {
		if tok, ok := t.tokens.AccessToken(); ok && tok != "" {
			(&oauth2.Token{AccessToken: tok, TokenType: "Bearer"}).SetAuthHeader(r)
		}
	}

	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(r)
}
