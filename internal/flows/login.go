package flows

import (
	"context"
	"strings"

	"github.com/al-bashkir/opsdash-auth/internal/authapi"
	"github.com/al-bashkir/opsdash-auth/internal/session"
	"github.com/al-bashkir/opsdash-auth/internal/validate"
)

// Login submits credentials.
type Login struct {
	*runner
}

// Submit validates the credentials and logs in. On success the session is
// either AwaitingOTP or verified, as reported by the server.
func (l *Login) Submit(ctx context.Context, email, password string) error {
	email = strings.TrimSpace(email)
	if err := validate.Email(email); err != nil {
		return err
	}
	if err := validate.LoginPassword(password); err != nil {
		return err
	}

	var resp *authapi.LoginResponse
	return l.run(ctx, authapi.OpLogin,
		func(ctx context.Context) (err error) {
			resp, err = l.api.Login(ctx, authapi.LoginRequest{Email: email, Password: password})
			return err
		},
		func(txn *session.Txn) error {
			return txn.LoginSucceeded(email, resp)
		})
}
