package flows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/al-bashkir/opsdash-auth/internal/authapi"
	"github.com/al-bashkir/opsdash-auth/internal/autherr"
	"github.com/al-bashkir/opsdash-auth/internal/session"
	"github.com/al-bashkir/opsdash-auth/internal/validate"
)

// Account covers the authenticated user's own record and logout.
type Account struct {
	*runner
}

// CurrentUser fetches the signed-in user and stores it on the session.
func (a *Account) CurrentUser(ctx context.Context) (*authapi.User, error) {
	if _, ok := a.m.Phase().(session.Authenticated); !ok {
		return nil, fmt.Errorf("%w: not signed in", session.ErrInvalidTransition)
	}

	var resp *authapi.UserResponse
	err := a.run(ctx, authapi.OpCurrentUser,
		func(ctx context.Context) (err error) {
			resp, err = a.api.CurrentUser(ctx)
			return err
		},
		func(txn *session.Txn) error {
			if resp == nil || resp.User == nil {
				return &autherr.Error{Kind: autherr.KindServer, Message: authapi.MsgUnexpectedResponse}
			}
			return txn.UserLoaded(resp.User)
		})
	if err != nil {
		return nil, err
	}
	u := *resp.User
	return &u, nil
}

// UpdateProfile validates and saves the non-empty fields of upd.
func (a *Account) UpdateProfile(ctx context.Context, upd authapi.ProfileUpdate) (*authapi.User, error) {
	upd.Name = strings.TrimSpace(upd.Name)
	upd.Email = strings.TrimSpace(upd.Email)
	upd.Phone = strings.TrimSpace(upd.Phone)

	if upd == (authapi.ProfileUpdate{}) {
		return nil, autherr.Validation(validate.FieldName, "Nothing to update")
	}
	if upd.Name != "" {
		if err := validate.Name(upd.Name); err != nil {
			return nil, err
		}
	}
	if upd.Email != "" {
		if err := validate.Email(upd.Email); err != nil {
			return nil, err
		}
	}
	if !session.IsVerified(a.m.Phase()) {
		return nil, fmt.Errorf("%w: not signed in", session.ErrInvalidTransition)
	}

	var resp *authapi.UserResponse
	err := a.run(ctx, authapi.OpUpdateProfile,
		func(ctx context.Context) (err error) {
			resp, err = a.api.UpdateProfile(ctx, upd)
			return err
		},
		func(txn *session.Txn) error {
			if resp == nil || resp.User == nil {
				return &autherr.Error{Kind: autherr.KindServer, Message: authapi.MsgUnexpectedResponse}
			}
			return txn.ProfileUpdated(resp.User)
		})
	if err != nil {
		return nil, err
	}
	u := *resp.User
	return &u, nil
}

// Logout tells the server and then clears the session locally. The local
// teardown always happens; the returned error only reports that the server
// could not be told.
func (a *Account) Logout(ctx context.Context) error {
	defer a.m.Logout()

	if _, hasToken := a.m.AccessToken(); !hasToken {
		return nil
	}

	err := a.run(ctx, authapi.OpLogout,
		func(ctx context.Context) error {
			_, err := a.api.Logout(ctx)
			return err
		},
		func(*session.Txn) error { return nil })

	switch {
	case err == nil, errors.Is(err, ErrDiscarded), autherr.KindOf(err) == autherr.KindAuthExpired:
		return nil
	case errors.Is(err, session.ErrBusy):
		slog.Warn("logout while another request is in flight; clearing locally")
		return nil
	}
	return err
}
