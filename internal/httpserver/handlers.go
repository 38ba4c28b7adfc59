package httpserver

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/al-bashkir/opsdash-auth/internal/authapi"
	"github.com/al-bashkir/opsdash-auth/internal/autherr"
	"github.com/al-bashkir/opsdash-auth/internal/flows"
	"github.com/al-bashkir/opsdash-auth/internal/guard"
	"github.com/al-bashkir/opsdash-auth/internal/logsanitize"
	"github.com/al-bashkir/opsdash-auth/internal/session"
	"github.com/al-bashkir/opsdash-auth/internal/validate"
)

// PathProfile is the profile form endpoint under the protected dashboard prefix.
const PathProfile = guard.PathDashboard + "/profile"

// afterSubmit finishes a form post: on success, redirect to wherever the new
// phase belongs; on failure, re-render the form unless the failure moved the
// session somewhere this page is no longer allowed.
func (s *Server) afterSubmit(w http.ResponseWriter, r *http.Request, tmpl string, data pageData, err error) {
	snap := s.deps.Machine.Snapshot()

	switch {
	case err == nil:
		http.Redirect(w, r, guard.Home(guard.FromSnapshot(snap, r.URL.Path)), http.StatusSeeOther)
		return
	case errors.Is(err, flows.ErrDiscarded):
		return
	case errors.Is(err, session.ErrBusy):
		s.renderLoading(w, r)
		return
	}

	if d := guard.Decide(guard.FromSnapshot(snap, r.URL.Path)); d.Verdict == guard.Redirect {
		http.Redirect(w, r, d.Target, http.StatusSeeOther)
		return
	}
	if errors.Is(err, session.ErrInvalidTransition) {
		http.Redirect(w, r, guard.Home(guard.FromSnapshot(snap, r.URL.Path)), http.StatusSeeOther)
		return
	}

	status := formError(&data, err)
	slog.Info("form rejected", // #nosec G706 -- values sanitized via logsanitize
		"path", logsanitize.Sanitize(r.URL.Path),
		"kind", autherr.KindOf(err).String(),
		"status", status,
	)
	s.render(w, tmpl, status, data)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, guard.PathDashboard, http.StatusSeeOther)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.renderError(w, http.StatusNotFound, "The page you requested does not exist.")
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	data := s.page("Sign in", r)
	if snap := s.deps.Machine.Snapshot(); snap.LastError != nil && snap.LastError.Kind == autherr.KindAuthExpired {
		data.Error = snap.LastError.Message
	}
	s.render(w, "login.html", http.StatusOK, data)
}

func (s *Server) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	email := r.PostFormValue("email")
	err := s.deps.Flows.Login.Submit(r.Context(), email, r.PostFormValue("password"))

	data := s.page("Sign in", r)
	data.Email = email
	s.afterSubmit(w, r, "login.html", data, err)
}

func (s *Server) otpPage(r *http.Request) pageData {
	data := s.page("Verify your login", r)
	switch p := s.deps.Machine.Phase().(type) {
	case session.AwaitingOTP:
		data.Email = p.Email
	case session.Authenticated:
		data.Email = p.User.Email
	}
	return data
}

func (s *Server) handleOTPPage(w http.ResponseWriter, r *http.Request) {
	s.render(w, "otp.html", http.StatusOK, s.otpPage(r))
}

func (s *Server) handleOTPSubmit(w http.ResponseWriter, r *http.Request) {
	data := s.otpPage(r)

	if r.PostFormValue("action") == "resend" {
		err := s.deps.Flows.OTP.Resend(r.Context())
		if err == nil {
			http.Redirect(w, r, guard.PathOTP+"?notice=otp-sent", http.StatusSeeOther)
			return
		}
		s.afterSubmit(w, r, "otp.html", data, err)
		return
	}

	err := s.deps.Flows.OTP.Verify(r.Context(), r.PostFormValue("otp"))
	s.afterSubmit(w, r, "otp.html", data, err)
}

func (s *Server) handleForgotPage(w http.ResponseWriter, r *http.Request) {
	s.render(w, "forgot.html", http.StatusOK, s.page("Reset your password", r))
}

func (s *Server) handleForgotSubmit(w http.ResponseWriter, r *http.Request) {
	email := r.PostFormValue("email")
	err := s.deps.Flows.PasswordReset.Request(r.Context(), email)

	data := s.page("Reset your password", r)
	data.Email = email
	s.afterSubmit(w, r, "forgot.html", data, err)
}

func (s *Server) resetPage(title string, r *http.Request) pageData {
	data := s.page(title, r)
	if p, ok := s.deps.Machine.Phase().(session.AwaitingPasswordReset); ok {
		data.Email = p.Email
	}
	return data
}

func (s *Server) handleForgotVerifyPage(w http.ResponseWriter, r *http.Request) {
	s.render(w, "forgot_verify.html", http.StatusOK, s.resetPage("Enter your reset code", r))
}

func (s *Server) handleForgotVerifySubmit(w http.ResponseWriter, r *http.Request) {
	data := s.resetPage("Enter your reset code", r)

	if r.PostFormValue("action") == "resend" {
		err := s.deps.Flows.PasswordReset.Request(r.Context(), data.Email)
		if err == nil {
			http.Redirect(w, r, guard.PathForgotVerify+"?notice=code-sent", http.StatusSeeOther)
			return
		}
		s.afterSubmit(w, r, "forgot_verify.html", data, err)
		return
	}

	err := s.deps.Flows.PasswordReset.Verify(r.Context(), r.PostFormValue("otp"))
	s.afterSubmit(w, r, "forgot_verify.html", data, err)
}

func (s *Server) handleForgotResetPage(w http.ResponseWriter, r *http.Request) {
	data := s.resetPage("Choose a new password", r)
	data.Requirements = validate.PasswordRequirements("")
	s.render(w, "forgot_reset.html", http.StatusOK, data)
}

func (s *Server) handleForgotResetSubmit(w http.ResponseWriter, r *http.Request) {
	password := r.PostFormValue("password")
	err := s.deps.Flows.PasswordReset.Reset(r.Context(), password, r.PostFormValue("confirm_password"))
	if err == nil {
		http.Redirect(w, r, guard.PathLogin+"?notice=password-reset", http.StatusSeeOther)
		return
	}

	data := s.resetPage("Choose a new password", r)
	data.Requirements = validate.PasswordRequirements(password)
	s.afterSubmit(w, r, "forgot_reset.html", data, err)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data := s.page("Dashboard", r)

	snap := s.deps.Machine.Snapshot()
	data.User = snap.User
	if data.User == nil || data.User.ID == "" {
		u, err := s.deps.Flows.Account.CurrentUser(r.Context())
		if err != nil {
			s.afterSubmit(w, r, "dashboard.html", data, err)
			return
		}
		data.User = u
	}

	s.render(w, "dashboard.html", http.StatusOK, data)
}

func (s *Server) handleProfileSubmit(w http.ResponseWriter, r *http.Request) {
	upd := authapi.ProfileUpdate{
		Name:  r.PostFormValue("name"),
		Phone: r.PostFormValue("phone"),
	}
	_, err := s.deps.Flows.Account.UpdateProfile(r.Context(), upd)
	if err == nil {
		http.Redirect(w, r, guard.PathDashboard+"?notice=profile-saved", http.StatusSeeOther)
		return
	}

	data := s.page("Dashboard", r)
	data.User = s.deps.Machine.Snapshot().User
	s.afterSubmit(w, r, "dashboard.html", data, err)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Flows.Account.Logout(r.Context()); err != nil {
		slog.Warn("logout could not reach the server; session cleared locally", "error", err)
	}
	http.Redirect(w, r, guard.PathLogin+"?notice=logged-out", http.StatusSeeOther)
}
