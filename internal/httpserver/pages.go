package httpserver

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/al-bashkir/opsdash-auth/internal/authapi"
	"github.com/al-bashkir/opsdash-auth/internal/autherr"
	"github.com/al-bashkir/opsdash-auth/internal/validate"
)

// pageData is the model shared by every template.
type pageData struct {
	Title        string
	Error        string
	Field        string
	Notice       string
	Email        string
	User         *authapi.User
	Requirements []validate.Requirement
	Refresh      string
	Version      string
}

var notices = map[string]string{
	"password-reset": "Your password has been reset. Please log in.",
	"logged-out":     "You have been logged out.",
	"otp-sent":       "A new code has been sent to your email.",
	"code-sent":      "A new reset code has been sent to your email.",
	"profile-saved":  "Profile updated.",
}

func (s *Server) page(title string, r *http.Request) pageData {
	return pageData{
		Title:   title,
		Notice:  notices[r.URL.Query().Get("notice")],
		Version: s.deps.Version,
	}
}

// render writes the named template with status.
func (s *Server) render(w http.ResponseWriter, name string, status int, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)

	if err := s.templates.ExecuteTemplate(w, name, data); err != nil {
		slog.Error("failed to render template", "template", name, "error", err)
	}
}

// renderLoading is the Defer verdict: no content and no redirect, just a
// page that asks again shortly.
func (s *Server) renderLoading(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Retry-After", "1")
	s.render(w, "loading.html", http.StatusServiceUnavailable, pageData{
		Title:   "Please wait",
		Refresh: r.URL.Path,
		Version: s.deps.Version,
	})
}

// renderError renders the error page
func (s *Server) renderError(w http.ResponseWriter, status int, msg string) {
	s.render(w, "error.html", status, pageData{
		Title:   http.StatusText(status),
		Error:   msg,
		Version: s.deps.Version,
	})
}

// formError fills data from err and returns the status to render with.
func formError(data *pageData, err error) int {
	var ae *autherr.Error
	if !errors.As(err, &ae) {
		data.Error = "Something went wrong. Please try again."
		return http.StatusInternalServerError
	}

	data.Error = ae.Message
	data.Field = ae.Field
	switch ae.Kind {
	case autherr.KindValidation:
		return http.StatusUnprocessableEntity
	case autherr.KindNetwork:
		return http.StatusBadGateway
	case autherr.KindAuthExpired:
		return http.StatusUnauthorized
	default:
		if ae.Status >= 400 && ae.Status < 500 {
			return ae.Status
		}
		return http.StatusBadGateway
	}
}
