// Package guard decides whether a route may be shown for the current session.
//
// Decide is the only route guard in the program. The console router and the
// CLI route command both call it; neither keeps its own rules.
package guard

import (
	"path"
	"strings"

	"github.com/al-bashkir/opsdash-auth/internal/session"
)

// Route paths.
const (
	PathRoot           = "/"
	PathLogin          = "/login"
	PathOTP            = "/otp"
	PathForgotPassword = "/forgot-password"
	PathForgotVerify   = "/forgot-password/verify"
	PathForgotReset    = "/forgot-password/reset"
	PathDashboard      = "/dashboard"
	PathLogout         = "/logout"
)

// Verdict is the outcome of a route decision.
type Verdict int

const (
	// Allow renders the requested route.
	Allow Verdict = iota
	// Redirect navigates to Decision.Target.
	Redirect
	// Defer renders neither content nor a redirect; the caller shows a
	// loading indicator and asks again once loading ends.
	Defer
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Redirect:
		return "redirect"
	case Defer:
		return "defer"
	default:
		return "unknown"
	}
}

// Decision is the result of Decide.
type Decision struct {
	Verdict Verdict
	Target  string
}

func (d Decision) String() string {
	if d.Verdict == Redirect {
		return "redirect " + d.Target
	}
	return d.Verdict.String()
}

// Input is everything a route decision depends on.
type Input struct {
	Phase   session.Phase
	Markers session.Markers
	Loading bool
	Path    string
}

// FromSnapshot builds an Input for p from a session snapshot.
func FromSnapshot(s session.Snapshot, p string) Input {
	return Input{Phase: s.Phase, Markers: s.Markers, Loading: s.Loading, Path: p}
}

// Class groups routes by the rule that governs them.
type Class int

const (
	ClassUnknown Class = iota
	ClassPublic
	ClassOTP
	ClassReset
	ClassProtected
	// ClassExit routes abandon whatever session or flow is in progress.
	ClassExit
)

func (c Class) String() string {
	switch c {
	case ClassPublic:
		return "public"
	case ClassOTP:
		return "otp"
	case ClassReset:
		return "password-reset"
	case ClassProtected:
		return "protected"
	case ClassExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Route describes one entry of the route surface.
type Route struct {
	Path  string
	Class Class
	// Stage is the reset stage required by ClassReset routes.
	Stage session.ResetStage
}

var routes = []Route{
	{Path: PathLogin, Class: ClassPublic},
	{Path: PathForgotPassword, Class: ClassPublic},
	{Path: PathOTP, Class: ClassOTP},
	{Path: PathForgotVerify, Class: ClassReset, Stage: session.StageRequestSent},
	{Path: PathForgotReset, Class: ClassReset, Stage: session.StageOTPVerified},
	{Path: PathDashboard, Class: ClassProtected},
	{Path: PathLogout, Class: ClassExit},
}

// Routes returns the route surface. The slice is a copy.
func Routes() []Route {
	out := make([]Route, len(routes))
	copy(out, routes)
	return out
}

// Clean normalizes a requested path: the query and fragment are dropped,
// the path is cleaned and a trailing slash is ignored.
func Clean(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if p == "" || p[0] != '/' {
		p = "/" + p
	}
	return path.Clean(p)
}

// Classify returns the route for p. Subpaths of /dashboard and the root are
// protected; anything else outside the route surface is ClassUnknown.
func Classify(p string) Route {
	p = Clean(p)
	for _, r := range routes {
		if r.Path == p {
			return r
		}
	}
	if p == PathRoot || strings.HasPrefix(p, PathDashboard+"/") {
		return Route{Path: p, Class: ClassProtected}
	}
	return Route{Path: p, Class: ClassUnknown}
}

// Decide maps the session and the requested path to a decision.
// It has no side effects; equal inputs always yield equal decisions.
func Decide(in Input) Decision {
	if in.Loading {
		return Decision{Verdict: Defer}
	}

	verified := session.IsVerified(in.Phase)
	route := Classify(in.Path)

	switch route.Class {
	case ClassPublic:
		if verified {
			return redirect(PathDashboard)
		}
		return allow()

	case ClassOTP:
		if verified {
			return redirect(PathDashboard)
		}
		if in.Markers.OTPPending {
			return allow()
		}
		return redirect(PathLogin)

	case ClassReset:
		if p, ok := in.Phase.(session.AwaitingPasswordReset); ok && p.Stage.AtLeast(route.Stage) {
			return allow()
		}
		return redirect(PathForgotPassword)

	case ClassProtected:
		if verified {
			return allow()
		}
		if in.Markers.OTPPending {
			return redirect(PathOTP)
		}
		return redirect(PathLogin)

	case ClassExit:
		if _, anonymous := in.Phase.(session.Anonymous); anonymous && !in.Markers.HasToken {
			return redirect(PathLogin)
		}
		return allow()
	}

	return redirect(PathLogin)
}

// Home returns where a session in in belongs: the page its phase is
// working towards. Forms redirect here after a successful step.
func Home(in Input) string {
	if session.IsVerified(in.Phase) {
		return PathDashboard
	}
	if p, ok := in.Phase.(session.AwaitingPasswordReset); ok {
		if p.Stage.AtLeast(session.StageOTPVerified) {
			return PathForgotReset
		}
		return PathForgotVerify
	}
	if in.Markers.OTPPending {
		return PathOTP
	}
	return PathLogin
}

func allow() Decision { return Decision{Verdict: Allow} }

func redirect(target string) Decision {
	return Decision{Verdict: Redirect, Target: target}
}
