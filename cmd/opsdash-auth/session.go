package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/al-bashkir/opsdash-auth/internal/authapi"
	"github.com/al-bashkir/opsdash-auth/internal/daemon"
	"github.com/al-bashkir/opsdash-auth/internal/guard"
	"github.com/al-bashkir/opsdash-auth/internal/logsanitize"
	"github.com/al-bashkir/opsdash-auth/internal/session"
)

// Session command flags
var (
	passwordFile string
	resetOTP     string
	profileName  string
	profilePhone string
	profileEmail string
)

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Sign in with email and password",
	Long: `Submit credentials to the backend. When the account requires a
one-time passcode, the session waits for "otp verify".

The password is read from --password-file, or prompted for without echo.`,
	Args: cobra.ExactArgs(1),
	RunE: runLogin,
}

var otpCmd = &cobra.Command{
	Use:   "otp",
	Short: "Complete the passcode step of a login",
}

var otpVerifyCmd = &cobra.Command{
	Use:   "verify <code>",
	Short: "Submit the passcode sent to your email",
	Args:  cobra.ExactArgs(1),
	RunE:  runOTPVerify,
}

var otpResendCmd = &cobra.Command{
	Use:   "resend",
	Short: "Send a new passcode",
	Args:  cobra.NoArgs,
	RunE:  runOTPResend,
}

var passwordCmd = &cobra.Command{
	Use:   "password",
	Short: "Recover a forgotten password",
}

var passwordForgotCmd = &cobra.Command{
	Use:   "forgot <email>",
	Short: "Request a password reset code",
	Args:  cobra.ExactArgs(1),
	RunE:  runPasswordForgot,
}

var passwordVerifyCmd = &cobra.Command{
	Use:   "verify <code>",
	Short: "Check a password reset code",
	Args:  cobra.ExactArgs(1),
	RunE:  runPasswordVerify,
}

var passwordResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Choose a new password",
	Long: `Verify the reset code given with --otp and set a new password.
Both steps run in this invocation; only the requested email is remembered
between invocations.`,
	Args: cobra.NoArgs,
	RunE: runPasswordReset,
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in user",
	Args:  cobra.NoArgs,
	RunE:  runWhoami,
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage the signed-in user's profile",
}

var profileUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Change name, phone or email",
	Args:  cobra.NoArgs,
	RunE:  runProfileUpdate,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and clear the local session",
	Args:  cobra.NoArgs,
	RunE:  runLogout,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the local session state",
	Long:  `Print the session phase and markers without contacting the backend.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var routeCmd = &cobra.Command{
	Use:   "route <path>",
	Short: "Check whether a console page is reachable",
	Long: `Evaluate the route guard for a console path against the local session.

Exit codes:
  0 = The page is shown
  2 = The session is sent elsewhere (the target is printed)`,
	Args: cobra.ExactArgs(1),
	RunE: runRoute,
}

func addSessionCommands(root *cobra.Command) {
	loginCmd.Flags().StringVar(&passwordFile, "password-file", "",
		"Read the password from this file instead of prompting")

	passwordResetCmd.Flags().StringVar(&resetOTP, "otp", "", "Reset code from the email (required)")
	passwordResetCmd.Flags().StringVar(&passwordFile, "password-file", "",
		"Read the new password from this file instead of prompting")
	_ = passwordResetCmd.MarkFlagRequired("otp")

	profileUpdateCmd.Flags().StringVar(&profileName, "name", "", "New display name")
	profileUpdateCmd.Flags().StringVar(&profilePhone, "phone", "", "New phone number")
	profileUpdateCmd.Flags().StringVar(&profileEmail, "email", "", "New email address")

	otpCmd.AddCommand(otpVerifyCmd, otpResendCmd)
	passwordCmd.AddCommand(passwordForgotCmd, passwordVerifyCmd, passwordResetCmd)
	profileCmd.AddCommand(profileUpdateCmd)

	root.AddCommand(loginCmd, otpCmd, passwordCmd, whoamiCmd, profileCmd,
		logoutCmd, statusCmd, routeCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	password, err := readPassword(passwordFile, "Password: ")
	if err != nil {
		return err
	}
	return withApp(func(ctx context.Context, app *daemon.App) error {
		if err := app.Flows.Login.Submit(ctx, args[0], password); err != nil {
			return err
		}
		printNext(output(cmd), app.Machine.Snapshot())
		return nil
	})
}

func runOTPVerify(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, app *daemon.App) error {
		if err := app.Flows.OTP.Verify(ctx, args[0]); err != nil {
			return err
		}
		printNext(output(cmd), app.Machine.Snapshot())
		return nil
	})
}

func runOTPResend(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, app *daemon.App) error {
		if err := app.Flows.OTP.Resend(ctx); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(output(cmd), "A new code has been sent.")
		return nil
	})
}

func runPasswordForgot(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, app *daemon.App) error {
		if err := app.Flows.PasswordReset.Request(ctx, args[0]); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(output(cmd),
			"A reset code has been sent to %s.\nRun: opsdash-auth password reset --otp <code>\n",
			logsanitize.MaskEmail(args[0]))
		return nil
	})
}

func runPasswordVerify(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, app *daemon.App) error {
		if err := app.Flows.PasswordReset.Verify(ctx, args[0]); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(output(cmd), "Code accepted.")
		_, _ = fmt.Fprintln(output(cmd), "Run: opsdash-auth password reset --otp <code>")
		return nil
	})
}

func runPasswordReset(cmd *cobra.Command, args []string) error {
	password, confirm, err := readNewPassword(passwordFile)
	if err != nil {
		return err
	}
	return withApp(func(ctx context.Context, app *daemon.App) error {
		if err := app.Flows.PasswordReset.Verify(ctx, resetOTP); err != nil {
			return err
		}
		if err := app.Flows.PasswordReset.Reset(ctx, password, confirm); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(output(cmd), "Password updated. Sign in with: opsdash-auth login <email>")
		return nil
	})
}

func runWhoami(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, app *daemon.App) error {
		user, err := app.Flows.Account.CurrentUser(ctx)
		if err != nil {
			return err
		}
		printUser(output(cmd), user, session.IsVerified(app.Machine.Phase()))
		return nil
	})
}

func runProfileUpdate(cmd *cobra.Command, args []string) error {
	upd := authapi.ProfileUpdate{
		Name:  profileName,
		Phone: profilePhone,
		Email: profileEmail,
	}
	return withApp(func(ctx context.Context, app *daemon.App) error {
		user, err := app.Flows.Account.UpdateProfile(ctx, upd)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(output(cmd), "Profile updated.")
		printUser(output(cmd), user, true)
		return nil
	})
}

func runLogout(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, app *daemon.App) error {
		if err := app.Flows.Account.Logout(ctx); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(output(cmd), "Signed out.")
		return nil
	})
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, app *daemon.App) error {
		out := output(cmd)
		snap := app.Machine.Snapshot()
		_, _ = fmt.Fprintf(out, "Phase:          %s\n", snap.Phase)
		if snap.User != nil {
			_, _ = fmt.Fprintf(out, "User:           %s\n", logsanitize.MaskEmail(snap.User.Email))
		}
		_, _ = fmt.Fprintf(out, "Token:          %v\n", snap.Markers.HasToken)
		_, _ = fmt.Fprintf(out, "OTP pending:    %v\n", snap.Markers.OTPPending)
		_, _ = fmt.Fprintf(out, "Reset pending:  %v\n", snap.Markers.ResetPending)
		_, _ = fmt.Fprintf(out, "Storage:        %s\n", app.Store.Backend())
		if app.Store.Degraded() {
			_, _ = fmt.Fprintln(out, "                degraded: changes are kept in memory only")
		}
		_, _ = fmt.Fprintf(out, "Next page:      %s\n", guard.Home(guard.FromSnapshot(snap, guard.PathRoot)))
		return nil
	})
}

func runRoute(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, app *daemon.App) error {
		in := guard.FromSnapshot(app.Machine.Snapshot(), args[0])
		d := guard.Decide(in)
		_, _ = fmt.Fprintln(output(cmd), d)
		if d.Verdict != guard.Allow {
			overrideExitCode = ExitRedirect
		}
		return nil
	})
}

// printNext tells the user which step follows the current session state.
func printNext(out io.Writer, snap session.Snapshot) {
	switch p := snap.Phase.(type) {
	case session.AwaitingOTP:
		_, _ = fmt.Fprintf(out, "A passcode has been sent to %s.\n", logsanitize.MaskEmail(p.Email))
		_, _ = fmt.Fprintln(out, "Run: opsdash-auth otp verify <code>")
	case session.Authenticated:
		if !p.Verified {
			_, _ = fmt.Fprintln(out, "Passcode confirmation is still required.")
			_, _ = fmt.Fprintln(out, "Run: opsdash-auth otp verify <code>")
			return
		}
		name := p.User.Name
		if name == "" {
			name = p.User.Email
		}
		_, _ = fmt.Fprintf(out, "Signed in as %s.\n", name)
	default:
		_, _ = fmt.Fprintf(out, "Session: %s\n", snap.Phase)
	}
}

func printUser(out io.Writer, u *authapi.User, verified bool) {
	_, _ = fmt.Fprintf(out, "ID:       %s\n", u.ID)
	if u.Name != "" {
		_, _ = fmt.Fprintf(out, "Name:     %s\n", u.Name)
	}
	_, _ = fmt.Fprintf(out, "Email:    %s\n", u.Email)
	if u.Role != "" {
		_, _ = fmt.Fprintf(out, "Role:     %s\n", u.Role)
	}
	if u.Phone != "" {
		_, _ = fmt.Fprintf(out, "Phone:    %s\n", u.Phone)
	}
	_, _ = fmt.Fprintf(out, "Verified: %v\n", verified)
}
