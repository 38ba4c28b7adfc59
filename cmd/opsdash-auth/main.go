package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/al-bashkir/opsdash-auth/internal/autherr"
	"github.com/al-bashkir/opsdash-auth/internal/config"
	"github.com/al-bashkir/opsdash-auth/internal/daemon"
)

// Version information (set via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Global flags
var (
	configFile string
	logLevel   string
	logFormat  string
)

// Exit codes
const (
	ExitSuccess  = 0
	ExitError    = 1
	ExitRedirect = 2 // route: the path is not shown for the current session
	ExitConfig   = 3
)

var rootCmd = &cobra.Command{
	Use:   "opsdash-auth",
	Short: "Opsdash authentication client",
	Long: `Sign in to the operations dashboard and manage the local session.

Each invocation loads the persisted session (token and pending-flow markers),
runs one step, and saves the result for the next invocation:

  opsdash-auth login ops@example.com
  opsdash-auth otp verify 123456
  opsdash-auth whoami

The serve command runs the same session behind a local web console.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the operator console",
	Long: `Serve the login, OTP, password reset and dashboard pages on the
configured listen address. Every page is checked against the session before
it is rendered; a session whose token expires is returned to the login page.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

// overrideExitCode is set by subcommands (route, check-config, config
// failures) so main() can call os.Exit() after cobra finishes. -1 means
// "use default".
var overrideExitCode = -1

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Long:  `Display version, commit hash, and build date.`,
	Run:   runVersion,
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate configuration file",
	Long: `Load and validate the configuration file without touching the session.

Exit codes:
  0 = Configuration is valid
  3 = Configuration error`,
	RunE: runCheckConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", config.DefaultPath(),
		"Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (debug, info, warn, error) - overrides config file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format (json, text) - overrides config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkConfigCmd)
	addSessionCommands(rootCmd)
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", autherr.Message(err))
	}

	// Exit codes are applied outside RunE so deferred functions run properly.
	switch {
	case overrideExitCode >= 0:
		os.Exit(overrideExitCode)
	case err != nil:
		os.Exit(ExitError)
	}
}

// loadConfig reads the config file (defaults when it does not exist),
// applies the logging flags and installs the logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(configFile)
	if err != nil {
		overrideExitCode = ExitConfig
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	config.SetupLogging(&cfg.Log)
	return cfg, nil
}

// withApp loads the session and runs fn with a context that is cancelled
// on SIGINT or SIGTERM.
func withApp(fn func(ctx context.Context, app *daemon.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := daemon.NewApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := app.Close(); cerr != nil {
			slog.Warn("failed to close token storage", "error", cerr)
		}
	}()

	return fn(ctx, app)
}

// runServe starts the console
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	slog.Info("starting opsdash-auth console",
		"version", version,
		"commit", commit,
		"build_date", buildDate,
		"config", configFile,
	)

	d, err := daemon.New(cfg, version)
	if err != nil {
		slog.Error("failed to create console", "error", err)
		return fmt.Errorf("failed to create console: %w", err)
	}

	return d.Run()
}

// output returns where a command prints its results.
func output(cmd *cobra.Command) io.Writer {
	if cmd == nil {
		return os.Stdout
	}
	return cmd.OutOrStdout()
}

// runVersion displays version information
func runVersion(cmd *cobra.Command, args []string) {
	out := output(cmd)
	_, _ = fmt.Fprintf(out, "opsdash-auth version %s\n", version)
	_, _ = fmt.Fprintf(out, "  Commit:     %s\n", commit)
	_, _ = fmt.Fprintf(out, "  Build date: %s\n", buildDate)
	_, _ = fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
}

// runCheckConfig validates the configuration
func runCheckConfig(cmd *cobra.Command, args []string) error {
	out := output(cmd)
	_, _ = fmt.Fprintf(out, "Checking configuration: %s\n\n", configFile)

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed:\n")
		fmt.Fprintf(os.Stderr, "   %v\n", err)
		overrideExitCode = ExitConfig
		return nil
	}

	cfg = cfg.Redact()

	_, _ = fmt.Fprintln(out, "✅ Configuration is valid")
	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintln(out, "Configuration summary:")
	_, _ = fmt.Fprintf(out, "  API Base URL:    %s\n", cfg.API.BaseURL)
	_, _ = fmt.Fprintf(out, "  API Timeout:     %d seconds\n", cfg.API.Timeout)
	_, _ = fmt.Fprintf(out, "  Storage:         %s\n", cfg.Storage.Backend)
	switch cfg.Storage.Backend {
	case config.BackendFile:
		_, _ = fmt.Fprintf(out, "  Storage Path:    %s\n", cfg.Storage.Path)
	case config.BackendRedis:
		_, _ = fmt.Fprintf(out, "  Redis URL:       %s\n", cfg.Storage.RedisURL)
		_, _ = fmt.Fprintf(out, "  Namespace:       %s\n", cfg.Storage.Namespace)
	}
	_, _ = fmt.Fprintf(out, "  OTP Cooldown:    %d seconds\n", cfg.OTP.ResendCooldown)
	_, _ = fmt.Fprintf(out, "  HTTP Listen:     %s\n", cfg.Listen.HTTP)
	_, _ = fmt.Fprintf(out, "  Log Level:       %s\n", cfg.Log.Level)
	_, _ = fmt.Fprintf(out, "  Log Format:      %s\n", cfg.Log.Format)
	_, _ = fmt.Fprintf(out, "  TLS Enabled:     %v\n", cfg.TLS.Enabled)

	return nil
}
