package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/al-bashkir/session-lease/internal/config"
	"github.com/al-bashkir/session-lease/internal/control"
	"github.com/al-bashkir/session-lease/internal/daemon"
	"github.com/al-bashkir/session-lease/internal/httpserver"
	"github.com/al-bashkir/session-lease/internal/ipc"
	"github.com/spf13/cobra"
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
	jsonOutput bool
)

// start flags
var expiresAt string

// defaultSocket is used by session commands when the config cannot be read.
const defaultSocket = "/run/session-lease/lease.sock"

// Exit codes
const (
	ExitSuccess = 0
	ExitError   = 1
	ExitConfig  = 3
)

var rootCmd = &cobra.Command{
	Use:   "session-lease",
	Short: "Session lifetime coordinator",
	Long: `Keeps an authenticated dashboard session alive and ends it cleanly.

This binary operates in two modes:
  - serve: Run the daemon that renews the session lease before it expires
  - status, renew, start, logout: Talk to a running daemon over its Unix socket

The daemon renews the lease once less than the renewal threshold remains,
lets at most one renewal run at a time, and forces a logout when the lease
runs out or renewal fails.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session lease daemon",
	Long: `Start the daemon that coordinates the session lifetime.

The daemon:
  - Resumes a lease left by a previous run
  - Renews the lease through the configured renewal endpoint
  - Serves the session API, countdown page and dashboard proxy over HTTP
  - Listens on a Unix socket for session commands

This mode is typically run as a systemd service.`,
	RunE: runServe,
}

// overrideExitCode is set by subcommands (session commands, check-config) so
// main() can call os.Exit() after cobra finishes.  This avoids calling
// os.Exit() inside RunE which would bypass deferred functions.  -1 means
// "use default".
var overrideExitCode = -1

const sessionExitCodes = `
Exit codes:
  0 = Success
  1 = Daemon unreachable or internal error
  2 = No active session
  4 = Renewal already in progress or cooling down`

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current session",
	Long:  "Show the session state, remaining time and expiry.\n" + sessionExitCodes,
	Args:  cobra.NoArgs,
	RunE:  runSessionCommand(ipc.CommandStatus),
}

var renewCmd = &cobra.Command{
	Use:   "renew",
	Short: "Renew the session now",
	Long: `Ask the daemon for an immediate renewal.

The request passes through the same renewal gate as scheduled renewals, so
it is refused while another renewal runs or during the cooldown.
` + sessionExitCodes,
	Args: cobra.NoArgs,
	RunE: runSessionCommand(ipc.CommandRenew),
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a session after sign-in",
	Long: `Record a fresh lease and start coordinating it.

Without --expires-at the session gets a full lease from now. The value may be
an ISO-8601 time or epoch milliseconds.
` + sessionExitCodes,
	Args: cobra.NoArgs,
	RunE: runSessionCommand(ipc.CommandStart),
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the session",
	Long:  "Stop renewing, clear every stored copy of the lease and notify the logout webhook.\n" + sessionExitCodes,
	Args:  cobra.NoArgs,
	RunE:  runSessionCommand(ipc.CommandLogout),
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Long:  `Display version, commit hash, and build date.`,
	Run:   runVersion,
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate configuration file",
	Long: `Load and validate the configuration file without starting the daemon.

Checks for:
  - Valid YAML syntax
  - Consistent lease timings
  - Valid URLs and paths
  - At least one storage mirror

Exit codes:
  0 = Configuration is valid
  3 = Configuration error`,
	RunE: runCheckConfig,
}

func init() {
	// Global flags (available to all commands)
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "/etc/session-lease/config.yaml",
		"Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (debug, info, warn, error) - overrides config file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format (json, text) - overrides config file")

	for _, c := range []*cobra.Command{statusCmd, renewCmd, startCmd, logoutCmd} {
		c.Flags().BoolVar(&jsonOutput, "json", false, "Print the session status as JSON")
	}
	startCmd.Flags().StringVar(&expiresAt, "expires-at", "",
		"Lease expiry (ISO-8601 or epoch milliseconds); defaults to a full lease")

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(renewCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitError)
	}

	// If a subcommand set a specific exit code, use it.
	// This is done outside RunE so deferred functions run properly.
	if overrideExitCode >= 0 {
		os.Exit(overrideExitCode)
	}
}

// loadConfig loads the config file and applies the log flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	return cfg, nil
}

// runServe starts the daemon
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize structured logging based on config
	config.SetupLogging(&cfg.Log)

	httpserver.Version = version

	slog.Info("starting session-lease daemon",
		"version", version,
		"commit", commit,
		"build_date", buildDate,
		"config", configFile,
	)

	d, err := daemon.New(cfg)
	if err != nil {
		slog.Error("failed to create daemon", "error", err)
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	return d.Run(context.Background())
}

// runSessionCommand returns the RunE for a command sent to the daemon.
func runSessionCommand(command ipc.Command) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		// If the config file can't be read, still try the default socket path
		socketPath := defaultSocket
		if cfg, err := loadConfig(); err == nil {
			socketPath = cfg.Listen.Socket
			config.SetupLogging(&cfg.Log)
		}

		var expiry string
		if command == ipc.CommandStart {
			expiry = expiresAt
		}

		parent := cmd.Context()
		if parent == nil {
			parent = context.Background()
		}
		ctx, cancel := context.WithTimeout(parent, 30*time.Second)
		defer cancel()

		h := control.NewHandler(socketPath, cmd.OutOrStdout(), cmd.ErrOrStderr())
		h.SetJSON(jsonOutput)

		// exit code is applied in main() after cobra finishes
		overrideExitCode = h.Run(ctx, command, expiry)
		return nil
	}
}

// runVersion displays version information
func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("session-lease version %s\n", version)
	fmt.Printf("  Commit:     %s\n", commit)
	fmt.Printf("  Build date: %s\n", buildDate)
	fmt.Printf("  Go version: %s\n", getGoVersion())
}

// runCheckConfig validates the configuration
func runCheckConfig(cmd *cobra.Command, args []string) error {
	fmt.Printf("Checking configuration: %s\n\n", configFile)

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed:\n")
		fmt.Fprintf(os.Stderr, "   %v\n", err)
		overrideExitCode = ExitConfig
		return nil // exit code handled via overrideExitCode
	}

	// Print configuration summary (with secrets redacted)
	r := cfg.Redact()
	fmt.Println("✅ Configuration is valid")
	fmt.Println()
	fmt.Println("Configuration summary:")
	fmt.Printf("  HTTP Listen:       %s\n", r.Listen.HTTP)
	fmt.Printf("  Unix Socket:       %s\n", r.Listen.Socket)
	fmt.Printf("  Lease Duration:    %s\n", r.Lease.Duration)
	fmt.Printf("  Renewal Threshold: %s\n", r.Lease.RenewalThreshold)
	fmt.Printf("  Renewal Cooldown:  %s\n", r.Lease.Cooldown)
	fmt.Printf("  Renewal Mode:      %s\n", r.Renewal.Mode)
	switch r.Renewal.Mode {
	case config.RenewalModeOIDC:
		fmt.Printf("  OIDC Issuer:       %s\n", r.Renewal.OIDC.Issuer)
		fmt.Printf("  Client ID:         %s\n", r.Renewal.OIDC.ClientID)
		fmt.Printf("  Required Roles:    %v\n", r.Renewal.OIDC.RequiredRoles)
	default:
		fmt.Printf("  Renewal Endpoint:  %s %s\n", r.Renewal.Method, r.Renewal.Endpoint)
		fmt.Printf("  Renewal Headers:   %v\n", r.Renewal.Headers)
	}
	fmt.Printf("  Cookie File:       %s\n", r.Storage.CookieFile)
	fmt.Printf("  State File:        %s\n", r.Storage.StateFile)
	if r.Storage.Redis.URL != "" {
		fmt.Printf("  Redis:             %s (key %s)\n", r.Storage.Redis.URL, r.Storage.Redis.Key)
	}
	fmt.Printf("  Shared Gate:       %v\n", r.Gate.Shared)
	fmt.Printf("  Sign-in URL:       %s\n", r.Session.SignInURL)
	fmt.Printf("  Upstream:          %s\n", r.Session.Upstream)
	fmt.Printf("  Log Level:         %s\n", r.Log.Level)
	fmt.Printf("  Log Format:        %s\n", r.Log.Format)
	fmt.Printf("  TLS Enabled:       %v\n", r.TLS.Enabled)

	if r.Session.LogoutURL != "" {
		fmt.Println("\n  Logout Webhook:    [SET]")
	} else {
		fmt.Println("\n  Logout Webhook:    [NOT SET]")
	}

	fmt.Println("\n✅ Ready to start daemon")

	return nil
}

// getGoVersion returns the Go version used to build the binary
func getGoVersion() string {
	return runtime.Version()
}
