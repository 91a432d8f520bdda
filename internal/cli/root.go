// Package cli provides the command-line interface for tutorchat.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/raphaelgruber/tutorchat/internal/audio"
	"github.com/raphaelgruber/tutorchat/internal/channel"
	"github.com/raphaelgruber/tutorchat/internal/client"
	"github.com/raphaelgruber/tutorchat/internal/config"
	"github.com/raphaelgruber/tutorchat/internal/metrics"
	"github.com/raphaelgruber/tutorchat/internal/models"
	"github.com/raphaelgruber/tutorchat/internal/session"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose  bool
	apiURL   string
	username string
	signup   bool
	noAudio  bool

	// Global config and clients
	cfg        config.Config
	logger     *slog.Logger
	closeLog   func() error
	apiClient  *client.Client
	collectors *metrics.Metrics

	// lastWarning keeps the most recent warning for the chat status line.
	lastWarning = newWarningSink()
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "tutorchat",
	Short: "Practice conversations with an AI tutor",
	Long: `Tutorchat is a terminal client for turn-based, optionally voice-driven
conversations with an AI language tutor.

Messages you send are shown immediately; replies arrive over a realtime
channel and are revealed word by word. Earlier conversations can be listed
and resumed.`,
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip setup for version and help commands
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if apiURL != "" {
			cfg.APIURL = apiURL
		}
		if username != "" {
			cfg.Username = username
		}
		if verbose {
			cfg.LogLevel = slog.LevelDebug
		}

		// The chat UI owns the terminal, so it logs to the file only.
		if cmd.Name() == chatCmd.Name() {
			logger, closeLog = config.SetupFileLogger(cfg.LogFile, cfg.LogLevel, lastWarning)
		} else {
			logger, closeLog = config.SetupLogger(cfg.LogFile, cfg.LogLevel)
		}
		slog.SetDefault(logger)

		collectors = metrics.New()
		apiClient = client.New(cfg.APIURL,
			client.WithTimeout(cfg.HTTPTimeout),
			client.WithLogger(logger),
			client.WithMetrics(collectors),
		)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLog != nil {
			if err := closeLog(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "tutorchat %s\n", Version)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API base URL (overrides TUTORCHAT_API_URL)")
	rootCmd.PersistentFlags().StringVarP(&username, "username", "u", "", "account to log in as")
	rootCmd.PersistentFlags().BoolVar(&signup, "signup", false, "create the account instead of logging in")

	// Add subcommands
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(versionCmd)
}

// authenticate obtains a token for the configured user, prompting for missing credentials.
func authenticate(ctx context.Context) (models.User, error) {
	name := cfg.Username
	if name == "" {
		var err error
		name, err = promptLine("Username: ")
		if err != nil {
			return models.User{}, err
		}
	}

	password := cfg.Password
	if password == "" {
		var err error
		password, err = promptPassword("Password: ")
		if err != nil {
			return models.User{}, err
		}
	}

	if signup {
		user, err := apiClient.Signup(ctx, name, password)
		if err != nil {
			return models.User{}, fmt.Errorf("sign up: %w", err)
		}
		return user, nil
	}
	user, err := apiClient.Login(ctx, name, password)
	if err != nil {
		return models.User{}, fmt.Errorf("log in: %w", err)
	}
	return user, nil
}

func promptLine(label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read %s: %w", strings.TrimSuffix(label, ": "), err)
	}
	return strings.TrimSpace(line), nil
}

func promptPassword(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return promptLine(label)
	}
	fmt.Fprint(os.Stderr, label)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

// newStore wires a session store to the configured API, channel and audio output.
func newStore() (*session.Store, error) {
	endpoint := cfg.WSURL
	if endpoint == "" {
		var err error
		endpoint, err = channel.EndpointFor(cfg.APIURL)
		if err != nil {
			return nil, fmt.Errorf("derive channel url: %w", err)
		}
	}

	var player audio.Player = audio.FilePlayer{Dir: cfg.AudioDir, Logger: logger}
	if noAudio {
		player = audio.NopPlayer{}
	}

	channels := session.ChannelFactoryFor(endpoint,
		channel.WithReconnect(cfg.ReconnectAttempts, cfg.ReconnectDelay),
		channel.WithLogger(logger),
		channel.WithMetrics(collectors),
	)
	apis := func(u models.User) session.API { return apiClient.WithUser(u) }

	return session.New(apis, channels,
		session.WithPlayer(player),
		session.WithRevealInterval(cfg.RevealInterval),
		session.WithLogger(logger),
		session.WithMetrics(collectors),
	), nil
}

// serveMetrics exposes the collectors on cfg.MetricsAddr until the returned stop is called.
func serveMetrics() (stop func()) {
	if cfg.MetricsAddr == "" {
		return func() {}
	}

	ln, err := net.Listen("tcp", cfg.MetricsAddr)
	if err != nil {
		logger.Warn("metrics listener failed", "addr", cfg.MetricsAddr, "error", err)
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", collectors.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
