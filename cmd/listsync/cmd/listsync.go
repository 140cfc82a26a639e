package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"listsync/backend"
	"listsync/internal/config"
	"listsync/internal/credentials"
	"listsync/internal/daemon"
	"listsync/internal/queue"
	"listsync/internal/utils"
)

// Version is set at build time
var Version = "dev"

// Result codes for CLI output (used in no-prompt mode)
const (
	ResultActionCompleted = "ACTION_COMPLETED"
	ResultInfoOnly        = "INFO_ONLY"
	ResultError           = "ERROR"
)

// requestTimeout bounds a single CLI request to the daemon.
const requestTimeout = 2 * time.Minute

// Config holds application configuration
type Config struct {
	NoPrompt   bool
	Verbose    bool
	ConfigPath string    // Path to config file (for testing)
	Stdin      io.Reader // Prompt input (for testing)

	Remote  backend.Client      // Replaces the HTTP remote client (for testing)
	Keyring credentials.Keyring // Replaces the system keyring (for testing)
}

// Execute runs the CLI with the given arguments and IO writers
func Execute(args []string, stdout, stderr io.Writer, cfg *Config) int {
	rootCmd := NewListsync(stdout, stderr, cfg)

	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	if err := rootCmd.Execute(); err != nil {
		if containsJSONFlag(args) {
			outputErrorJSON(err, stdout)
		} else {
			_, _ = fmt.Fprintln(stderr, "Error:", err)
			if cfg != nil && cfg.NoPrompt {
				_, _ = fmt.Fprintln(stdout, ResultError)
			}
		}
		return 1
	}
	return 0
}

// containsJSONFlag checks if args contain --json flag
func containsJSONFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--json" {
			return true
		}
	}
	return false
}

// NewListsync creates the root command with injectable IO
func NewListsync(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	if cfg == nil {
		cfg = &Config{}
	}

	cmd := &cobra.Command{
		Use:     "listsync",
		Short:   "Write-through cache and retry queue for a remote list API",
		Long:    "listsync keeps a local cache and a durable retry queue in front of a rate-limited list API.\nRun 'listsync serve' to start the daemon, then manage it with the other commands.",
		Version: Version,
		Args:    cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if noPrompt, _ := cmd.Flags().GetBool("no-prompt"); noPrompt {
				cfg.NoPrompt = true
			}
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				cfg.Verbose = true
				utils.SetVerboseMode(true)
			}
			if path, _ := cmd.Flags().GetString("config"); path != "" {
				cfg.ConfigPath = path
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolP("no-prompt", "y", false, "Disable interactive prompts")
	cmd.PersistentFlags().BoolP("verbose", "V", false, "Enable verbose/debug output")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")
	cmd.PersistentFlags().String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/listsync/config.yaml)")

	cmd.AddCommand(newServeCmd(stdout, stderr, cfg))
	cmd.AddCommand(newStopCmd(stdout, cfg))
	cmd.AddCommand(newStatusCmd(stdout, cfg))
	cmd.AddCommand(newQueueCmd(stdout, cfg))
	cmd.AddCommand(newProcessNowCmd(stdout, cfg))
	cmd.AddCommand(newProcessorToggleCmd(stdout, cfg, true))
	cmd.AddCommand(newProcessorToggleCmd(stdout, cfg, false))
	cmd.AddCommand(newCacheCmd(stdout, cfg))
	cmd.AddCommand(newCollectionCmd(stdout, cfg))
	cmd.AddCommand(newMonitorCmd(cfg))
	cmd.AddCommand(newConfigCmd(stdout, cfg))
	cmd.AddCommand(newCredentialsCmd(stdout, stderr, cfg))

	return cmd
}

// =============================================================================
// Shared helpers
// =============================================================================

// configPath returns the config file the command should read.
func configPath(cfg *Config) string {
	if cfg.ConfigPath != "" {
		return cfg.ConfigPath
	}
	return config.DefaultPath()
}

// loadConfig loads the config file, creating it with defaults if missing.
func loadConfig(cfg *Config) (*config.Config, error) {
	path := configPath(cfg)
	utils.Debugf("loading config from %s", path)
	appCfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return appCfg, nil
}

// connect returns a client for the running daemon.
func connect(cfg *Config) (*daemon.Client, error) {
	appCfg, err := loadConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !daemon.IsRunning(appCfg.Daemon.PIDPath, appCfg.Daemon.SocketPath) {
		return nil, utils.ErrDaemonNotRunning(appCfg.Daemon.SocketPath)
	}
	utils.Debugf("connecting to daemon at %s", appCfg.Daemon.SocketPath)
	return daemon.NewClient(appCfg.Daemon.SocketPath).WithTimeout(requestTimeout), nil
}

// requestContext bounds a CLI request to the daemon.
func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, requestTimeout)
}

// operationError maps queue sentinels returned over IPC to CLI errors with suggestions.
func operationError(err error, action, id string) error {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return utils.ErrOperationNotFound(id, queue.ErrNotFound)
	case errors.Is(err, queue.ErrInvalidState):
		return utils.ErrInvalidTransition(action, id, queue.ErrInvalidState)
	}
	return err
}

func stdinOf(cfg *Config) io.Reader {
	if cfg.Stdin != nil {
		return cfg.Stdin
	}
	return os.Stdin
}

// shortID returns the first eight characters of an operation ID.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// printResult emits the no-prompt result code after human output.
func printResult(stdout io.Writer, cfg *Config, code string) {
	if cfg.NoPrompt {
		_, _ = fmt.Fprintln(stdout, code)
	}
}

// outputJSON writes v as indented JSON.
func outputJSON(stdout io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(stdout, string(data))
	return nil
}

// errorResponse represents a JSON error response
type errorResponse struct {
	Error  string `json:"error"`
	Code   int    `json:"code"`
	Result string `json:"result"`
}

// outputErrorJSON outputs error in JSON format
func outputErrorJSON(err error, stdout io.Writer) {
	response := errorResponse{
		Error:  strings.SplitN(err.Error(), "\n", 2)[0],
		Code:   1,
		Result: ResultError,
	}

	jsonBytes, _ := json.Marshal(response)
	_, _ = fmt.Fprintln(stdout, string(jsonBytes))
}
