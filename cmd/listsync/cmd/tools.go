package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"listsync/internal/config"
	"listsync/internal/credentials"
	"listsync/internal/tui"
	"listsync/internal/utils"
)

// =============================================================================
// Monitor
// =============================================================================

func newMonitorCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Open the interactive queue dashboard",
		Long:  "Open a terminal dashboard showing processor state, queue counts and operations, with retry, cancel and process-now actions.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdin.Fd())) || !term.IsTerminal(int(os.Stdout.Fd())) {
				return utils.WrapWithSuggestion(
					errors.New("monitor requires an interactive terminal"),
					"Use 'listsync status' or 'listsync queue list' instead",
				)
			}
			client, err := connect(cfg)
			if err != nil {
				return err
			}

			model := tui.New(client, tui.WithContext(cmd.Context()))
			if _, err := tea.NewProgram(model, tea.WithAltScreen()).Run(); err != nil {
				return fmt.Errorf("monitor failed: %w", err)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// =============================================================================
// Config
// =============================================================================

func newConfigCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show configuration locations and the sample file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _ = fmt.Fprintln(stdout, configPath(cfg))
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "sample",
		Short: "Print a documented sample config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _ = fmt.Fprint(stdout, config.GetSampleConfig())
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(cfg); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(stdout, "Config OK: %s\n", configPath(cfg))
			printResult(stdout, cfg, ResultInfoOnly)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})

	return cmd
}

// =============================================================================
// Credentials
// =============================================================================

// newCredentialsCmd creates the 'credentials' subcommand for credential management
func newCredentialsCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	credentialsCmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage owner API tokens",
		Long:  "Store, inspect and remove the API tokens used for each owner. Lookup order: system keyring, environment, config file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	credentialsCmd.AddCommand(newCredentialsSetCmd(stdout, stderr, cfg))
	credentialsCmd.AddCommand(newCredentialsGetCmd(stdout, stderr, cfg))
	credentialsCmd.AddCommand(newCredentialsDeleteCmd(stdout, stderr, cfg))

	return credentialsCmd
}

// credentialsHandler builds a CLI handler over the configured lookup chain.
func credentialsHandler(cfg *Config, stdin io.Reader, stdout, stderr io.Writer) (*credentials.CLIHandler, error) {
	appCfg, err := loadConfig(cfg)
	if err != nil {
		return nil, err
	}
	return credentials.NewCLIHandler(newCredentialManager(appCfg, cfg), stdin, stdout, stderr), nil
}

// newCredentialsSetCmd creates the 'credentials set' subcommand
func newCredentialsSetCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "set [owner-id]",
		Short: "Store an owner's token in the system keyring",
		Long:  "Read a token from standard input and store it in the system keyring (macOS Keychain, Windows Credential Manager, or Linux Secret Service).",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ownerID, err := utils.ParseOwnerID(args[0])
			if err != nil {
				return err
			}
			handler, err := credentialsHandler(cfg, stdinOf(cfg), stdout, stderr)
			if err != nil {
				return err
			}
			return handler.Set(cmd.Context(), ownerID)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newCredentialsGetCmd creates the 'credentials get' subcommand
func newCredentialsGetCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "get [owner-id]",
		Short: "Show where an owner's token comes from",
		Long:  "Look up an owner's token through the priority chain (keyring > environment > config file) and display the source. The token is never printed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ownerID, err := utils.ParseOwnerID(args[0])
			if err != nil {
				return err
			}
			jsonOutput, _ := cmd.Flags().GetBool("json")
			handler, err := credentialsHandler(cfg, nil, stdout, stderr)
			if err != nil {
				return err
			}
			return handler.Get(cmd.Context(), ownerID, jsonOutput)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newCredentialsDeleteCmd creates the 'credentials delete' subcommand
func newCredentialsDeleteCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "delete [owner-id]",
		Short: "Remove an owner's token from the system keyring",
		Long:  "Remove a stored token from the system keyring. Environment variables and config file tokens are not affected.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ownerID, err := utils.ParseOwnerID(args[0])
			if err != nil {
				return err
			}
			handler, err := credentialsHandler(cfg, nil, stdout, stderr)
			if err != nil {
				return err
			}
			return handler.Delete(cmd.Context(), ownerID)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}
