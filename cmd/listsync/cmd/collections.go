package cmd

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"listsync/backend"
	"listsync/internal/operation"
	"listsync/internal/orchestrator"
	"listsync/internal/utils"
)

// =============================================================================
// Collection commands
// =============================================================================

func newCollectionCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "collection",
		Aliases: []string{"collections"},
		Short:   "Read and change an owner's collections through the daemon",
		Long: "Read and change collections through the running daemon. Reads are served from its cache;\n" +
			"changes are sent to the remote and queued for retry when it is unavailable.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newCollectionListCmd(stdout, cfg))
	cmd.AddCommand(newCollectionGetCmd(stdout, cfg))
	cmd.AddCommand(newCollectionItemsCmd(stdout, cfg))
	cmd.AddCommand(newCollectionCreateCmd(stdout, cfg))
	cmd.AddCommand(newCollectionUpdateCmd(stdout, cfg))
	cmd.AddCommand(newCollectionTargetCmd(stdout, cfg, "delete", "Delete a collection", operation.DeleteCollection{}))
	cmd.AddCommand(newCollectionTargetCmd(stdout, cfg, "clear", "Remove every item from a collection", operation.ClearCollection{}))
	cmd.AddCommand(newCollectionItemCmd(stdout, cfg, "add", "Add an item to a collection"))
	cmd.AddCommand(newCollectionItemCmd(stdout, cfg, "remove", "Remove an item from a collection"))

	return cmd
}

func newCollectionListCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "list [owner-id]",
		Short: "List an owner's collections, including queued creates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ownerID, err := utils.ParseOwnerID(args[0])
			if err != nil {
				return err
			}
			client, err := connect(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			read, err := client.OwnerCollections(ctx, ownerID)
			if err != nil {
				return remoteError(err, ownerID)
			}
			if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
				if read.Value == nil {
					read.Value = []backend.Collection{}
				}
				return outputJSON(stdout, read)
			}
			if len(read.Value) == 0 {
				_, _ = fmt.Fprintln(stdout, "No collections")
				printResult(stdout, cfg, ResultInfoOnly)
				return nil
			}

			rows := make([][]string, 0, len(read.Value))
			for _, c := range read.Value {
				id := strconv.FormatInt(c.ID, 10)
				if c.Pending {
					id = "(queued)"
				}
				rows = append(rows, []string{id, c.Name, strconv.Itoa(c.ItemCount), strconv.FormatBool(c.IsPublic)})
			}
			t := table.New().
				Border(lipgloss.NormalBorder()).
				Headers("ID", "NAME", "ITEMS", "PUBLIC").
				Rows(rows...)
			_, _ = fmt.Fprintln(stdout, t.String())
			printStale(stdout, read.Stale)
			printResult(stdout, cfg, ResultInfoOnly)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func newCollectionGetCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "get [owner-id] [collection-id]",
		Short: "Show one collection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ownerID, targetID, err := parseOwnerAndCollection(args)
			if err != nil {
				return err
			}
			client, err := connect(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			read, err := client.Collection(ctx, ownerID, targetID)
			if err != nil {
				return remoteError(err, ownerID)
			}
			if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
				return outputJSON(stdout, read)
			}
			c := read.Value
			_, _ = fmt.Fprintf(stdout, "ID:          %d\n", c.ID)
			_, _ = fmt.Fprintf(stdout, "Name:        %s\n", c.Name)
			if c.Description != "" {
				_, _ = fmt.Fprintf(stdout, "Description: %s\n", c.Description)
			}
			_, _ = fmt.Fprintf(stdout, "Public:      %t\n", c.IsPublic)
			_, _ = fmt.Fprintf(stdout, "Items:       %d\n", c.ItemCount)
			_, _ = fmt.Fprintf(stdout, "Source:      %s\n", readSource(read.FromCache))
			printStale(stdout, read.Stale)
			printResult(stdout, cfg, ResultInfoOnly)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func newCollectionItemsCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "items [owner-id] [collection-id]",
		Short: "List the items in a collection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ownerID, targetID, err := parseOwnerAndCollection(args)
			if err != nil {
				return err
			}
			client, err := connect(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			read, err := client.Items(ctx, ownerID, targetID)
			if err != nil {
				return remoteError(err, ownerID)
			}
			if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
				if read.Value == nil {
					read.Value = []backend.Item{}
				}
				return outputJSON(stdout, read)
			}
			if len(read.Value) == 0 {
				_, _ = fmt.Fprintln(stdout, "No items")
			}
			for _, it := range read.Value {
				if it.Title != "" {
					_, _ = fmt.Fprintf(stdout, "%d\t%s\n", it.ID, it.Title)
					continue
				}
				_, _ = fmt.Fprintf(stdout, "%d\n", it.ID)
			}
			printStale(stdout, read.Stale)
			printResult(stdout, cfg, ResultInfoOnly)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func newCollectionCreateCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create [owner-id] [name]",
		Short: "Create a collection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ownerID, err := utils.ParseOwnerID(args[0])
			if err != nil {
				return err
			}
			description, _ := cmd.Flags().GetString("description")
			public, _ := cmd.Flags().GetBool("public")
			p, err := operation.NewCreateCollection(args[1], description, public)
			if err != nil {
				return err
			}
			return runMutation(cmd, stdout, cfg, ownerID, 0, p)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().StringP("description", "d", "", "Collection description")
	cmd.Flags().Bool("public", false, "Make the collection public")
	return cmd
}

func newCollectionUpdateCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update [owner-id] [collection-id]",
		Short: "Change a collection's name, description or visibility",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ownerID, targetID, err := parseOwnerAndCollection(args)
			if err != nil {
				return err
			}
			var p operation.UpdateCollection
			if cmd.Flags().Changed("name") {
				name, _ := cmd.Flags().GetString("name")
				p.Name = &name
			}
			if cmd.Flags().Changed("description") {
				description, _ := cmd.Flags().GetString("description")
				p.Description = &description
			}
			if cmd.Flags().Changed("public") {
				public, _ := cmd.Flags().GetBool("public")
				p.IsPublic = &public
			}
			if err := operation.Validate(p); err != nil {
				return utils.WrapWithSuggestion(err, "Pass at least one of --name, --description or --public")
			}
			return runMutation(cmd, stdout, cfg, ownerID, targetID, p)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().String("name", "", "New name")
	cmd.Flags().StringP("description", "d", "", "New description")
	cmd.Flags().Bool("public", false, "Visibility (--public=false to make private)")
	return cmd
}

// newCollectionTargetCmd creates 'delete' or 'clear', which ask for confirmation.
func newCollectionTargetCmd(stdout io.Writer, cfg *Config, use, short string, p operation.Payload) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [owner-id] [collection-id]",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ownerID, targetID, err := parseOwnerAndCollection(args)
			if err != nil {
				return err
			}
			prompt := fmt.Sprintf("%s collection %d?", titleCase(use), targetID)
			if !cfg.NoPrompt && !utils.PromptYesNoWithReader(prompt, stdinOf(cfg), stdout) {
				_, _ = fmt.Fprintln(stdout, "Cancelled")
				return nil
			}
			return runMutation(cmd, stdout, cfg, ownerID, targetID, p)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newCollectionItemCmd creates 'add' or 'remove'.
func newCollectionItemCmd(stdout io.Writer, cfg *Config, use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [owner-id] [collection-id] [item-id]",
		Short: short,
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ownerID, targetID, err := parseOwnerAndCollection(args)
			if err != nil {
				return err
			}
			itemID, err := utils.ParseID("item", args[2])
			if err != nil {
				return err
			}
			var p operation.Payload = operation.AddItem{ItemID: itemID}
			if use == "remove" {
				p = operation.RemoveItem{ItemID: itemID}
			}
			return runMutation(cmd, stdout, cfg, ownerID, targetID, p)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// mutationOutput is the --json form of a mutation result.
type mutationOutput struct {
	Outcome    orchestrator.Outcome `json:"outcome"`
	Operation  *operation.Record    `json:"operation,omitempty"`
	Collection *backend.Collection  `json:"collection,omitempty"`
	Cause      backend.ErrorKind    `json:"cause,omitempty"`
}

// runMutation sends p to the daemon and reports whether it was applied or deferred.
func runMutation(cmd *cobra.Command, stdout io.Writer, cfg *Config, ownerID, targetID int64, p operation.Payload) error {
	client, err := connect(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()

	res, err := client.Mutate(ctx, ownerID, targetID, p)
	if err != nil {
		return remoteError(err, ownerID)
	}
	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		return outputJSON(stdout, mutationOutput{
			Outcome:    res.Outcome,
			Operation:  res.Operation,
			Collection: res.Collection,
			Cause:      backend.KindOf(res.Cause),
		})
	}

	t := p.OperationType()
	switch {
	case res.Outcome == orchestrator.Applied && res.Collection != nil && t == operation.CreateCollectionType:
		_, _ = fmt.Fprintf(stdout, "Applied: created collection %d (%s)\n", res.Collection.ID, res.Collection.Name)
	case res.Outcome == orchestrator.Applied:
		_, _ = fmt.Fprintf(stdout, "Applied: %s on collection %d\n", t, targetID)
	case res.Cause == nil:
		_, _ = fmt.Fprintf(stdout, "Deferred: an equivalent %s is already queued (operation %s)\n", t, shortID(res.Operation.ID))
	default:
		_, _ = fmt.Fprintf(stdout, "Deferred: %s queued as operation %s (%s)\n", t, shortID(res.Operation.ID), backend.KindOf(res.Cause))
	}
	printResult(stdout, cfg, ResultActionCompleted)
	return nil
}

// remoteError adds a suggestion to remote failures returned over IPC.
func remoteError(err error, ownerID int64) error {
	var remoteErr *backend.RemoteError
	if !errors.As(err, &remoteErr) {
		return err
	}
	switch remoteErr.Kind {
	case backend.KindNetwork, backend.KindTimeout:
		return utils.ErrRemoteOffline(remoteErr.Error())
	case backend.KindUnauthorized, backend.KindSessionExpired:
		return utils.WrapWithSuggestion(err, fmt.Sprintf("Store a token with 'listsync credentials set %d'", ownerID))
	case backend.KindNotFound:
		return utils.WrapWithSuggestion(err, fmt.Sprintf("Use 'listsync collection list %d' to see the owner's collections", ownerID))
	}
	return err
}

func parseOwnerAndCollection(args []string) (int64, int64, error) {
	ownerID, err := utils.ParseOwnerID(args[0])
	if err != nil {
		return 0, 0, err
	}
	targetID, err := utils.ParseID("collection", args[1])
	if err != nil {
		return 0, 0, err
	}
	return ownerID, targetID, nil
}

func readSource(fromCache bool) string {
	if fromCache {
		return "cache"
	}
	return "remote"
}

func printStale(w io.Writer, stale bool) {
	if stale {
		_, _ = fmt.Fprintln(w, "Note: remote unavailable, showing the last known copy")
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
