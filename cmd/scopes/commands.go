package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	servercommon "github.com/hylla/scopeledger/internal/adapters/server/common"
	"github.com/hylla/scopeledger/internal/app"
	"github.com/hylla/scopeledger/internal/platform"
	"github.com/spf13/cobra"
)

// conflictAttempts bounds reload-and-retry for commands that lose a version race.
const conflictAttempts = 3

// scopeCommandFunc runs one single-id scope command.
type scopeCommandFunc func(*servercommon.AppServiceAdapter, context.Context, servercommon.ScopeCommandRequest) (servercommon.CommandResult, error)

func (c *cli) createCommand() *cobra.Command {
	var description, parentID string
	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a scope",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			adapter, err := c.adapter()
			if err != nil {
				return err
			}
			res, err := adapter.CreateScope(cmd.Context(), servercommon.CreateScopeRequest{
				Title:       strings.Join(args, " "),
				Description: description,
				ParentID:    parentID,
				Actor:       c.actor(),
			})
			if err != nil {
				return err
			}
			return c.write(res, func(w io.Writer) error { return renderCommandResult(w, "created", res) })
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "scope description (markdown)")
	cmd.Flags().StringVarP(&parentID, "parent", "p", "", "parent scope id")
	return cmd
}

func (c *cli) updateCommand() *cobra.Command {
	var title, description string
	cmd := &cobra.Command{
		Use:   "update <scope-id>",
		Short: "Update a scope's title or description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := servercommon.UpdateScopeRequest{ScopeID: args[0], Actor: c.actor()}
			if cmd.Flags().Changed("title") {
				req.Title = &title
			}
			if cmd.Flags().Changed("description") {
				req.Description = &description
			}
			adapter, err := c.adapter()
			if err != nil {
				return err
			}
			res, err := app.RetryOnConflict(cmd.Context(), conflictAttempts, func(ctx context.Context) (servercommon.CommandResult, error) {
				return adapter.UpdateScope(ctx, req)
			})
			if err != nil {
				return err
			}
			return c.write(res, func(w io.Writer) error { return renderCommandResult(w, "updated", res) })
		},
	}
	cmd.Flags().StringVarP(&title, "title", "t", "", "new title")
	cmd.Flags().StringVarP(&description, "description", "d", "", "new description (markdown)")
	return cmd
}

// scopeCommand builds a command that targets one scope by id.
func (c *cli) scopeCommand(use, short string, fn scopeCommandFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <scope-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			adapter, err := c.adapter()
			if err != nil {
				return err
			}
			req := servercommon.ScopeCommandRequest{ScopeID: args[0], Actor: c.actor()}
			res, err := app.RetryOnConflict(cmd.Context(), conflictAttempts, func(ctx context.Context) (servercommon.CommandResult, error) {
				return fn(adapter, ctx, req)
			})
			if err != nil {
				return err
			}
			return c.write(res, func(w io.Writer) error { return renderCommandResult(w, use+"d", res) })
		},
	}
}

func (c *cli) aliasCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "alias <scope-id> <alias>",
		Short: "Assign an extra alias to a scope",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			adapter, err := c.adapter()
			if err != nil {
				return err
			}
			req := servercommon.AssignAliasRequest{ScopeID: args[0], Alias: args[1], Actor: c.actor()}
			res, err := app.RetryOnConflict(cmd.Context(), conflictAttempts, func(ctx context.Context) (servercommon.CommandResult, error) {
				return adapter.AssignAlias(ctx, req)
			})
			if err != nil {
				return err
			}
			return c.write(res, func(w io.Writer) error { return renderCommandResult(w, "aliased", res) })
		},
	}
}

func (c *cli) showCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <scope-id>",
		Short: "Show one projected scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			adapter, err := c.adapter()
			if err != nil {
				return err
			}
			scope, err := adapter.GetScope(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.write(scope, func(w io.Writer) error { return renderScope(w, scope) })
		},
	}
}

func (c *cli) historyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history <scope-id>",
		Short: "List a scope's events in sequence order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			adapter, err := c.adapter()
			if err != nil {
				return err
			}
			events, err := adapter.ScopeHistory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.write(events, func(w io.Writer) error { return renderHistory(w, events) })
		},
	}
}

func (c *cli) childrenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "children [parent-id]",
		Short: "List child scopes, or root scopes when no parent is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parentID := ""
			if len(args) == 1 {
				parentID = args[0]
			}
			adapter, err := c.adapter()
			if err != nil {
				return err
			}
			scopes, err := adapter.ListChildScopes(cmd.Context(), parentID)
			if err != nil {
				return err
			}
			return c.write(scopes, func(w io.Writer) error { return renderScopeTable(w, scopes) })
		},
	}
}

func (c *cli) pathsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Print resolved config and data paths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			appName := platform.ResolveAppName(platform.Options{AppName: c.flags.appName})
			_, _ = fmt.Fprintf(out, "app: %s\n", appName)
			_, _ = fmt.Fprintf(out, "dev_mode: %t\n", c.flags.devMode)
			_, _ = fmt.Fprintf(out, "config: %s\n", c.paths.ConfigPath)
			_, _ = fmt.Fprintf(out, "data_dir: %s\n", c.paths.DataDir)
			_, _ = fmt.Fprintf(out, "db: %s\n", c.paths.DBPath)
			_, _ = fmt.Fprintf(out, "log_dir: %s\n", c.paths.LogDir)
			return nil
		},
	}
}

// write renders v as JSON when --json is set, otherwise through human.
func (c *cli) write(v any, human func(io.Writer) error) error {
	if c.flags.jsonOutput {
		enc := json.NewEncoder(c.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return human(c.stdout)
}
