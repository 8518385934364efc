package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func (c *cli) outboxCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and drain the projection outbox",
	}

	var pendingLimit int
	pending := &cobra.Command{
		Use:   "pending",
		Short: "List pending entries in delivery order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			adapter, err := c.adapter()
			if err != nil {
				return err
			}
			entries, err := adapter.PendingOutbox(cmd.Context(), pendingLimit)
			if err != nil {
				return err
			}
			return c.write(entries, func(w io.Writer) error { return renderOutboxEntries(w, entries) })
		},
	}
	pending.Flags().IntVar(&pendingLimit, "limit", 50, "maximum entries to list")

	var listStatus string
	var listLimit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List entries filtered by status (pending, processed, failed)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			adapter, err := c.adapter()
			if err != nil {
				return err
			}
			entries, err := adapter.ListOutbox(cmd.Context(), listStatus, listLimit)
			if err != nil {
				return err
			}
			return c.write(entries, func(w io.Writer) error { return renderOutboxEntries(w, entries) })
		},
	}
	list.Flags().StringVar(&listStatus, "status", "failed", "entry status filter, empty for all")
	list.Flags().IntVar(&listLimit, "limit", 50, "maximum entries to list")

	summary := &cobra.Command{
		Use:   "summary",
		Short: "Count entries by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			adapter, err := c.adapter()
			if err != nil {
				return err
			}
			counts, err := adapter.OutboxSummary(cmd.Context())
			if err != nil {
				return err
			}
			return c.write(counts, func(w io.Writer) error { return renderOutboxSummary(w, counts) })
		},
	}

	var batchSize int
	drain := &cobra.Command{
		Use:   "drain",
		Short: "Project pending entries until the outbox is empty",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			adapter, err := c.adapter()
			if err != nil {
				return err
			}
			res, err := adapter.DrainOutbox(cmd.Context(), batchSize)
			if err != nil {
				return err
			}
			c.logger.Info("outbox drained", "succeeded", res.Succeeded, "failed", res.Failed, "dead_lettered", res.DeadLettered)
			return c.write(res, func(w io.Writer) error { return renderDrainResult(w, res) })
		},
	}
	drain.Flags().IntVar(&batchSize, "batch-size", 0, "entries per pass (defaults to outbox.batch_size)")

	requeue := &cobra.Command{
		Use:   "requeue <entry-id>",
		Short: "Move a dead-lettered entry back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			adapter, err := c.adapter()
			if err != nil {
				return err
			}
			if err := adapter.RequeueOutboxEntry(cmd.Context(), args[0]); err != nil {
				return err
			}
			out := map[string]string{"entry_id": args[0], "status": "pending"}
			return c.write(out, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "requeued %s\n", args[0])
				return err
			})
		},
	}

	cmd.AddCommand(pending, list, summary, drain, requeue)
	return cmd
}
