package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	servercommon "github.com/hylla/scopeledger/internal/adapters/server/common"
)

const descriptionWrapWidth = 80

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("230"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("243")).Width(10)
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("62"))
)

// newTable returns a table with the shared border and header styling.
func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
}

func renderCommandResult(w io.Writer, verb string, res servercommon.CommandResult) error {
	if !res.Changed {
		_, err := fmt.Fprintf(w, "%s unchanged at version %d\n", res.ScopeID, res.Version)
		return err
	}
	if _, err := fmt.Fprintf(w, "%s %s (version %d, %d events)\n", verb, titleStyle.Render(res.ScopeID), res.Version, len(res.Events)); err != nil {
		return err
	}
	if res.Scope == nil {
		if verb != "deleted" {
			_, err := fmt.Fprintln(w, mutedStyle.Render("projection pending; run `scopes outbox drain`"))
			return err
		}
		return nil
	}
	return renderScope(w, *res.Scope)
}

func renderScope(w io.Writer, scope servercommon.Scope) error {
	var b strings.Builder
	b.WriteString(titleStyle.Render(scope.Title) + "\n")
	field := func(label, value string) {
		if value == "" {
			return
		}
		b.WriteString(labelStyle.Render(label) + " " + value + "\n")
	}
	field("id", scope.ID)
	field("alias", scope.CanonicalAlias)
	field("parent", scope.ParentID)
	field("version", strconv.FormatInt(scope.Version, 10))
	if scope.Archived {
		field("state", "archived")
	}
	field("created", scope.CreatedAt.UTC().Format(time.RFC3339))
	field("updated", scope.UpdatedAt.UTC().Format(time.RFC3339))
	if len(scope.Aliases) > 1 {
		names := make([]string, 0, len(scope.Aliases))
		for _, alias := range scope.Aliases {
			names = append(names, alias.Name)
		}
		field("aliases", strings.Join(names, ", "))
	}
	if desc := renderMarkdown(scope.Description); desc != "" {
		b.WriteString("\n" + desc + "\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// renderMarkdown renders a description through glamour, falling back to the raw text.
func renderMarkdown(markdown string) string {
	markdown = strings.TrimSpace(markdown)
	if markdown == "" {
		return ""
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(descriptionWrapWidth),
	)
	if err != nil {
		return markdown
	}
	rendered, err := renderer.Render(markdown)
	if err != nil {
		return markdown
	}
	return strings.TrimRight(rendered, "\n")
}

func renderScopeTable(w io.Writer, scopes []servercommon.Scope) error {
	if len(scopes) == 0 {
		_, err := fmt.Fprintln(w, mutedStyle.Render("no scopes"))
		return err
	}
	t := newTable("ID", "Alias", "Title", "Archived", "Version")
	for _, scope := range scopes {
		t.Row(scope.ID, scope.CanonicalAlias, scope.Title, strconv.FormatBool(scope.Archived), strconv.FormatInt(scope.Version, 10))
	}
	_, err := fmt.Fprintln(w, t.String())
	return err
}

func renderHistory(w io.Writer, events []servercommon.Event) error {
	if len(events) == 0 {
		_, err := fmt.Fprintln(w, mutedStyle.Render("no events"))
		return err
	}
	t := newTable("Seq", "Type", "Occurred", "Payload")
	for _, evt := range events {
		t.Row(strconv.FormatInt(evt.Sequence, 10), evt.Type, evt.OccurredAt.UTC().Format(time.RFC3339), string(evt.Payload))
	}
	_, err := fmt.Fprintln(w, t.String())
	return err
}

func renderOutboxEntries(w io.Writer, entries []servercommon.OutboxEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, mutedStyle.Render("outbox is empty"))
		return err
	}
	t := newTable("Entry", "Aggregate", "Seq", "Type", "Status", "Attempts", "Last error")
	for _, entry := range entries {
		t.Row(entry.ID, entry.AggregateID, strconv.FormatInt(entry.Sequence, 10), entry.EventType, entry.Status, strconv.Itoa(entry.Attempts), entry.LastError)
	}
	_, err := fmt.Fprintln(w, t.String())
	return err
}

func renderOutboxSummary(w io.Writer, summary servercommon.OutboxSummary) error {
	oldest := "-"
	if summary.OldestPendingAt != nil {
		oldest = summary.OldestPendingAt.UTC().Format(time.RFC3339)
	}
	t := newTable("Pending", "Blocked", "Processed", "Failed", "Oldest pending")
	t.Row(strconv.Itoa(summary.Pending), strconv.Itoa(summary.Blocked), strconv.Itoa(summary.Processed), strconv.Itoa(summary.Failed), oldest)
	_, err := fmt.Fprintln(w, t.String())
	return err
}

func renderDrainResult(w io.Writer, res servercommon.DrainResult) error {
	_, err := fmt.Fprintf(w, "drained: %d succeeded, %d failed, %d deferred, %d dead-lettered\n",
		res.Succeeded, res.Failed, res.Deferred, res.DeadLettered)
	return err
}
