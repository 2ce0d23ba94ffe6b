package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/warden/pkg/audit"
)

func newHistoryCmd(app *App) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "history <account-id>",
		Short: "Show an account's change history, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			page, err := app.deps.Admin.History(app.scope(cmd.Context()), id, limit, offset)
			if err != nil {
				return err
			}
			if app.output == "json" {
				return app.printJSON(page)
			}

			tw := tabwriter.NewWriter(app.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tWHEN\tACTOR\tFIELD\tOLD\tNEW\tTYPE")
			for _, e := range page.Entries {
				actor := e.ActorName
				if actor == "" {
					actor = fmt.Sprintf("#%d", e.ActorID)
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
					e.ID, e.CreatedAt.Format(time.RFC3339), actor, e.FieldLabel,
					display(e.OldValue), display(e.NewValue), e.ChangeType)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(app.out, "showing %d of %d\n", len(page.Entries), page.Total)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", audit.DefaultPageSize, "Entries per page")
	cmd.Flags().IntVar(&offset, "offset", 0, "Entries to skip")
	return cmd
}

func newCountCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "count <account-id>",
		Short: "Count an account's history entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			count, err := app.deps.Admin.Count(app.scope(cmd.Context()), id)
			if err != nil {
				return err
			}
			if app.output == "json" {
				return app.printJSON(map[string]int64{"id": id, "count": count})
			}
			fmt.Fprintln(app.out, count)
			return nil
		},
	}
}

func newPurgeCmd(app *App) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "purge <account-id>",
		Short: "Irreversibly delete an account's history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if !yes {
				return fmt.Errorf("purging history of %d cannot be undone, pass --yes to confirm", id)
			}
			if err := app.requireActor(); err != nil {
				return err
			}
			deleted, err := app.deps.Admin.Purge(app.scope(cmd.Context()), app.actor, id)
			if err != nil {
				return err
			}
			app.logger.WithFields(map[string]interface{}{"subject_id": id, "deleted": deleted}).Info("history purged")
			if app.output == "json" {
				return app.printJSON(map[string]int64{"id": id, "deleted": deleted})
			}
			fmt.Fprintf(app.out, "deleted %d entries\n", deleted)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the purge")
	return cmd
}

func newExportCmd(app *App) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "export <account-id>",
		Short: "Write an account's full history to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			f, err := audit.ParseExportFormat(format)
			if err != nil {
				return err
			}
			data, err := app.deps.Admin.Export(app.scope(cmd.Context()), id, f)
			if err != nil {
				return err
			}
			_, err = app.out.Write(data)
			return err
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "Export format: json, csv or ndjson")
	return cmd
}

func newArchiveCmd(app *App) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "archive <account-id>",
		Short: "Upload an account's full history to the archive bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			f, err := audit.ParseExportFormat(format)
			if err != nil {
				return err
			}
			key, err := app.deps.Admin.Archive(app.scope(cmd.Context()), id, f)
			if err != nil {
				return err
			}
			if app.output == "json" {
				return app.printJSON(map[string]interface{}{"id": id, "key": key})
			}
			fmt.Fprintln(app.out, key)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "Archive format: json, csv or ndjson")
	return cmd
}

func display(v *string) string {
	if v == nil {
		return "(null)"
	}
	if *v == "" {
		return `""`
	}
	return *v
}
