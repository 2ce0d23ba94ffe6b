package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/warden/pkg/accounts"
	"github.com/platinummonkey/warden/pkg/suspension"
)

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status <account-id>",
		Short: "Show whether an account is locked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			status, err := app.deps.Admin.Status(app.scope(cmd.Context()), id)
			if err != nil {
				return err
			}
			if app.output == "json" {
				return app.printJSON(status)
			}
			state := "active"
			if status.Locked {
				state = "locked"
			}
			fmt.Fprintf(app.out, "%d: %s\n", id, state)
			return nil
		},
	}
}

func newLockCmd(app *App) *cobra.Command {
	return newToggleCmd(app, "lock", "Lock an account and end its sessions",
		func(ctx context.Context, actorID, subjectID int64) (suspension.Result, error) {
			return app.deps.Admin.Lock(ctx, actorID, subjectID)
		})
}

func newUnlockCmd(app *App) *cobra.Command {
	return newToggleCmd(app, "unlock", "Unlock an account",
		func(ctx context.Context, actorID, subjectID int64) (suspension.Result, error) {
			return app.deps.Admin.Unlock(ctx, actorID, subjectID)
		})
}

func newToggleCmd(app *App, name, short string, op func(ctx context.Context, actorID, subjectID int64) (suspension.Result, error)) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <account-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var result suspension.Result
			err = app.mutate(cmd, func(ctx context.Context) error {
				result, err = op(ctx, app.actor, id)
				return err
			})
			if err != nil {
				return err
			}
			app.logger.WithFields(map[string]interface{}{
				"subject_id": id,
				"actor_id":   app.actor,
				"changed":    result.Changed,
			}).Info(name)
			if app.output == "json" {
				return app.printJSON(result)
			}
			if !result.Changed {
				fmt.Fprintf(app.out, "%d: nothing to do\n", id)
				return nil
			}
			fmt.Fprintf(app.out, "%d: %sed\n", id, name)
			return nil
		},
	}
}

func newRenameCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <account-id> <new-login>",
		Short: "Change an account's login name and end its sessions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var u *accounts.User
			err = app.mutate(cmd, func(ctx context.Context) error {
				u, err = app.deps.Admin.RenameLogin(ctx, app.actor, id, args[1])
				return err
			})
			if err != nil {
				return err
			}
			if app.output == "json" {
				return app.printJSON(u)
			}
			fmt.Fprintf(app.out, "%d: renamed to %s\n", id, u.Login)
			return nil
		},
	}
}

func newSearchCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "search <term>",
		Short: "Find accounts by current or former values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			users, err := app.deps.Admin.Search(app.scope(cmd.Context()), args[0])
			if err != nil {
				return err
			}
			if app.output == "json" {
				return app.printJSON(users)
			}
			tw := tabwriter.NewWriter(app.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tLOGIN\tEMAIL\tNAME")
			for _, u := range users {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", u.ID, u.Login, u.Email, u.DisplayName)
			}
			return tw.Flush()
		},
	}
}
