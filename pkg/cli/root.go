package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/platinummonkey/warden/pkg/admin"
	"github.com/platinummonkey/warden/pkg/capture"
	"github.com/platinummonkey/warden/pkg/contextkeys"
)

// Deps are the services the commands operate on
type Deps struct {
	Admin  *admin.Service
	Engine *capture.Engine
}

// Bootstrap opens the services for one invocation. The returned function
// releases them.
type Bootstrap func(ctx context.Context) (*Deps, func() error, error)

// App holds the state of one wardenctl invocation
type App struct {
	bootstrap Bootstrap
	logger    *logrus.Logger
	out       io.Writer

	deps    *Deps
	release func() error
	actor   int64
	output  string
}

// NewApp creates an App. out defaults to stdout.
func NewApp(bootstrap Bootstrap, logger *logrus.Logger, out io.Writer) *App {
	if logger == nil {
		logger = logrus.New()
	}
	if out == nil {
		out = os.Stdout
	}
	return &App{bootstrap: bootstrap, logger: logger, out: out}
}

// NewRootCommand creates the wardenctl command tree
func NewRootCommand(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "wardenctl",
		Short: "Warden operator tool",
		Long: "Inspect and manage account change history and suspension.\n" +
			"Commands run as trusted automation on behalf of --actor.",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: app.open,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return app.close()
		},
	}

	root.PersistentFlags().Int64Var(&app.actor, "actor", envInt64("WARDEN_CLI_ACTOR", 0), "Account id recorded as the actor of changes (env WARDEN_CLI_ACTOR)")
	root.PersistentFlags().StringVarP(&app.output, "output", "o", "table", "Output format: table or json")

	root.AddCommand(
		newHistoryCmd(app),
		newCountCmd(app),
		newPurgeCmd(app),
		newExportCmd(app),
		newArchiveCmd(app),
		newStatusCmd(app),
		newLockCmd(app),
		newUnlockCmd(app),
		newRenameCmd(app),
		newSearchCmd(app),
	)
	return root
}

func (a *App) open(cmd *cobra.Command, args []string) error {
	if a.output != "table" && a.output != "json" {
		return fmt.Errorf("unsupported output format: %s", a.output)
	}
	if a.deps != nil || !needsBackend(cmd) {
		return nil
	}
	if a.bootstrap == nil {
		return errors.New("no backend configured")
	}
	deps, release, err := a.bootstrap(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	a.deps = deps
	a.release = release
	return nil
}

func needsBackend(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "completion":
			return false
		}
	}
	return true
}

func (a *App) close() error {
	if a.release == nil {
		return nil
	}
	release := a.release
	a.release = nil
	a.deps = nil
	return release()
}

// scope marks ctx as trusted automation acting as --actor
func (a *App) scope(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = contextkeys.WithTrustedAutomation(ctx)
	if a.actor > 0 {
		ctx = contextkeys.WithActor(ctx, a.actor)
	}
	return ctx
}

// requireActor is used by mutating commands
func (a *App) requireActor() error {
	if a.actor <= 0 {
		return errors.New("--actor is required for this command")
	}
	return nil
}

// mutate runs fn inside a capture scope so history is finalized before the
// command returns
func (a *App) mutate(cmd *cobra.Command, fn func(ctx context.Context) error) error {
	if err := a.requireActor(); err != nil {
		return err
	}
	ctx := a.scope(cmd.Context())
	if a.deps.Engine == nil {
		return fn(ctx)
	}
	return a.deps.Engine.Run(ctx, fn)
}

func (a *App) printJSON(v interface{}) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid account id: %s", s)
	}
	return id, nil
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}
