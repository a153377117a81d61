package cli

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/cruciblehq/uvimage/internal"
	"github.com/cruciblehq/uvimage/internal/logging"
	"github.com/cruciblehq/uvimage/internal/runtime"
	"github.com/cruciblehq/uvimage/internal/settings"
)

// Represents the root command of uvimage.
var RootCmd struct {
	Quiet   bool   `short:"q" help:"Suppress informational output."`
	Verbose bool   `short:"v" help:"Enable verbose output."`
	Debug   bool   `short:"d" help:"Enable debug output."`
	Config  string `short:"c" help:"Settings file. Defaults to uvimage.yaml in the project directory." type:"path" placeholder:"FILE"`
	Socket  string `short:"s" help:"Override the default daemon socket path." placeholder:"PATH"`

	Build    BuildCmd    `cmd:"" help:"Build the image of a project."`
	Check    CheckCmd    `cmd:"" help:"Check that a project's lock file matches its manifest."`
	Plan     PlanCmd     `cmd:"" help:"Print the build recipe of a project."`
	Run      RunCmd      `cmd:"" help:"Run a built image and supervise its server."`
	Inspect  InspectCmd  `cmd:"" help:"Check a built image archive against the image policy."`
	Prune    PruneCmd    `cmd:"" help:"Remove old dependency snapshots."`
	Serve    ServeCmd    `cmd:"" help:"Run the build daemon."`
	Status   StatusCmd   `cmd:"" help:"Show build daemon status."`
	Shutdown ShutdownCmd `cmd:"" help:"Stop the build daemon."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`
}

// Returned by commands whose outcome is a process exit code.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// Parses arguments, configures logging, and runs the selected subcommand.
func Execute(logger *log.Logger) error {

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("Packages uv-managed Python ASGI services as two-stage container images.\n\n"+
			"Dependencies are installed from the lock file in a builder stage and copied, owned by a\n"+
			"non-root user, into a minimal runtime image served by uvicorn."),
		kong.UsageOnError(),
		kong.Vars{
			"version": internal.VersionString(),
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger(logger)

	return kongCtx.Run()
}

// Configures the logger based on CLI flags.
func configureLogger(logger *log.Logger) {
	if RootCmd.Debug {
		internal.SetDebug(true)
	}
	if RootCmd.Quiet {
		internal.SetQuiet(true)
	}
	if RootCmd.Verbose {
		internal.SetVerbose(true)
	}

	logging.Configure(logger, logging.Options{
		Level:   internal.LogLevel(),
		Verbose: internal.IsVerbose(),
	})
}

// Loads the settings of the project in dir, honouring --config.
func loadSettings(dir string) (string, *settings.Settings, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", nil, err
	}
	s, err := settings.Load(abs, RootCmd.Config)
	if err != nil {
		return "", nil, err
	}
	return abs, s, nil
}

// Connects to containerd as configured.
func connect(s *settings.Settings) (*runtime.Runtime, error) {
	return runtime.New(s.Containerd.Address, s.Containerd.Namespace,
		runtime.WithSnapshotter(s.Containerd.Snapshotter),
	)
}
