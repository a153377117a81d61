package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/cruciblehq/uvimage/internal"
	"github.com/cruciblehq/uvimage/internal/cli"
	"github.com/cruciblehq/uvimage/internal/logging"
)

// The entry point for uvimage.
//
// Initializes logging, displays startup information, and executes the root
// command. Exits with the service exit code for 'run', 1 for any other
// failure.
func main() {
	logger := logging.New(internal.Name, internal.LogLevel())
	slog.SetDefault(slog.New(logger))

	slog.Debug("build", "version", internal.VersionString())

	slog.Debug("uvimage is running",
		"pid", os.Getpid(),
		"cwd", cwd(),
		"args", os.Args,
	)

	if err := cli.Execute(logger); err != nil {
		var exit *cli.ExitError
		if errors.As(err, &exit) {
			os.Exit(exit.Code)
		}
		slog.Error(err.Error())
		os.Exit(1)
	}
}

// Returns the current working directory or "(unknown)".
func cwd() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "(unknown)"
	}
	return cwd
}
