package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cruciblehq/uvimage/internal/client"
	"github.com/cruciblehq/uvimage/internal/pipeline"
	"github.com/cruciblehq/uvimage/internal/protocol"
	"github.com/cruciblehq/uvimage/internal/settings"
)

// Represents the 'uvimage build' command.
type BuildCmd struct {
	Dir       string   `arg:"" optional:"" default:"." help:"Project directory." type:"existingdir"`
	Output    string   `short:"o" help:"Directory for image.tar. Relative paths are resolved against the project." placeholder:"DIR"`
	Tag       string   `short:"t" help:"Image reference recorded in the archive."`
	Platforms []string `short:"p" name:"platform" help:"Target platform, e.g. linux/arm64. Repeatable."`
	Daemon    bool     `help:"Build through the running daemon."`
}

// Executes the build command.
//
// Prints the archive path on success. Failures match the build failure class
// of the phase that failed.
func (c *BuildCmd) Run(ctx context.Context) error {
	if c.Daemon {
		return c.runRemote(ctx)
	}

	dir, s, err := loadSettings(c.Dir)
	if err != nil {
		return err
	}
	c.apply(dir, s)

	rt, err := connect(s)
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := pipeline.Build(ctx, rt, dir, s)
	if err != nil {
		return err
	}

	for _, img := range res.Images {
		fmt.Printf("%s\t%s\t%s\n", img.Platform, img.Manifest, img.Archive)
	}
	return nil
}

// Applies the flag overrides to s.
func (c *BuildCmd) apply(dir string, s *settings.Settings) {
	if c.Output != "" {
		s.Build.Output = c.Output
		if !filepath.IsAbs(c.Output) {
			s.Build.Output = filepath.Join(dir, c.Output)
		}
	}
	if c.Tag != "" {
		s.Build.Tag = c.Tag
	}
	if len(c.Platforms) > 0 {
		s.Build.Platforms = c.Platforms
	}
}

func (c *BuildCmd) runRemote(ctx context.Context) error {
	dir, err := filepath.Abs(c.Dir)
	if err != nil {
		return err
	}

	res, err := client.New(RootCmd.Socket).Build(ctx, &protocol.BuildRequest{
		Dir:       dir,
		Config:    RootCmd.Config,
		Output:    c.Output,
		Tag:       c.Tag,
		Platforms: c.Platforms,
	})
	if err != nil {
		return err
	}

	reused := "rebuilt"
	if res.Reused {
		reused = "reused"
	}
	fmt.Printf("%s\t%s\tdependencies %s in %s\n", res.Tag, res.Archive, reused, time.Duration(res.DurationMS)*time.Millisecond)
	return nil
}
