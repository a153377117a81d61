package cli

import (
	"context"
	"fmt"

	"github.com/cruciblehq/uvimage/internal/pipeline"
)

// Represents the 'uvimage check' command.
type CheckCmd struct {
	Dir string `arg:"" optional:"" default:"." help:"Project directory." type:"existingdir"`
}

// Executes the check command.
//
// Runs everything a build does before its first container: settings, the
// manifest and lock, and the lock check. Nothing is pulled or started.
func (c *CheckCmd) Run(ctx context.Context) error {
	dir, s, err := loadSettings(c.Dir)
	if err != nil {
		return err
	}

	plan, err := pipeline.Prepare(dir, s)
	if err != nil {
		return err
	}

	fmt.Printf("%s %s: lock up to date, %d packages\n",
		plan.Project.Manifest.Name, plan.Project.Manifest.Version, len(plan.Project.Lock.Packages))
	fmt.Printf("tag:      %s\n", plan.Tag)
	fmt.Printf("snapshot: %s\n", plan.Key)
	return nil
}
