package cli

import (
	"context"
	"os"

	"github.com/cruciblehq/uvimage/internal/pipeline"
)

// Represents the 'uvimage plan' command.
type PlanCmd struct {
	Dir string `arg:"" optional:"" default:"." help:"Project directory." type:"existingdir"`
}

// Executes the plan command.
//
// Prints the recipe a build of the project would execute, as YAML.
func (c *PlanCmd) Run(ctx context.Context) error {
	dir, s, err := loadSettings(c.Dir)
	if err != nil {
		return err
	}

	plan, err := pipeline.Prepare(dir, s)
	if err != nil {
		return err
	}

	return plan.Recipe.Encode(os.Stdout)
}
