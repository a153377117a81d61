package cli

import (
	"context"
	"fmt"

	"github.com/cruciblehq/uvimage/internal/client"
	"github.com/cruciblehq/uvimage/internal/layercache"
	"github.com/docker/go-units"
)

// Represents the 'uvimage prune' command.
type PruneCmd struct {
	Keep   int    `default:"5" help:"Number of most recently used snapshots to keep."`
	Dir    string `default:"." help:"Project directory whose settings locate the store." type:"existingdir"`
	Daemon bool   `help:"Prune the running daemon's store."`
}

// Executes the prune command.
func (c *PruneCmd) Run(ctx context.Context) error {
	removed, freed, err := c.prune(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d snapshots, freed %s\n", removed, units.HumanSize(float64(freed)))
	return nil
}

func (c *PruneCmd) prune(ctx context.Context) (int, int64, error) {
	if c.Daemon {
		res, err := client.New(RootCmd.Socket).Prune(ctx, c.Keep)
		if err != nil {
			return 0, 0, err
		}
		return res.Removed, res.Freed, nil
	}

	_, s, err := loadSettings(c.Dir)
	if err != nil {
		return 0, 0, err
	}
	store, err := layercache.New(s.Build.LayerDir)
	if err != nil {
		return 0, 0, err
	}
	return store.Prune(c.Keep)
}
