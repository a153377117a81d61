package cli

import (
	"context"
	"fmt"

	"github.com/cruciblehq/uvimage/internal"
)

// Represents the 'uvimage version' command.
type VersionCmd struct {
	Short bool `help:"Print only the release version."`
}

// Executes the version command.
//
// Development builds print "(local)" unless --short is given, which prints
// the bare release version or "(undefined)".
func (c *VersionCmd) Run(ctx context.Context) error {
	if c.Short {
		fmt.Println(internal.Version())
		return nil
	}
	fmt.Printf("%s %s\n", internal.Name, internal.VersionString())
	return nil
}
