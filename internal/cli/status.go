package cli

import (
	"context"
	"fmt"

	"github.com/cruciblehq/uvimage/internal/client"
)

// Represents the 'uvimage status' command.
type StatusCmd struct {
	Container string `help:"Report the state of this container instead." placeholder:"ID"`
}

// Executes the status command.
func (c *StatusCmd) Run(ctx context.Context) error {
	cl := client.New(RootCmd.Socket)

	if c.Container != "" {
		res, err := cl.ContainerStatus(ctx, c.Container)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\n", res.ID, res.State)
		return nil
	}

	res, err := cl.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("version: %s\n", res.Version)
	fmt.Printf("pid:     %d\n", res.Pid)
	fmt.Printf("uptime:  %s\n", res.Uptime)
	fmt.Printf("builds:  %d\n", res.Builds)
	return nil
}

// Represents the 'uvimage shutdown' command.
type ShutdownCmd struct{}

// Executes the shutdown command.
func (c *ShutdownCmd) Run(ctx context.Context) error {
	return client.New(RootCmd.Socket).Shutdown(ctx)
}
