package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/cruciblehq/uvimage/internal/audit"
	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Represents the 'uvimage inspect' command.
type InspectCmd struct {
	Archive  string `arg:"" help:"OCI archive written by build." type:"existingfile"`
	Dir      string `default:"." help:"Project directory whose settings define the policy." type:"existingdir"`
	Platform string `short:"p" help:"Manifest to inspect in a multi-platform archive."`
	Format   string `short:"f" enum:"text,json,yaml" default:"text" help:"Output format (${enum})."`
}

// Executes the inspect command.
//
// Fails when the image violates the policy, after printing the report.
func (c *InspectCmd) Run(ctx context.Context) error {
	_, s, err := loadSettings(c.Dir)
	if err != nil {
		return err
	}

	policy := audit.PolicyFor(s)
	policy.Platform = c.Platform

	report, err := audit.Inspect(ctx, c.Archive, policy)
	if err != nil {
		return err
	}

	switch c.Format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}
	default:
		printReport(report)
	}

	return report.Err()
}

func printReport(r *audit.Report) {
	fmt.Printf("image:    %s\n", r.Name)
	fmt.Printf("manifest: %s\n", r.Manifest)
	fmt.Printf("platform: %s\n", r.Platform)
	fmt.Printf("user:     %s\n", r.Config.User)
	fmt.Printf("cmd:      %s\n", strings.Join(slices.Concat(r.Config.Entrypoint, r.Config.Cmd), " "))
	fmt.Printf("layers:   %d (%s, %d files)\n", r.Layers, units.HumanSize(float64(r.Size)), r.Files)

	if r.OK() {
		fmt.Println("policy:   ok")
		return
	}
	fmt.Printf("policy:   %d violations\n", len(r.Violations))
	for _, v := range r.Violations {
		fmt.Printf("  %s\n", v)
	}
}
