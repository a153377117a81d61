package build

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cruciblehq/uvimage/internal/fault"
	"github.com/cruciblehq/uvimage/internal/layercache"
	"github.com/cruciblehq/uvimage/internal/recipe"
	"go.trai.ch/zerr"
)

// Per-platform state shared by the steps of all stages.
type stageContext struct {
	ctr      Container            // Container of the stage being built.
	stages   map[string]Container // Completed named stages, for cross-stage copies.
	root     string               // Build context directory.
	filter   *sourceFilter        // Exclusions applied to host copies.
	layers   *layercache.Store    // Snapshot store, nil when disabled.
	platform string               // Target platform.
	image    *Image               // Result being assembled.
}

// Executes a list of steps in order against the stage container.
func executeSteps(ctx context.Context, sc *stageContext, steps []recipe.Step, state *stepState, phase recipe.Phase) error {
	for i, step := range steps {
		if err := executeStep(ctx, sc, step, state, phase); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

// Executes a single step, dispatching to snapshot handling, group recursion,
// operation execution, or state mutation depending on the step's fields.
//
// A phase set on the step replaces the inherited one for the step and its
// children.
func executeStep(ctx context.Context, sc *stageContext, step recipe.Step, state *stepState, phase recipe.Phase) error {
	if step.Phase != "" {
		phase = step.Phase
	}

	switch {
	case step.Snapshot != nil:
		return executeSnapshot(ctx, sc, step, state, phase)

	// Group: apply group-level modifiers and recurse.
	case step.IsGroup():
		state.apply(step)
		return executeSteps(ctx, sc, step.Steps, state, phase)

	// Operation with optional scoped modifiers.
	case step.IsOperation():
		return executeOperation(ctx, sc, step, state, phase)
	}

	// Standalone modifier(s): persist in state.
	state.apply(step)
	return nil
}

// Executes a run or copy operation with scoped modifier overrides.
//
// Step-level modifiers override the persistent state for this operation only.
// The persistent state is not modified.
func executeOperation(ctx context.Context, sc *stageContext, step recipe.Step, state *stepState, phase recipe.Phase) error {
	resolved := state.resolve(step)

	if resolved.workdir != "" {
		if err := sc.ctr.MkdirAll(ctx, resolved.workdir); err != nil {
			return classify(phase, fault.Wrap(ErrFileSystemOperation, err))
		}
	}

	switch {
	case step.Run != "":
		slog.Debug("run", "command", step.Run, "shell", resolved.shell, "user", resolved.user)
		result, err := sc.ctr.ExecAs(ctx, resolved.user, resolved.shell, step.Run, resolved.environ(), resolved.workdir)
		if err != nil {
			return err
		}
		if out := strings.TrimSpace(result.Stdout); out != "" {
			slog.Debug("run output", "command", step.Run, "stdout", out)
		}
		if result.ExitCode != 0 {
			err := fault.Wrapf(ErrCommandFailed, "exit code %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))
			return classify(phase, zerr.With(err, "command", step.Run))
		}

	case step.Copy != "":
		if err := executeCopy(ctx, sc, step.Copy, step.Chown, resolved.workdir); err != nil {
			return classify(phase, err)
		}
	}

	return nil
}
