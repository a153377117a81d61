// Package build executes recipes against container runtimes.
//
// A recipe is an ordered sequence of stages, each backed by a container
// created from a base image with the stage's bind mounts. The build starts a
// container for each stage, dispatches its steps (shell commands, file
// copies, and inter-stage transfers), and exports the final non-transient
// stage as an OCI image. Multi-platform builds repeat the pipeline per
// platform, writing each result to a platform-specific output directory.
//
// Step state (environment variables, working directory, shell, user) is
// accumulated across steps within a stage and reset between stages. Groups
// tagged with a phase classify their failures as [ErrResolution],
// [ErrInstall] or [ErrAssembly]. Groups carrying a snapshot store the tree
// they produce in a [layercache.Store] and are skipped on later builds whose
// key matches, which is how an unchanged dependency set is reused.
//
// Host copies read from the build context, skipping the default exclusions,
// the context's .dockerignore patterns and any extra patterns. Their entries
// are owned by root unless the step sets chown.
//
// Example usage:
//
//	result, err := build.Run(ctx, rt, build.Options{
//	    Recipe:    rec,
//	    Resource:  "my-service",
//	    Output:    "dist",
//	    Root:      ".",
//	    Layers:    store,
//	    Platforms: []string{"linux/amd64", "linux/arm64"},
//	})
//	if err != nil {
//	    return err
//	}
package build
