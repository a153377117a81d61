// Package pipeline turns a project directory into an image.
//
// [Prepare] runs entirely on the host: it loads pyproject.toml and uv.lock,
// refuses a lock that no longer matches the manifest, and derives the
// two-stage recipe and its dependency snapshot key. [Execute] then runs the
// recipe through a [build.Engine] with the host uv cache mounted into the
// builder and the snapshot store enabled, so a rebuild after a source-only
// change restores the dependency environment instead of syncing it again.
//
//	plan, err := pipeline.Prepare(dir, s)
//	if err != nil {
//	    return err // build.ErrResolution for a stale lock
//	}
//	res, err := pipeline.Execute(ctx, build.NewEngine(rt), plan)
package pipeline
