// Package recipe describes image builds as ordered stages of steps.
//
// A recipe is data: it names base images, the commands to run, the files to
// copy and the configuration of the resulting image. The build package
// executes it. [ForProject] produces the fixed two-stage recipe for a uv
// project: a transient builder stage that materializes the virtual
// environment, and a runtime stage that receives only that environment.
//
// Steps are either operations (run, copy), groups (nested steps sharing
// modifiers and an optional snapshot), or standalone modifiers (shell,
// workdir, env, user) that persist for the rest of the stage.
//
// Example:
//
//	r := recipe.ForProject(cfg, proj)
//	if err := r.Validate(); err != nil {
//	    return err
//	}
//	err = r.Encode(os.Stdout)
package recipe
