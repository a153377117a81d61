// Package project reads a uv project's manifest and lock file and checks
// that they agree.
//
// The manifest is the [project] table of pyproject.toml. The lock file is
// uv.lock, whose root package records the requirements the lock was resolved
// from. [Verify] performs the same consistency check as "uv sync --locked"
// before any container is started, so an inconsistent pair fails the build
// without producing an image. [Fingerprint] derives the cache key of the
// dependency-only environment from the exact bytes of both files.
package project
