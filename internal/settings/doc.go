// Package settings loads the build and runtime parameters of a project.
//
// Values come from three layers, lowest precedence first: compiled-in
// defaults, an optional uvimage.yaml next to pyproject.toml, and UVIMAGE_*
// environment variables (UVIMAGE_ENTRYPOINT_RELOAD=false overrides
// entrypoint.reload). The runtime identity, filesystem layout and entry point
// are plain values on [Settings] and are injected into the recipe when it is
// assembled.
package settings
