package protocol

// Lifecycle of a container.
//
// Build containers move from created to running and are destroyed. Service
// containers end in stopped after a zero exit status or crashed otherwise.
type ContainerState string

const (
	ContainerNotCreated ContainerState = "not-created"
	ContainerCreated    ContainerState = "created"
	ContainerRunning    ContainerState = "running"
	ContainerStopped    ContainerState = "stopped"
	ContainerCrashed    ContainerState = "crashed"
)

// Asks the daemon to build the project in Dir.
type BuildRequest struct {
	Dir       string   `json:"dir"`                 // Absolute project directory.
	Config    string   `json:"config,omitempty"`    // Settings file, empty for the project default.
	Output    string   `json:"output,omitempty"`    // Overrides build.output.
	Tag       string   `json:"tag,omitempty"`       // Overrides build.tag.
	Platforms []string `json:"platforms,omitempty"` // Overrides build.platforms.
}

// Describes a finished build.
type BuildResult struct {
	Archive    string `json:"archive"`     // Path of the written OCI archive.
	Tag        string `json:"tag"`         // Reference recorded in the archive.
	Snapshot   string `json:"snapshot"`    // Key of the dependency-only environment.
	Reused     bool   `json:"reused"`      // Whether that environment came from the cache.
	DurationMS int64  `json:"duration_ms"` // Wall time of the build.
}

// Daemon status.
type StatusResult struct {
	Running bool   `json:"running"`
	Version string `json:"version"`
	Pid     int    `json:"pid"`
	Uptime  string `json:"uptime"`
	Builds  int    `json:"builds"`
}

// Asks for the state of one container.
type ContainerStatusRequest struct {
	ID string `json:"id"`
}

// State of one container.
type ContainerStatusResult struct {
	ID    string         `json:"id"`
	State ContainerState `json:"state"`
}

// Asks the daemon to trim the snapshot store.
type PruneRequest struct {
	Keep int `json:"keep"`
}

// Outcome of a prune.
type PruneResult struct {
	Removed int   `json:"removed"`
	Freed   int64 `json:"freed"`
}

// Carried by [CmdError] responses.
type ErrorResult struct {
	Message string `json:"message"`
	Class   string `json:"class,omitempty"` // Build failure class, if any.
}
