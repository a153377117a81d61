package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/cruciblehq/uvimage/internal"
)

const (

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644
)

// Directory for runtime files (sockets, PIDs).
//
//	Linux:   $XDG_RUNTIME_DIR/uvimage or /run/user/<uid>/uvimage
//	macOS:   ~/Library/Caches/uvimage/run
func Runtime() string {
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, internal.Name)
	}
	return filepath.Join(Cache(), "run")
}

// Unix domain socket of the build daemon.
func Socket() string {
	return filepath.Join(Runtime(), internal.Name+".sock")
}

// PID file of the build daemon.
func PIDFile() string {
	return filepath.Join(Runtime(), internal.Name+".pid")
}

// Root of all persistent caches.
//
//	Linux:   $XDG_CACHE_HOME/uvimage or ~/.cache/uvimage
//	macOS:   ~/Library/Caches/uvimage
func Cache() string {
	return filepath.Join(xdg.CacheHome, internal.Name)
}

// Host directory bind-mounted into builder containers as the uv download
// cache. Shared across builds; uv serializes concurrent access itself.
func DependencyCache() string {
	return filepath.Join(Cache(), "uv")
}

// Directory of the content-addressed dependency environment snapshots.
func Layers() string {
	return filepath.Join(Cache(), "layers")
}
