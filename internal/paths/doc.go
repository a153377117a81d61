// Provides host paths used by uvimage.
//
// Paths follow XDG conventions on Linux and platform-native conventions on
// macOS. Runtime files (daemon socket, PID file) live under the runtime
// directory. The dependency download cache and the layer cache live under the
// cache directory. Both caches stay on the builder host and are never
// copied into an image.
package paths
