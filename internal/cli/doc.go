// Parses flags and runs uvimage commands.
//
// The root command accepts the following flags:
//
//	-q, --quiet     Suppress informational output.
//	-v, --verbose   Enable verbose output.
//	-d, --debug     Enable debug output.
//	-c, --config    Settings file.
//	-s, --socket    Daemon socket path.
//
// Flags override build-time defaults set via linker flags. After parsing, the
// logger is reconfigured to reflect the final level and verbosity before the
// command runs. Commands that run a service report its exit code through
// [ExitError].
package cli
