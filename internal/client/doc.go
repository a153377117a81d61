// Package client sends commands to the uvimage build daemon.
//
// Every call opens a connection to the daemon socket, writes one request
// envelope and reads one response. Error responses come back as errors
// matching [ErrRemote]; build failures additionally match the failure class
// reported by the daemon, so callers handle them like local builds.
package client
