// Package server implements the uvimage build daemon.
//
// The daemon listens on a Unix domain socket for JSON-encoded commands from
// the uvimage CLI. Each connection carries a single request-response
// exchange: the client sends a newline-delimited JSON envelope, the server
// dispatches the command, and writes the result back before closing the
// connection. A client that disconnects early cancels its build.
//
// Supported commands build a project directory, report the state of a
// container, prune the dependency snapshot store, report daemon status and
// initiate shutdown. Builds are delegated to the pipeline package and run
// one at a time against containerd.
//
// Example usage:
//
//	srv, err := server.New(server.Config{Settings: settings.Default()})
//	if err != nil {
//	    return err
//	}
//
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop()
//
//	srv.Wait()
package server
