// Package launch enforces the start-up contract of a built image.
//
// A started service must accept TCP connections on its port within a
// bounded interval ([WaitListening], [Ready]) and must run as the configured
// non-root uid ([CheckIdentity]). [Supervise] then waits for the process to
// exit, stopping it gracefully when the caller cancels, and hands back the
// exit code unchanged. Failures match [ErrStartup] or [ErrIdentity].
package launch
