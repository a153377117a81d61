// Package audit inspects a built OCI image archive without a container
// runtime.
//
// [Inspect] follows the archive's index to a manifest, verifies the digests
// of the JSON documents it reads, scans every layer concurrently and merges
// them with whiteouts applied. The result is checked against a [Policy]:
//
//   - the configured user is the non-root service identity
//   - the service port is exposed and the command starts the ASGI server
//   - the environment's bin directory leads PATH
//   - no layer carries the package manager cache or its binaries
//   - the project directory holds nothing but the environment, owned by the
//     service identity
//
// Problems with the archive itself match [ErrArchive]. Policy failures are
// collected in the [Report]; [Report.Err] turns them into errors matching
// [ErrViolation].
package audit
