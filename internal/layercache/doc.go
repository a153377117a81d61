// Package layercache stores filesystem snapshots on the build host.
//
// A snapshot is a tar stream of one container directory, keyed by a
// fingerprint of everything that determined its content. Entries are
// compressed with zstd and written atomically, so concurrent builds that
// produce the same key never observe a partial entry. Reading an entry
// refreshes its modification time, which [Store.Prune] uses to evict the
// least recently used entries.
package layercache
