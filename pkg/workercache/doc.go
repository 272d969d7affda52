// Package workercache is the worker's content-addressed on-disk artifact
// store. Entries are keyed by digest and evicted least-recently-used to stay
// under a configured byte budget; pinned entries (those referenced by a job
// currently assigned to the worker) are never evicted. At most one download
// per digest is ever in flight. A bbolt sidecar index of (digest, size,
// last-used) lets the cache recover its contents across worker restarts.
package workercache
