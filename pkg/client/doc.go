// Package client is the library a job-submitting process links against.
//
// A Client is split across a synchronous foreground API (AddJob, AwaitJob,
// StateCounts) and a background loop that owns the actual broker
// connection. The two halves speak the same framed wire protocol over a
// local socket pair, so the foreground sees exactly the broker's message
// shapes; the background multiplexes many in-flight jobs and streams
// artifact uploads on demand whenever the broker reports missing digests.
// The background's lifetime is scoped to the Client handle: Close tears
// down both the local pair and the broker connection.
package client
