// Package worker is the per-machine job execution agent. On startup the
// process re-executes itself into a fresh user and PID namespace so every
// descendant dies with it, then opens one long-lived connection to the
// broker, announces its slot count, and executes each assigned job in its
// own container (see pkg/executor). Layer artifacts are resolved through
// the local content-addressed cache (pkg/workercache); cache misses are
// filled by opening a second, transient broker connection in the artifact
// fetcher role.
package worker


