// Package engine provides the asynchronous job executor. Each accepted job
// runs in its own goroutine against the backend chosen at dispatch, under the
// retry and overall timeout policy, and ends with exactly one terminal
// outcome published to the stream registry and recorded in the store.
package engine
