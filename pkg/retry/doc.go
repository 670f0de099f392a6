// Package retry provides exponential backoff retry for transient
// infrastructure failures. Domain-level protocols (the fallback republish,
// rule mutations) never retry through this package; it exists for
// compare-and-swap loops and connection-level hiccups.
package retry
