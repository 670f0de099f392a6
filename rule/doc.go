// Package rule implements trigger rules: the entity and its validation,
// the KV-backed store with uniqueness and referential lookups, and the
// lifecycle service that keeps external stream-consumer bindings in step
// with rule mutations.
package rule
