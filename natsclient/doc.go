// Package natsclient wraps the NATS connection used by every component:
// core publish/subscribe, JetStream streams and durable consumers, and the
// KV and ObjectStore buckets backing the entity stores and workflow
// templates.
package natsclient
