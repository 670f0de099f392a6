// Package api exposes rule, dataset and data source management over
// NATS request-reply subjects, so operators and the operations console
// mutate the engine through the same lifecycle paths the daemon uses
// internally.
package api
