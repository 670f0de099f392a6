// Package cumulus implements a rule engine and trigger dispatch daemon
// for data ingest pipelines built on NATS JetStream.
//
// Rules associate a trigger with a workflow. Four trigger types are
// supported:
//
//   - onetime: the workflow is dispatched once when the rule is created
//     or re-enabled
//   - scheduled: the workflow is dispatched on a cron schedule
//   - stream: records arriving on a JetStream ingest subject are
//     validated, matched against rules and dispatched per rule
//   - topic: records arriving on a core NATS subject are handled the
//     same way without replay semantics
//
// Stream rules that share a trigger value share a reference-counted
// pair of durable consumers, one for dispatch and one for record
// logging. The binding package owns that lifecycle; the consumer
// package drains the bound consumers, validates records and hands them
// to the dispatcher, which resolves a workflow message template from
// object storage, personalizes it for each matching rule and submits
// the execution request to a work-queue stream.
//
// Records that fail processing are republished once to a fallback
// subject and retried; a record that fails its retry is left to
// JetStream redelivery and surfaces in the metrics.
//
// The packages compose over a single NATS connection:
//
//   - rule: rule entities, persistence and lifecycle orchestration
//   - binding: shared stream-consumer bindings with reference counts
//   - consumer: record validation, batch processing and dispatch
//   - workflow: template resolution and execution request construction
//   - scheduler: cron scheduling for scheduled rules
//   - dataset, datasource: reference entities with deletion guards
//   - api: request-reply management surface over NATS
//   - config, metric, health, natsclient, errors: runtime plumbing
//
// The cumulus daemon in cmd/cumulus wires everything together.
package cumulus
