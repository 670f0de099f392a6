// Package consumer ingests stream and topic records, validates them
// against the record schema, matches them to enabled rules, and submits
// one workflow execution per match. Failed records are retried once
// through a fallback subject; a record that fails after fallback
// delivery is terminal.
package consumer
