// Package errors provides the error taxonomy shared by the rule engine:
// classified errors (transient, invalid, fatal) with consistent wrapping,
// plus the typed domain errors surfaced by rule mutations, record
// validation, binding provisioning and dispatch.
package errors
