// Package binding manages the externally provisioned stream-consumer
// bindings shared by stream rules. Every distinct trigger value owns at
// most one binding pair (dispatch and record-log), reference counted by
// the enabled rules pointing at it.
package binding
