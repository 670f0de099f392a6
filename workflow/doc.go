// Package workflow resolves workflow message templates from object
// storage and assembles execution requests by layering rule context and
// record payloads onto a template.
package workflow
