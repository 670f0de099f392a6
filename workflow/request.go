package workflow

import (
	"github.com/google/uuid"

	"github.com/yjpa7145/cumulus/errors"
	"github.com/yjpa7145/cumulus/rule"
)

// ExecutionRequest is a fully assembled workflow start message together
// with the queue subject it must be submitted on.
type ExecutionRequest struct {
	QueueSubject string
	Message      map[string]any
}

// BuildExecutionRequest layers rule context and the record payload onto
// the workflow template. Precedence is template, then rule metadata,
// then the payload at the "payload" key. The template itself is never
// mutated.
func BuildExecutionRequest(tmpl Template, r *rule.Rule, payload map[string]any) (*ExecutionRequest, error) {
	msg, ok := deepCopyValue(map[string]any(tmpl)).(map[string]any)
	if !ok || msg == nil {
		msg = make(map[string]any)
	}

	meta, ok := msg["meta"].(map[string]any)
	if !ok {
		meta = make(map[string]any)
		msg["meta"] = meta
	}
	if r.Dataset != "" {
		meta["dataset"] = r.Dataset
	}
	if r.Source != "" {
		meta["source"] = r.Source
	}
	deepMerge(meta, r.Meta)

	execution, ok := msg["execution"].(map[string]any)
	if !ok {
		execution = make(map[string]any)
		msg["execution"] = execution
	}
	execution["workflow"] = r.Workflow
	execution["name"] = r.Workflow + "-" + uuid.NewString()

	if payload == nil {
		payload = make(map[string]any)
	}
	msg["payload"] = payload

	subject, err := queueSubject(meta)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Workflow", "BuildExecutionRequest",
			"resolve start queue for workflow "+r.Workflow)
	}
	return &ExecutionRequest{QueueSubject: subject, Message: msg}, nil
}

// queueSubject pulls the workflow-start queue subject out of the merged
// meta block at meta.queues.start_workflow.
func queueSubject(meta map[string]any) (string, error) {
	queues, ok := meta["queues"].(map[string]any)
	if !ok {
		return "", errors.New("template meta has no queues block")
	}
	subject, ok := queues["start_workflow"].(string)
	if !ok || subject == "" {
		return "", errors.New("template meta.queues.start_workflow is not set")
	}
	return subject, nil
}

// deepMerge merges src into dst recursively. Nested maps merge key by
// key with src winning on conflicts; every other value overwrites.
func deepMerge(dst, src map[string]any) {
	for key, sv := range src {
		if sm, ok := sv.(map[string]any); ok {
			if dm, ok := dst[key].(map[string]any); ok {
				deepMerge(dm, sm)
				continue
			}
		}
		dst[key] = deepCopyValue(sv)
	}
}

func deepCopyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, val := range tv {
			out[k] = deepCopyValue(val)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, val := range tv {
			out[i] = deepCopyValue(val)
		}
		return out
	default:
		return v
	}
}
