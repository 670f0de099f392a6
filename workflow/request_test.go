package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yjpa7145/cumulus/rule"
)

func testTemplate(t *testing.T) Template {
	t.Helper()
	var tmpl Template
	require.NoError(t, json.Unmarshal([]byte(ingestTemplate), &tmpl))
	return tmpl
}

func testRule() *rule.Rule {
	return &rule.Rule{
		Name:     "mdr-ingest",
		Workflow: "IngestRecord",
		Dataset:  "MOD09GQ.006",
		Source:   "podaac-ftp",
		State:    rule.StateEnabled,
		Trigger:  rule.Trigger{Type: rule.TypeStream, Value: "ingest.records.mdr"},
	}
}

func TestBuildExecutionRequestLayersContext(t *testing.T) {
	payload := map[string]any{"files": []any{"granule-1.hdf"}}

	req, err := BuildExecutionRequest(testTemplate(t), testRule(), payload)
	require.NoError(t, err)

	assert.Equal(t, "workflow.start.default", req.QueueSubject)

	meta, ok := req.Message["meta"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "MOD09GQ.006", meta["dataset"])
	assert.Equal(t, "podaac-ftp", meta["source"])
	assert.Equal(t, "daac-prod", meta["stack"], "template keys survive the merge")

	assert.Equal(t, payload, req.Message["payload"])
}

func TestBuildExecutionRequestRuleMetaWinsOverTemplate(t *testing.T) {
	r := testRule()
	r.Meta = map[string]any{"stack": "daac-test", "retries": float64(2)}

	req, err := BuildExecutionRequest(testTemplate(t), r, nil)
	require.NoError(t, err)

	meta := req.Message["meta"].(map[string]any)
	assert.Equal(t, "daac-test", meta["stack"], "rule metadata overrides template values")
	assert.Equal(t, float64(2), meta["retries"])
}

func TestBuildExecutionRequestNestedMetaMerges(t *testing.T) {
	r := testRule()
	r.Meta = map[string]any{
		"queues": map[string]any{"background": "workflow.start.background"},
	}

	req, err := BuildExecutionRequest(testTemplate(t), r, nil)
	require.NoError(t, err)

	queues := req.Message["meta"].(map[string]any)["queues"].(map[string]any)
	assert.Equal(t, "workflow.start.default", queues["start_workflow"],
		"sibling keys in nested maps survive")
	assert.Equal(t, "workflow.start.background", queues["background"])
}

func TestBuildExecutionRequestDoesNotMutateTemplate(t *testing.T) {
	tmpl := testTemplate(t)
	before, err := json.Marshal(tmpl)
	require.NoError(t, err)

	r := testRule()
	r.Meta = map[string]any{"stack": "daac-test"}
	_, err = BuildExecutionRequest(tmpl, r, map[string]any{"k": "v"})
	require.NoError(t, err)

	after, err := json.Marshal(tmpl)
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after), "template must stay pristine")
}

func TestBuildExecutionRequestExecutionBlock(t *testing.T) {
	req, err := BuildExecutionRequest(testTemplate(t), testRule(), nil)
	require.NoError(t, err)

	execution, ok := req.Message["execution"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "IngestRecord", execution["workflow"])
	name, _ := execution["name"].(string)
	assert.Contains(t, name, "IngestRecord-", "execution names are unique per dispatch")
}

func TestBuildExecutionRequestEmptyPayload(t *testing.T) {
	req, err := BuildExecutionRequest(testTemplate(t), testRule(), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, req.Message["payload"])
}

func TestBuildExecutionRequestMissingQueue(t *testing.T) {
	tmpl := Template{"meta": map[string]any{}}

	_, err := BuildExecutionRequest(tmpl, testRule(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queues")
}

func TestBuildExecutionRequestQueueFromRuleMeta(t *testing.T) {
	tmpl := Template{"meta": map[string]any{}}
	r := testRule()
	r.Meta = map[string]any{
		"queues": map[string]any{"start_workflow": "workflow.start.priority"},
	}

	req, err := BuildExecutionRequest(tmpl, r, nil)
	require.NoError(t, err)
	assert.Equal(t, "workflow.start.priority", req.QueueSubject,
		"rules can redirect dispatch to their own queue")
}
