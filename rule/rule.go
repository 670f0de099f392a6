package rule

import (
	"time"

	"github.com/yjpa7145/cumulus/errors"
)

// Type identifies how a rule is triggered.
type Type string

const (
	// TypeOnetime dispatches once, at creation or when re-enabled.
	TypeOnetime Type = "onetime"
	// TypeScheduled dispatches on a cron schedule carried in the trigger value.
	TypeScheduled Type = "scheduled"
	// TypeStream dispatches for records arriving on a stream subject.
	TypeStream Type = "stream"
	// TypeTopic dispatches for records arriving on a broadcast topic.
	TypeTopic Type = "topic"
)

// State is the activation state of a rule. Only enabled rules match
// inbound records or fire on schedule.
type State string

const (
	StateEnabled  State = "ENABLED"
	StateDisabled State = "DISABLED"
)

// Trigger holds the trigger configuration of a rule. For stream rules the
// binding refs identify the externally provisioned consumers attached to
// the trigger value; they are managed by the lifecycle service and must
// not be set by callers.
type Trigger struct {
	Type          Type   `json:"type"`
	Value         string `json:"value,omitempty"`
	BindingRef    string `json:"bindingRef,omitempty"`
	LogBindingRef string `json:"logBindingRef,omitempty"`
}

// Rule maps a trigger condition to a workflow. Name is the unique,
// immutable identity of the rule.
type Rule struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Workflow  string         `json:"workflow"`
	Dataset   string         `json:"dataset,omitempty"`
	Source    string         `json:"source,omitempty"`
	Trigger   Trigger        `json:"trigger"`
	State     State          `json:"state"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Enabled reports whether the rule is active.
func (r *Rule) Enabled() bool { return r.State == StateEnabled }

// MatchesDataset reports whether the rule applies to a record carrying
// the given dataset. A rule without a dataset matches every record.
func (r *Rule) MatchesDataset(dataset string) bool {
	return r.Dataset == "" || r.Dataset == dataset
}

func validType(t Type) bool {
	switch t {
	case TypeOnetime, TypeScheduled, TypeStream, TypeTopic:
		return true
	}
	return false
}

// Validate checks structural validity of the rule. Stream, topic and
// scheduled rules require a trigger value; every rule requires a name
// and a workflow.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return errors.WrapInvalid(nil, "Rule", "Validate", "rule name is required")
	}
	if r.Workflow == "" {
		return errors.WrapInvalid(nil, "Rule", "Validate", "rule workflow is required")
	}
	if !validType(r.Trigger.Type) {
		return errors.WrapInvalid(nil, "Rule", "Validate",
			"rule type must be one of onetime, scheduled, stream, topic")
	}
	switch r.Trigger.Type {
	case TypeStream, TypeTopic, TypeScheduled:
		if r.Trigger.Value == "" {
			return errors.WrapInvalid(nil, "Rule", "Validate",
				"trigger value is required for "+string(r.Trigger.Type)+" rules")
		}
	}
	switch r.State {
	case StateEnabled, StateDisabled:
	default:
		return errors.WrapInvalid(nil, "Rule", "Validate",
			"rule state must be ENABLED or DISABLED")
	}
	return nil
}
