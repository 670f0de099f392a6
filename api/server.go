package api

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/yjpa7145/cumulus/dataset"
	"github.com/yjpa7145/cumulus/datasource"
	"github.com/yjpa7145/cumulus/errors"
	"github.com/yjpa7145/cumulus/rule"
	"github.com/yjpa7145/cumulus/scheduler"
)

// Response is the envelope every API subject replies with. Kind
// classifies failures so callers can branch without parsing messages.
type Response struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Kind  string          `json:"kind,omitempty"`
	Rules []string        `json:"rules,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Failure kinds.
const (
	KindNotFound        = "notFound"
	KindNameTaken       = "nameTaken"
	KindValidation      = "validation"
	KindAssociatedRules = "associatedRules"
	KindBinding         = "bindingProvision"
	KindBadRequest      = "badRequest"
	KindInternal        = "internal"
)

// Requester registers request-reply handlers on subjects.
type Requester interface {
	SubscribeRequest(ctx context.Context, subject string, handler func(context.Context, []byte) []byte) error
}

// Reloader re-syncs the scheduler after rule mutations.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Server serves the management subjects under
// <namespace>.api.{rules,datasets,sources}.<operation>.
type Server struct {
	rules     *rule.Service
	datasets  *dataset.Store
	sources   *datasource.Store
	reloader  Reloader
	namespace string
	logger    *slog.Logger
}

// NewServer creates the management API. The reloader may be nil when no
// scheduler runs in this process.
func NewServer(rules *rule.Service, datasets *dataset.Store, sources *datasource.Store,
	reloader Reloader, namespace string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		rules:     rules,
		datasets:  datasets,
		sources:   sources,
		reloader:  reloader,
		namespace: namespace,
		logger:    logger.With("component", "APIServer"),
	}
}

// Start registers every management subject on the requester.
func (s *Server) Start(ctx context.Context, requester Requester) error {
	handlers := map[string]func(context.Context, []byte) []byte{
		s.subject("rules", "create"):    s.handleRuleCreate,
		s.subject("rules", "get"):       s.handleRuleGet,
		s.subject("rules", "update"):    s.handleRuleUpdate,
		s.subject("rules", "delete"):    s.handleRuleDelete,
		s.subject("rules", "list"):      s.handleRuleList,
		s.subject("datasets", "create"): s.handleDatasetCreate,
		s.subject("datasets", "get"):    s.handleDatasetGet,
		s.subject("datasets", "update"): s.handleDatasetUpdate,
		s.subject("datasets", "delete"): s.handleDatasetDelete,
		s.subject("datasets", "list"):   s.handleDatasetList,
		s.subject("sources", "create"):  s.handleSourceCreate,
		s.subject("sources", "get"):     s.handleSourceGet,
		s.subject("sources", "update"):  s.handleSourceUpdate,
		s.subject("sources", "delete"):  s.handleSourceDelete,
		s.subject("sources", "list"):    s.handleSourceList,
	}
	for subject, handler := range handlers {
		if err := requester.SubscribeRequest(ctx, subject, handler); err != nil {
			return errors.Wrap(err, "APIServer", "Start", "subscribe "+subject)
		}
	}
	s.logger.Info("management api started", "namespace", s.namespace)
	return nil
}

func (s *Server) subject(entity, operation string) string {
	return s.namespace + ".api." + entity + "." + operation
}

func ok(v any) []byte {
	resp := Response{OK: true}
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return fail(errors.WrapFatal(err, "APIServer", "ok", "encode response"))
		}
		resp.Data = data
	}
	out, _ := json.Marshal(resp)
	return out
}

func fail(err error) []byte {
	resp := Response{OK: false, Error: err.Error(), Kind: classify(err)}
	var assocErr *errors.AssociatedRulesError
	if errors.As(err, &assocErr) {
		resp.Rules = assocErr.Rules
	}
	out, _ := json.Marshal(resp)
	return out
}

func classify(err error) string {
	var assocErr *errors.AssociatedRulesError
	var schemaErr *errors.SchemaValidationError
	var bindErr *errors.BindingProvisionError
	switch {
	case errors.As(err, &assocErr):
		return KindAssociatedRules
	case errors.As(err, &schemaErr):
		return KindValidation
	case errors.As(err, &bindErr):
		return KindBinding
	case errors.IsNotFound(err):
		return KindNotFound
	case errors.Is(err, errors.ErrNameTaken):
		return KindNameTaken
	case errors.IsInvalid(err):
		return KindBadRequest
	default:
		return KindInternal
	}
}

func (s *Server) reload(ctx context.Context, r *rule.Rule) {
	if s.reloader == nil || r.Trigger.Type != rule.TypeScheduled {
		return
	}
	if err := s.reloader.Reload(ctx); err != nil {
		s.logger.Error("scheduler reload failed", "rule", r.Name, "error", err)
	}
}

type nameRequest struct {
	Name string `json:"name"`
}

type idRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleRuleCreate(ctx context.Context, data []byte) []byte {
	var r rule.Rule
	if err := json.Unmarshal(data, &r); err != nil {
		return fail(errors.WrapInvalid(err, "APIServer", "handleRuleCreate", "decode rule"))
	}
	if r.Trigger.Type == rule.TypeScheduled {
		if err := scheduler.ValidateSpec(r.Trigger.Value); err != nil {
			return fail(err)
		}
	}
	created, err := s.rules.Create(ctx, &r)
	if err != nil {
		return fail(err)
	}
	s.reload(ctx, created)
	return ok(created)
}

func (s *Server) handleRuleGet(ctx context.Context, data []byte) []byte {
	var req nameRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fail(errors.WrapInvalid(err, "APIServer", "handleRuleGet", "decode request"))
	}
	r, err := s.rules.Get(ctx, req.Name)
	if err != nil {
		return fail(err)
	}
	return ok(r)
}

type ruleUpdateRequest struct {
	Name     string         `json:"name"`
	State    *rule.State    `json:"state,omitempty"`
	Value    *string        `json:"value,omitempty"`
	Workflow *string        `json:"workflow,omitempty"`
	Dataset  *string        `json:"dataset,omitempty"`
	Source   *string        `json:"source,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

func (s *Server) handleRuleUpdate(ctx context.Context, data []byte) []byte {
	var req ruleUpdateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fail(errors.WrapInvalid(err, "APIServer", "handleRuleUpdate", "decode request"))
	}
	if req.Value != nil {
		if current, err := s.rules.Get(ctx, req.Name); err == nil &&
			current.Trigger.Type == rule.TypeScheduled {
			if err := scheduler.ValidateSpec(*req.Value); err != nil {
				return fail(err)
			}
		}
	}
	updated, err := s.rules.Update(ctx, req.Name, rule.Patch{
		State:    req.State,
		Value:    req.Value,
		Workflow: req.Workflow,
		Dataset:  req.Dataset,
		Source:   req.Source,
		Meta:     req.Meta,
	})
	if err != nil {
		return fail(err)
	}
	s.reload(ctx, updated)
	return ok(updated)
}

func (s *Server) handleRuleDelete(ctx context.Context, data []byte) []byte {
	var req nameRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fail(errors.WrapInvalid(err, "APIServer", "handleRuleDelete", "decode request"))
	}
	r, err := s.rules.Get(ctx, req.Name)
	if err != nil {
		return fail(err)
	}
	if err := s.rules.Delete(ctx, req.Name); err != nil {
		return fail(err)
	}
	s.reload(ctx, r)
	return ok(nil)
}

func (s *Server) handleRuleList(ctx context.Context, _ []byte) []byte {
	rules, err := s.rules.List(ctx)
	if err != nil {
		return fail(err)
	}
	return ok(rules)
}

func (s *Server) handleDatasetCreate(ctx context.Context, data []byte) []byte {
	var d dataset.Dataset
	if err := json.Unmarshal(data, &d); err != nil {
		return fail(errors.WrapInvalid(err, "APIServer", "handleDatasetCreate", "decode dataset"))
	}
	if err := s.datasets.Create(ctx, &d); err != nil {
		return fail(err)
	}
	return ok(&d)
}

func (s *Server) handleDatasetGet(ctx context.Context, data []byte) []byte {
	var req idRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fail(errors.WrapInvalid(err, "APIServer", "handleDatasetGet", "decode request"))
	}
	d, err := s.datasets.Get(ctx, req.ID)
	if err != nil {
		return fail(err)
	}
	return ok(d)
}

func (s *Server) handleDatasetUpdate(ctx context.Context, data []byte) []byte {
	var d dataset.Dataset
	if err := json.Unmarshal(data, &d); err != nil {
		return fail(errors.WrapInvalid(err, "APIServer", "handleDatasetUpdate", "decode dataset"))
	}
	if err := s.datasets.Update(ctx, &d); err != nil {
		return fail(err)
	}
	return ok(&d)
}

func (s *Server) handleDatasetDelete(ctx context.Context, data []byte) []byte {
	var req idRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fail(errors.WrapInvalid(err, "APIServer", "handleDatasetDelete", "decode request"))
	}
	if err := s.datasets.Delete(ctx, req.ID); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func (s *Server) handleDatasetList(ctx context.Context, _ []byte) []byte {
	all, err := s.datasets.List(ctx)
	if err != nil {
		return fail(err)
	}
	return ok(all)
}

func (s *Server) handleSourceCreate(ctx context.Context, data []byte) []byte {
	var d datasource.DataSource
	if err := json.Unmarshal(data, &d); err != nil {
		return fail(errors.WrapInvalid(err, "APIServer", "handleSourceCreate", "decode data source"))
	}
	if err := s.sources.Create(ctx, &d); err != nil {
		return fail(err)
	}
	return ok(&d)
}

func (s *Server) handleSourceGet(ctx context.Context, data []byte) []byte {
	var req idRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fail(errors.WrapInvalid(err, "APIServer", "handleSourceGet", "decode request"))
	}
	d, err := s.sources.Get(ctx, req.ID)
	if err != nil {
		return fail(err)
	}
	return ok(d)
}

func (s *Server) handleSourceUpdate(ctx context.Context, data []byte) []byte {
	var d datasource.DataSource
	if err := json.Unmarshal(data, &d); err != nil {
		return fail(errors.WrapInvalid(err, "APIServer", "handleSourceUpdate", "decode data source"))
	}
	if err := s.sources.Update(ctx, &d); err != nil {
		return fail(err)
	}
	return ok(&d)
}

func (s *Server) handleSourceDelete(ctx context.Context, data []byte) []byte {
	var req idRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fail(errors.WrapInvalid(err, "APIServer", "handleSourceDelete", "decode request"))
	}
	if err := s.sources.Delete(ctx, req.ID); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func (s *Server) handleSourceList(ctx context.Context, _ []byte) []byte {
	all, err := s.sources.List(ctx)
	if err != nil {
		return fail(err)
	}
	return ok(all)
}
