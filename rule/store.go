package rule

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/yjpa7145/cumulus/errors"
	"github.com/yjpa7145/cumulus/natsclient"
)

// Store persists rules in a key-value bucket keyed by rule name. Name
// uniqueness is enforced by create-if-absent semantics on the bucket,
// and updates are compare-and-swap against the revision read.
type Store struct {
	kv     natsclient.KV
	logger *slog.Logger
}

// NewStore creates a rule store on the given bucket.
func NewStore(kv natsclient.KV, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		kv:     kv,
		logger: logger.With("component", "RuleStore"),
	}
}

// Create persists a new rule. The rule is validated, assigned an ID and
// timestamps, and written create-if-absent. A rule with the same name
// returns errors.ErrNameTaken.
func (s *Store) Create(ctx context.Context, r *Rule) error {
	if r.State == "" {
		r.State = StateEnabled
	}
	if err := r.Validate(); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	data, err := json.Marshal(r)
	if err != nil {
		return errors.WrapInvalid(err, "RuleStore", "Create", "encode rule")
	}
	if _, err := s.kv.Create(ctx, r.Name, data); err != nil {
		if natsclient.IsKVConflictError(err) {
			return errors.WrapInvalid(errors.ErrNameTaken, "RuleStore", "Create",
				"create rule "+r.Name)
		}
		return errors.WrapTransient(err, "RuleStore", "Create", "create rule "+r.Name)
	}
	s.logger.Debug("rule created", "rule", r.Name, "type", r.Trigger.Type)
	return nil
}

// Get returns the rule with the given name, or errors.ErrNotFound.
func (s *Store) Get(ctx context.Context, name string) (*Rule, error) {
	entry, err := s.kv.Get(ctx, name)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, errors.WrapInvalid(errors.ErrNotFound, "RuleStore", "Get",
				"get rule "+name)
		}
		return nil, errors.WrapTransient(err, "RuleStore", "Get", "get rule "+name)
	}
	var r Rule
	if err := json.Unmarshal(entry.Value, &r); err != nil {
		return nil, errors.WrapFatal(err, "RuleStore", "Get", "decode rule "+name)
	}
	return &r, nil
}

// Update overwrites an existing rule. The write is CAS against the
// revision of the current record, so a concurrent writer loses cleanly.
func (s *Store) Update(ctx context.Context, r *Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	entry, err := s.kv.Get(ctx, r.Name)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return errors.WrapInvalid(errors.ErrNotFound, "RuleStore", "Update",
				"update rule "+r.Name)
		}
		return errors.WrapTransient(err, "RuleStore", "Update", "update rule "+r.Name)
	}
	r.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(r)
	if err != nil {
		return errors.WrapInvalid(err, "RuleStore", "Update", "encode rule")
	}
	if _, err := s.kv.Update(ctx, r.Name, data, entry.Revision); err != nil {
		return errors.WrapTransient(err, "RuleStore", "Update", "update rule "+r.Name)
	}
	s.logger.Debug("rule updated", "rule", r.Name)
	return nil
}

// Delete removes the rule with the given name.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := s.kv.Delete(ctx, name); err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return errors.WrapInvalid(errors.ErrNotFound, "RuleStore", "Delete",
				"delete rule "+name)
		}
		return errors.WrapTransient(err, "RuleStore", "Delete", "delete rule "+name)
	}
	s.logger.Debug("rule deleted", "rule", name)
	return nil
}

// List returns all rules. Entries deleted between the key listing and
// the read are skipped.
func (s *Store) List(ctx context.Context) ([]*Rule, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "RuleStore", "List", "list rule keys")
	}
	rules := make([]*Rule, 0, len(keys))
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			if natsclient.IsKVNotFoundError(err) {
				continue
			}
			return nil, errors.WrapTransient(err, "RuleStore", "List", "get rule "+key)
		}
		var r Rule
		if err := json.Unmarshal(entry.Value, &r); err != nil {
			return nil, errors.WrapFatal(err, "RuleStore", "List", "decode rule "+key)
		}
		rules = append(rules, &r)
	}
	return rules, nil
}

func (s *Store) filter(ctx context.Context, keep func(*Rule) bool) ([]*Rule, error) {
	rules, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	matched := rules[:0]
	for _, r := range rules {
		if keep(r) {
			matched = append(matched, r)
		}
	}
	return matched, nil
}

// FindByDataset returns every rule referencing the given dataset.
func (s *Store) FindByDataset(ctx context.Context, dataset string) ([]*Rule, error) {
	return s.filter(ctx, func(r *Rule) bool { return r.Dataset == dataset })
}

// FindBySource returns every rule referencing the given data source.
func (s *Store) FindBySource(ctx context.Context, source string) ([]*Rule, error) {
	return s.filter(ctx, func(r *Rule) bool { return r.Source == source })
}

// FindEnabled returns the enabled rules of the given type that match the
// dataset. Rules without a dataset match any record.
func (s *Store) FindEnabled(ctx context.Context, typ Type, dataset string) ([]*Rule, error) {
	return s.filter(ctx, func(r *Rule) bool {
		return r.Enabled() && r.Trigger.Type == typ && r.MatchesDataset(dataset)
	})
}
