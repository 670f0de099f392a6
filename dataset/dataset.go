// Package dataset manages the dataset reference entities that rules and
// inbound records name. Deletion is guarded: a dataset referenced by
// any rule cannot be removed.
package dataset

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/yjpa7145/cumulus/errors"
	"github.com/yjpa7145/cumulus/natsclient"
	"github.com/yjpa7145/cumulus/rule"
)

// Dataset identifies a data collection. ID is the unique key rules and
// records reference, conventionally <name>.<version>.
type Dataset struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Version   string         `json:"version"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Validate checks structural validity.
func (d *Dataset) Validate() error {
	if d.ID == "" {
		return errors.WrapInvalid(nil, "Dataset", "Validate", "dataset id is required")
	}
	if d.Name == "" {
		return errors.WrapInvalid(nil, "Dataset", "Validate", "dataset name is required")
	}
	return nil
}

// RuleFinder reports the rules referencing a dataset.
type RuleFinder interface {
	FindByDataset(ctx context.Context, dataset string) ([]*rule.Rule, error)
}

// Store persists datasets keyed by ID.
type Store struct {
	kv     natsclient.KV
	rules  RuleFinder
	logger *slog.Logger
}

// NewStore creates a dataset store. rules backs the deletion guard.
func NewStore(kv natsclient.KV, rules RuleFinder, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		kv:     kv,
		rules:  rules,
		logger: logger.With("component", "DatasetStore"),
	}
}

// Create persists a new dataset, rejecting duplicate IDs.
func (s *Store) Create(ctx context.Context, d *Dataset) error {
	if err := d.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	data, err := json.Marshal(d)
	if err != nil {
		return errors.WrapInvalid(err, "DatasetStore", "Create", "encode dataset")
	}
	if _, err := s.kv.Create(ctx, d.ID, data); err != nil {
		if natsclient.IsKVConflictError(err) {
			return errors.WrapInvalid(errors.ErrNameTaken, "DatasetStore", "Create",
				"create dataset "+d.ID)
		}
		return errors.WrapTransient(err, "DatasetStore", "Create", "create dataset "+d.ID)
	}
	s.logger.Debug("dataset created", "dataset", d.ID)
	return nil
}

// Get returns the dataset with the given ID.
func (s *Store) Get(ctx context.Context, id string) (*Dataset, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, errors.WrapInvalid(errors.ErrNotFound, "DatasetStore", "Get",
				"get dataset "+id)
		}
		return nil, errors.WrapTransient(err, "DatasetStore", "Get", "get dataset "+id)
	}
	var d Dataset
	if err := json.Unmarshal(entry.Value, &d); err != nil {
		return nil, errors.WrapFatal(err, "DatasetStore", "Get", "decode dataset "+id)
	}
	return &d, nil
}

// Update overwrites an existing dataset.
func (s *Store) Update(ctx context.Context, d *Dataset) error {
	if err := d.Validate(); err != nil {
		return err
	}
	entry, err := s.kv.Get(ctx, d.ID)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return errors.WrapInvalid(errors.ErrNotFound, "DatasetStore", "Update",
				"update dataset "+d.ID)
		}
		return errors.WrapTransient(err, "DatasetStore", "Update", "update dataset "+d.ID)
	}
	var existing Dataset
	if err := json.Unmarshal(entry.Value, &existing); err != nil {
		return errors.WrapFatal(err, "DatasetStore", "Update", "decode dataset "+d.ID)
	}
	d.CreatedAt = existing.CreatedAt
	d.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(d)
	if err != nil {
		return errors.WrapInvalid(err, "DatasetStore", "Update", "encode dataset")
	}
	if _, err := s.kv.Update(ctx, d.ID, data, entry.Revision); err != nil {
		return errors.WrapTransient(err, "DatasetStore", "Update", "update dataset "+d.ID)
	}
	return nil
}

// Delete removes a dataset unless a rule still references it. A guarded
// delete returns an AssociatedRulesError naming the blocking rules.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	referencing, err := s.rules.FindByDataset(ctx, id)
	if err != nil {
		return errors.WrapTransient(err, "DatasetStore", "Delete",
			"check rules for dataset "+id)
	}
	if len(referencing) > 0 {
		names := make([]string, len(referencing))
		for i, r := range referencing {
			names[i] = r.Name
		}
		return &errors.AssociatedRulesError{
			Message: "cannot delete dataset " + id + " with associated rules",
			Rules:   names,
		}
	}
	if err := s.kv.Delete(ctx, id); err != nil {
		return errors.WrapTransient(err, "DatasetStore", "Delete", "delete dataset "+id)
	}
	s.logger.Debug("dataset deleted", "dataset", id)
	return nil
}

// List returns all datasets.
func (s *Store) List(ctx context.Context) ([]*Dataset, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "DatasetStore", "List", "list dataset keys")
	}
	out := make([]*Dataset, 0, len(keys))
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			if natsclient.IsKVNotFoundError(err) {
				continue
			}
			return nil, errors.WrapTransient(err, "DatasetStore", "List", "get dataset "+key)
		}
		var d Dataset
		if err := json.Unmarshal(entry.Value, &d); err != nil {
			return nil, errors.WrapFatal(err, "DatasetStore", "List", "decode dataset "+key)
		}
		out = append(out, &d)
	}
	return out, nil
}
