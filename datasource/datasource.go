// Package datasource manages the external data source entities rules
// reference. Credentials are encrypted at rest and decrypted on read;
// deletion is guarded by referencing rules.
package datasource

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/yjpa7145/cumulus/errors"
	"github.com/yjpa7145/cumulus/natsclient"
	"github.com/yjpa7145/cumulus/pkg/crypt"
	"github.com/yjpa7145/cumulus/rule"
)

// DataSource describes an external system records are pulled from.
type DataSource struct {
	ID                    string         `json:"id"`
	Protocol              string         `json:"protocol"`
	Host                  string         `json:"host"`
	Port                  int            `json:"port,omitempty"`
	Username              string         `json:"username,omitempty"`
	Password              string         `json:"password,omitempty"`
	Encrypted             bool           `json:"encrypted"`
	GlobalConnectionLimit int            `json:"globalConnectionLimit,omitempty"`
	Meta                  map[string]any `json:"meta,omitempty"`
	CreatedAt             time.Time      `json:"createdAt"`
	UpdatedAt             time.Time      `json:"updatedAt"`
}

// Validate checks structural validity.
func (d *DataSource) Validate() error {
	if d.ID == "" {
		return errors.WrapInvalid(nil, "DataSource", "Validate", "data source id is required")
	}
	if d.Protocol == "" {
		return errors.WrapInvalid(nil, "DataSource", "Validate", "data source protocol is required")
	}
	if d.Host == "" {
		return errors.WrapInvalid(nil, "DataSource", "Validate", "data source host is required")
	}
	return nil
}

// RuleFinder reports the rules referencing a data source.
type RuleFinder interface {
	FindBySource(ctx context.Context, source string) ([]*rule.Rule, error)
}

// Store persists data sources keyed by ID, encrypting credentials
// before they reach the bucket.
type Store struct {
	kv        natsclient.KV
	rules     RuleFinder
	encryptor crypt.Encryptor
	logger    *slog.Logger
}

// NewStore creates a data source store. A nil encryptor stores
// credentials in the clear.
func NewStore(kv natsclient.KV, rules RuleFinder, encryptor crypt.Encryptor, logger *slog.Logger) *Store {
	if encryptor == nil {
		encryptor = crypt.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		kv:        kv,
		rules:     rules,
		encryptor: encryptor,
		logger:    logger.With("component", "DataSourceStore"),
	}
}

// seal returns a copy with credentials encrypted. The caller's record
// is left in the clear.
func (s *Store) seal(d *DataSource) (*DataSource, error) {
	sealed := *d
	if d.Username != "" {
		enc, err := s.encryptor.Encrypt(d.Username)
		if err != nil {
			return nil, errors.WrapFatal(err, "DataSourceStore", "seal", "encrypt username")
		}
		sealed.Username = enc
		sealed.Encrypted = true
	}
	if d.Password != "" {
		enc, err := s.encryptor.Encrypt(d.Password)
		if err != nil {
			return nil, errors.WrapFatal(err, "DataSourceStore", "seal", "encrypt password")
		}
		sealed.Password = enc
		sealed.Encrypted = true
	}
	return &sealed, nil
}

func (s *Store) unseal(d *DataSource) error {
	if !d.Encrypted {
		return nil
	}
	if d.Username != "" {
		plain, err := s.encryptor.Decrypt(d.Username)
		if err != nil {
			return errors.WrapFatal(err, "DataSourceStore", "unseal", "decrypt username")
		}
		d.Username = plain
	}
	if d.Password != "" {
		plain, err := s.encryptor.Decrypt(d.Password)
		if err != nil {
			return errors.WrapFatal(err, "DataSourceStore", "unseal", "decrypt password")
		}
		d.Password = plain
	}
	d.Encrypted = false
	return nil
}

// Create persists a new data source, rejecting duplicate IDs.
func (s *Store) Create(ctx context.Context, d *DataSource) error {
	if err := d.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	sealed, err := s.seal(d)
	if err != nil {
		return err
	}
	data, err := json.Marshal(sealed)
	if err != nil {
		return errors.WrapInvalid(err, "DataSourceStore", "Create", "encode data source")
	}
	if _, err := s.kv.Create(ctx, d.ID, data); err != nil {
		if natsclient.IsKVConflictError(err) {
			return errors.WrapInvalid(errors.ErrNameTaken, "DataSourceStore", "Create",
				"create data source "+d.ID)
		}
		return errors.WrapTransient(err, "DataSourceStore", "Create",
			"create data source "+d.ID)
	}
	s.logger.Debug("data source created", "source", d.ID, "protocol", d.Protocol)
	return nil
}

// Get returns the data source with credentials decrypted.
func (s *Store) Get(ctx context.Context, id string) (*DataSource, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, errors.WrapInvalid(errors.ErrNotFound, "DataSourceStore", "Get",
				"get data source "+id)
		}
		return nil, errors.WrapTransient(err, "DataSourceStore", "Get",
			"get data source "+id)
	}
	var d DataSource
	if err := json.Unmarshal(entry.Value, &d); err != nil {
		return nil, errors.WrapFatal(err, "DataSourceStore", "Get", "decode data source "+id)
	}
	if err := s.unseal(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Update overwrites an existing data source, re-encrypting credentials.
func (s *Store) Update(ctx context.Context, d *DataSource) error {
	if err := d.Validate(); err != nil {
		return err
	}
	entry, err := s.kv.Get(ctx, d.ID)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return errors.WrapInvalid(errors.ErrNotFound, "DataSourceStore", "Update",
				"update data source "+d.ID)
		}
		return errors.WrapTransient(err, "DataSourceStore", "Update",
			"update data source "+d.ID)
	}
	var existing DataSource
	if err := json.Unmarshal(entry.Value, &existing); err != nil {
		return errors.WrapFatal(err, "DataSourceStore", "Update",
			"decode data source "+d.ID)
	}
	d.CreatedAt = existing.CreatedAt
	d.UpdatedAt = time.Now().UTC()

	sealed, err := s.seal(d)
	if err != nil {
		return err
	}
	data, err := json.Marshal(sealed)
	if err != nil {
		return errors.WrapInvalid(err, "DataSourceStore", "Update", "encode data source")
	}
	if _, err := s.kv.Update(ctx, d.ID, data, entry.Revision); err != nil {
		return errors.WrapTransient(err, "DataSourceStore", "Update",
			"update data source "+d.ID)
	}
	return nil
}

// Delete removes a data source unless a rule still references it.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.kv.Get(ctx, id); err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return errors.WrapInvalid(errors.ErrNotFound, "DataSourceStore", "Delete",
				"delete data source "+id)
		}
		return errors.WrapTransient(err, "DataSourceStore", "Delete",
			"delete data source "+id)
	}
	referencing, err := s.rules.FindBySource(ctx, id)
	if err != nil {
		return errors.WrapTransient(err, "DataSourceStore", "Delete",
			"check rules for data source "+id)
	}
	if len(referencing) > 0 {
		names := make([]string, len(referencing))
		for i, r := range referencing {
			names[i] = r.Name
		}
		return &errors.AssociatedRulesError{
			Message: "cannot delete data source " + id + " with associated rules",
			Rules:   names,
		}
	}
	if err := s.kv.Delete(ctx, id); err != nil {
		return errors.WrapTransient(err, "DataSourceStore", "Delete",
			"delete data source "+id)
	}
	s.logger.Debug("data source deleted", "source", id)
	return nil
}

// List returns all data sources with credentials decrypted.
func (s *Store) List(ctx context.Context) ([]*DataSource, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "DataSourceStore", "List",
			"list data source keys")
	}
	out := make([]*DataSource, 0, len(keys))
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			if natsclient.IsKVNotFoundError(err) {
				continue
			}
			return nil, errors.WrapTransient(err, "DataSourceStore", "List",
				"get data source "+key)
		}
		var d DataSource
		if err := json.Unmarshal(entry.Value, &d); err != nil {
			return nil, errors.WrapFatal(err, "DataSourceStore", "List",
				"decode data source "+key)
		}
		if err := s.unseal(&d); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, nil
}
