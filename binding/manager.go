package binding

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yjpa7145/cumulus/errors"
	"github.com/yjpa7145/cumulus/metric"
)

// Role distinguishes the two consumers attached to each trigger value.
type Role string

const (
	// RoleDispatch feeds matched records into workflow dispatch.
	RoleDispatch Role = "dispatch"
	// RoleRecordLog archives every raw inbound record.
	RoleRecordLog Role = "record-log"
)

// Provisioner creates and removes the external consumers backing a
// binding. Implementations must be safe for concurrent use.
type Provisioner interface {
	// Create provisions a consumer filtered to the trigger value and
	// returns its reference.
	Create(ctx context.Context, value string, role Role) (string, error)
	// Delete removes a previously provisioned consumer.
	Delete(ctx context.Context, value, ref string) error
}

// Binding is the pair of consumer references provisioned for one
// trigger value.
type Binding struct {
	Ref    string `json:"ref"`
	LogRef string `json:"logRef"`
}

// ActiveBinding is a binding together with the trigger value it serves.
type ActiveBinding struct {
	Value   string
	Binding Binding
}

type entry struct {
	count   int
	binding Binding
}

// valueLock serializes Acquire/Release for one trigger value. waiters
// is guarded by the manager mutex and tracks goroutines holding or
// queued on mu, so the map entry can be dropped once the last one
// leaves.
type valueLock struct {
	mu      sync.Mutex
	waiters int
}

// Manager reference counts bindings per trigger value. Acquire and
// Release for the same value are serialized, so concurrent rule
// mutations never double provision or orphan a consumer pair.
type Manager struct {
	provisioner Provisioner
	logger      *slog.Logger

	// mu guards entries and locks, including every entry field, so
	// Count and Bindings snapshots stay consistent with mutations in
	// flight. The per-value locks additionally serialize the
	// provisioner calls, which must not run under mu.
	mu      sync.Mutex
	entries map[string]*entry
	locks   map[string]*valueLock

	acquires *prometheus.CounterVec
	current  prometheus.Gauge
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics registers binding metrics with the registry.
func WithMetrics(registry *metric.Registry) ManagerOption {
	return func(m *Manager) {
		m.acquires = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "binding",
			Name:      "operations_total",
			Help:      "Binding acquire and release operations by outcome.",
		}, []string{"operation", "outcome"})
		m.current = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "binding",
			Name:      "active",
			Help:      "Number of distinct trigger values with a live binding.",
		})
		registry.MustRegister("binding", map[string]prometheus.Collector{
			"operations_total": m.acquires,
			"active":           m.current,
		})
	}
}

// NewManager creates a binding manager over the given provisioner.
func NewManager(p Provisioner, opts ...ManagerOption) *Manager {
	m := &Manager{
		provisioner: p,
		logger:      slog.Default(),
		entries:     make(map[string]*entry),
		locks:       make(map[string]*valueLock),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "BindingManager")
	return m
}

// lockValue enters the per-value critical section. The returned lock
// must be handed back to unlockValue.
func (m *Manager) lockValue(value string) *valueLock {
	m.mu.Lock()
	l, ok := m.locks[value]
	if !ok {
		l = &valueLock{}
		m.locks[value] = l
	}
	l.waiters++
	m.mu.Unlock()

	l.mu.Lock()
	return l
}

// unlockValue leaves the per-value critical section and drops the lock
// entry once nobody waits on it and no binding remains for the value.
func (m *Manager) unlockValue(value string, l *valueLock) {
	l.mu.Unlock()

	m.mu.Lock()
	l.waiters--
	if l.waiters == 0 {
		if _, held := m.entries[value]; !held {
			delete(m.locks, value)
		}
	}
	m.mu.Unlock()
}

// snapshot copies the entry for a value.
func (m *Manager) snapshot(value string) (entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[value]
	if !ok {
		return entry{}, false
	}
	return *e, true
}

// addReference increments the count of an existing usable binding.
// Entries whose dispatch consumer is already gone are not shared.
func (m *Manager) addReference(value string) (Binding, int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[value]
	if !ok || e.binding.Ref == "" {
		return Binding{}, 0, false
	}
	e.count++
	return e.binding, e.count, true
}

// dropReference decrements the count without teardown and returns the
// remaining count.
func (m *Manager) dropReference(value string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[value]
	e.count--
	return e.count
}

// clearDispatchRef records that the dispatch consumer is gone, so a
// retried release resumes with the log consumer.
func (m *Manager) clearDispatchRef(value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[value]; ok {
		e.binding.Ref = ""
	}
}

func (m *Manager) store(value string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[value] = e
	if m.current != nil {
		m.current.Set(float64(len(m.entries)))
	}
}

func (m *Manager) remove(value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, value)
	if m.current != nil {
		m.current.Set(float64(len(m.entries)))
	}
}

func (m *Manager) observe(operation, outcome string) {
	if m.acquires != nil {
		m.acquires.WithLabelValues(operation, outcome).Inc()
	}
}

// Acquire returns the binding for the trigger value, provisioning one if
// no rule holds it yet. When the second consumer of a fresh pair fails
// to provision, the first is torn down before the error is returned, so
// a failed acquire leaves no external state behind.
func (m *Manager) Acquire(ctx context.Context, value string) (Binding, error) {
	l := m.lockValue(value)
	defer m.unlockValue(value, l)

	if b, count, ok := m.addReference(value); ok {
		m.observe("acquire", "shared")
		m.logger.Debug("binding shared", "value", value, "count", count)
		return b, nil
	}

	// A failed release can leave an entry whose dispatch consumer is
	// gone but whose log consumer survived. Finish that teardown
	// instead of handing out half a binding.
	if e, ok := m.snapshot(value); ok {
		if err := m.provisioner.Delete(ctx, value, e.binding.LogRef); err != nil {
			m.observe("acquire", "error")
			return Binding{}, &errors.BindingProvisionError{Value: value, Err: err}
		}
		m.remove(value)
		m.logger.Info("stale binding removed", "value", value, "logRef", e.binding.LogRef)
	}

	ref, err := m.provisioner.Create(ctx, value, RoleDispatch)
	if err != nil {
		m.observe("acquire", "error")
		return Binding{}, &errors.BindingProvisionError{Value: value, Err: err}
	}
	logRef, err := m.provisioner.Create(ctx, value, RoleRecordLog)
	if err != nil {
		if delErr := m.provisioner.Delete(ctx, value, ref); delErr != nil {
			m.logger.Error("binding rollback failed", "value", value, "ref", ref,
				"error", delErr)
		}
		m.observe("acquire", "error")
		return Binding{}, &errors.BindingProvisionError{Value: value, Err: err}
	}

	b := Binding{Ref: ref, LogRef: logRef}
	m.store(value, &entry{count: 1, binding: b})
	m.observe("acquire", "provisioned")
	m.logger.Info("binding provisioned", "value", value, "ref", ref, "logRef", logRef)
	return b, nil
}

// Release drops one reference to the binding for the trigger value. The
// external consumer pair is removed only when the last reference goes.
// A teardown failure keeps the reference alive and is surfaced to the
// caller, so the rule mutation that triggered it can be aborted.
func (m *Manager) Release(ctx context.Context, value string) error {
	l := m.lockValue(value)
	defer m.unlockValue(value, l)

	e, ok := m.snapshot(value)
	if !ok {
		m.observe("release", "error")
		return errors.WrapInvalid(nil, "BindingManager", "Release",
			"no binding held for value "+value)
	}
	if e.count > 1 {
		count := m.dropReference(value)
		m.observe("release", "shared")
		m.logger.Debug("binding reference dropped", "value", value, "count", count)
		return nil
	}

	if e.binding.Ref != "" {
		if err := m.provisioner.Delete(ctx, value, e.binding.Ref); err != nil {
			m.observe("release", "error")
			return &errors.BindingProvisionError{Value: value, Err: err}
		}
		m.clearDispatchRef(value)
	}
	if err := m.provisioner.Delete(ctx, value, e.binding.LogRef); err != nil {
		// The dispatch consumer is already gone. Keep the entry so a
		// retried release can finish the teardown.
		m.observe("release", "error")
		return &errors.BindingProvisionError{Value: value, Err: err}
	}
	m.remove(value)
	m.observe("release", "removed")
	m.logger.Info("binding removed", "value", value)
	return nil
}

// Restore registers a binding recovered from a persisted rule without
// touching the provisioner. It is called once per enabled stream rule
// during startup, before any Acquire or Release runs.
func (m *Manager) Restore(value string, b Binding) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[value]; ok {
		e.count++
		return
	}
	m.entries[value] = &entry{count: 1, binding: b}
	if m.current != nil {
		m.current.Set(float64(len(m.entries)))
	}
}

// Bindings returns a snapshot of the live bindings.
func (m *Manager) Bindings() []ActiveBinding {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ActiveBinding, 0, len(m.entries))
	for value, e := range m.entries {
		out = append(out, ActiveBinding{Value: value, Binding: e.binding})
	}
	return out
}

// Count returns the number of references held for the trigger value.
func (m *Manager) Count(value string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[value]; ok {
		return e.count
	}
	return 0
}
