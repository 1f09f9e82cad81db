// Package source defines the {fetch, normalize} capability interface for
// research data sources and the priority-ordered registry used to resolve
// an implementation at runtime.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Query carries what is known about a case when a source is consulted.
type Query struct {
	CorrelationID string
	Fields        map[string]any
}

// Raw is unormalized data as returned by a backend.
type Raw map[string]any

// Payload is a validated set of domain fields.
type Payload map[string]any

// Source is a registered {fetch, normalize} pair for one data domain.
// Sources are stateless with respect to cases; any caching they perform is
// private and never authoritative.
type Source interface {
	Name() string
	// Available reports whether the source's preconditions (credentials,
	// endpoints) are satisfied. A configuration-absent error makes the
	// registry fall through to the next-priority source.
	Available() error
	Fetch(ctx context.Context, q Query) (Raw, error)
	// Normalize merges the fetched record with the query fields and
	// validates the result, reporting incomplete payloads as a
	// *ValidationError carrying the source's cause classification.
	Normalize(q Query, raw Raw) (Payload, error)
}

// ErrNotConfigured marks a source precondition failure that should cause
// registry fall-through rather than a hard error.
var ErrNotConfigured = errors.New("source not configured")

// NoPluginAvailableError is returned by Resolve when every registered
// source under a name fails its preconditions, or none is registered.
type NoPluginAvailableError struct {
	Name string
}

func (e *NoPluginAvailableError) Error() string {
	return fmt.Sprintf("no plugin available for source %q", e.Name)
}

// ValidationError reports missing mandatory payload fields after
// normalization. It is a recoverable business condition, not a fault.
type ValidationError struct {
	MissingFields []string
	// Cause is "user" when the missing data is end-user-correctable and
	// "operator" when configuration or source data is at fault.
	Cause string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("payload missing mandatory fields %v (cause %s)", e.MissingFields, e.Cause)
}

// CauseUser and CauseOperator classify a ValidationError.
const (
	CauseUser     = "user"
	CauseOperator = "operator"
)

type entry struct {
	src      Source
	priority int
	seq      int
}

// Registry resolves sources by name and priority.
type Registry struct {
	mu      sync.RWMutex
	entries map[string][]entry
	seq     int
	logger  *slog.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string][]entry),
		logger:  slog.Default().With(slog.String("component", "source")),
	}
}

// Register adds src under name. Higher priority wins; ties resolve in
// registration order.
func (r *Registry) Register(name string, src Source, priority int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	list := append(r.entries[name], entry{src: src, priority: priority, seq: r.seq})
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].priority != list[j].priority {
			return list[i].priority > list[j].priority
		}
		return list[i].seq < list[j].seq
	})
	r.entries[name] = list
}

// Resolve returns the highest-priority source under name whose
// preconditions hold, falling through on configuration-absent errors.
func (r *Registry) Resolve(name string) (Source, error) {
	r.mu.RLock()
	list := r.entries[name]
	r.mu.RUnlock()
	for _, e := range list {
		if err := e.src.Available(); err != nil {
			r.logger.Debug("source unavailable, falling through",
				slog.String("source", name),
				slog.String("plugin", e.src.Name()),
				slog.String("error", err.Error()))
			continue
		}
		return e.src, nil
	}
	return nil, &NoPluginAvailableError{Name: name}
}

// Names lists registered source names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MandatoryFields are the payload fields every normalized company record
// must carry before research can complete.
var MandatoryFields = []string{"company_name", "domain"}

// ValidateFields checks fields against MandatoryFields and reports what is
// missing under the given cause classification.
func ValidateFields(fields map[string]any, cause string) error {
	var missing []string
	for _, key := range MandatoryFields {
		v, ok := fields[key]
		if !ok {
			missing = append(missing, key)
			continue
		}
		if s, isString := v.(string); isString && s == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return &ValidationError{MissingFields: missing, Cause: cause}
	}
	return nil
}
