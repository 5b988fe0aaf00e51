package capture

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/text/language"
)

// Factory builds a primitive bound to a locale.
type Factory func(locale language.Tag) Primitive

type registration struct {
	version *semver.Version
	factory Factory
}

// Registry resolves primitives by value type and semantic version. A running
// objective records the version it resolved at start and looks up exactly
// that version afterwards, so registering a newer version never changes an
// objective already in flight.
type Registry struct {
	mu      sync.RWMutex
	entries map[ValueType][]registration
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[ValueType][]registration)}
}

// DefaultRegistry returns a registry with every built-in primitive.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for vt, f := range map[ValueType]Factory{
		Email:   newEmail,
		Phone:   newPhone,
		Name:    newName,
		Date:    newDate,
		Address: newAddress,
		Number:  newNumber,
	} {
		if err := r.Register(vt, "1.0.0", f); err != nil {
			panic(err)
		}
	}
	if err := r.Register(Email, "1.1.0", newEmailTypoAware); err != nil {
		panic(err)
	}
	return r
}

// Register adds a factory for vt at version. Registering the same version
// twice is an error.
func (r *Registry) Register(vt ValueType, version string, f Factory) error {
	if !vt.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownValueType, vt)
	}
	if f == nil {
		return fmt.Errorf("nil factory for %s", vt)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("parse version %q: %w", version, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.entries[vt] {
		if existing.version.Equal(v) {
			return fmt.Errorf("%s primitive %s already registered", vt, v)
		}
	}
	list := append(r.entries[vt], registration{version: v, factory: f})
	sort.Slice(list, func(i, j int) bool { return list[i].version.LessThan(list[j].version) })
	r.entries[vt] = list
	return nil
}

// Resolve returns the highest registered version of vt satisfying constraint.
// An empty constraint matches any version.
func (r *Registry) Resolve(vt ValueType, constraint string) (string, error) {
	if constraint == "" {
		constraint = "*"
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return "", fmt.Errorf("parse constraint %q: %w", constraint, err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	list, ok := r.entries[vt]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownValueType, vt)
	}
	for i := len(list) - 1; i >= 0; i-- {
		if c.Check(list[i].version) {
			return list[i].version.String(), nil
		}
	}
	return "", fmt.Errorf("no %s primitive satisfies %q", vt, constraint)
}

// Lookup returns the primitive registered for vt at exactly version.
func (r *Registry) Lookup(vt ValueType, version string, locale language.Tag) (Primitive, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("parse version %q: %w", version, err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	list, ok := r.entries[vt]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownValueType, vt)
	}
	for _, reg := range list {
		if reg.version.Equal(v) {
			return reg.factory(locale), nil
		}
	}
	return nil, fmt.Errorf("%s primitive %s not registered", vt, v)
}

// Versions lists the registered versions of vt in ascending order.
func (r *Registry) Versions(vt ValueType) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries[vt]))
	for _, reg := range r.entries[vt] {
		out = append(out, reg.version.String())
	}
	return out
}
