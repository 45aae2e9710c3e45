package bundle

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrUnknownCondition is returned when a run asks for a condition the
// bundle does not define.
var ErrUnknownCondition = errors.New("bundle: unknown condition")

// Catalog is the immutable set of conditions a bundle defines.
type Catalog struct {
	names []string
}

// NewCatalog builds a catalog from condition names. Duplicates and blanks
// are rejected.
func NewCatalog(names []string) (Catalog, error) {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || strings.ContainsAny(n, `/\`) || strings.HasPrefix(n, ".") {
			return Catalog{}, fmt.Errorf("bundle: invalid condition name %q", n)
		}
		if _, dup := seen[n]; dup {
			return Catalog{}, fmt.Errorf("bundle: duplicate condition %q", n)
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	if len(out) == 0 {
		return Catalog{}, errors.New("bundle: no conditions defined")
	}
	return Catalog{names: out}, nil
}

// Names returns the conditions in definition order.
func (c Catalog) Names() []string {
	return slices.Clone(c.names)
}

// Has reports whether name is a defined condition.
func (c Catalog) Has(name string) bool {
	return slices.Contains(c.names, name)
}

// Select validates a run-scoped condition filter. An empty filter selects
// every condition.
func (c Catalog) Select(filter []string) ([]string, error) {
	if len(filter) == 0 {
		return c.Names(), nil
	}
	var unknown []string
	for _, name := range filter {
		if !c.Has(name) {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCondition, strings.Join(unknown, ", "))
	}
	return slices.Clone(filter), nil
}
