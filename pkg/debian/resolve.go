package debian

import (
	"context"
	"slices"

	"github.com/go-logr/logr"
	"golang.org/x/exp/maps"
)

// Resolve walks the Depends and Pre-Depends edges of the requested
// packages breadth-first and returns every package reachable from them.
//
// Names that can't be found in db (including virtual packages that are
// only satisfied through Provides) are collected in Closure.Missing
// rather than failing the resolution.
func Resolve(ctx context.Context, db Database, requested []string) *Closure {
	log := logr.FromContextOrDiscard(ctx)

	resolved := map[string]Record{}
	missing := map[string]struct{}{}
	var order []string

	queue := slices.Clone(requested)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]

		if _, ok := resolved[name]; ok {
			continue
		}
		rec, ok := db[name]
		if !ok {
			log.V(5).Info("package not found in database", "name", name)
			missing[name] = struct{}{}
			continue
		}
		resolved[name] = rec
		order = append(order, name)

		deps := rec.Dependencies()
		log.V(6).Info("resolved package", "name", name, "version", rec.Version(), "deps", len(deps))
		for _, dep := range deps {
			if _, ok := resolved[dep]; !ok {
				queue = append(queue, dep)
			}
		}
	}

	missingNames := maps.Keys(missing)
	slices.Sort(missingNames)

	return &Closure{
		Resolved: resolved,
		Order:    order,
		Missing:  missingNames,
	}
}

// Records returns the resolved records in the order they were
// visited.
func (c *Closure) Records() []Record {
	out := make([]Record, 0, len(c.Order))
	for _, name := range c.Order {
		out = append(out, c.Resolved[name])
	}
	return out
}
