package lockfile

import (
	"fmt"
	"slices"
	"sort"
)

// Validate checks that the requested packages line up
// with what we expect from the lockfile and vice versa
func (l *Lock) Validate(requested []string) error {
	// check that the requested packages are all in the lockfile
	for _, n := range requested {
		p, ok := l.Packages[n]
		if !ok {
			return fmt.Errorf("package not found in lock: %s", n)
		}
		if !p.Direct {
			return fmt.Errorf("package is only a dependency in lock: %s", n)
		}
	}

	// now we do the reverse

	for k, v := range l.Packages {
		if !v.Direct {
			continue
		}
		if !slices.Contains(requested, k) {
			return fmt.Errorf("package found in lock, but not requested: %s", k)
		}
	}

	return nil
}

// SortedKeys returns package names
// sorted alphabetically.
func (l *Lock) SortedKeys() []string {
	pkgKeys := make([]string, 0)
	for k := range l.Packages {
		pkgKeys = append(pkgKeys, k)
	}
	sort.Strings(pkgKeys)
	return pkgKeys
}
