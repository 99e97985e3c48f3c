package debian

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	v1 "github.com/djcass44/debfetch/pkg/api/v1"
	"github.com/djcass44/debfetch/pkg/airutil"
	"github.com/djcass44/debfetch/pkg/archiveutil"
	"github.com/djcass44/debfetch/pkg/debian"
	"github.com/djcass44/debfetch/pkg/requestutil"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("package index not found")

func NewPackageKeeper(spec v1.MirrorSpec, fetcher Fetcher, dir string) *PackageKeeper {
	spec.SetDefaults()
	return &PackageKeeper{
		spec:    spec,
		fetcher: fetcher,
		dir:     dir,
	}
}

// Run loads the package database for the given release, resolves the
// requested packages and downloads everything that was resolved.
func (p *PackageKeeper) Run(ctx context.Context, codename string, names []string) (*debian.Closure, *Summary) {
	db := p.LoadDatabase(ctx, codename)
	closure := p.Resolve(ctx, db, names)
	return closure, p.Download(ctx, closure)
}

// LoadDatabase downloads and parses the index of each configured
// component, merging them into a single database. A component that
// can't be loaded contributes nothing.
func (p *PackageKeeper) LoadDatabase(ctx context.Context, codename string) debian.Database {
	log := logr.FromContextOrDiscard(ctx).WithValues("codename", codename, "arch", p.spec.Architecture)
	log.Info("fetching package lists")

	components := p.spec.Components
	if p.spec.AutoComponents() {
		components = p.discoverComponents(ctx, codename)
	}

	db := debian.Database{}
	for _, component := range components {
		idx, err := p.loadComponent(ctx, codename, component)
		if err != nil {
			log.Info("warning: skipping component", "component", component, "reason", err.Error())
			continue
		}
		log.V(1).Info("parsed component", "component", component, "count", len(idx))
		db.Merge(idx, debian.MergePolicy(p.spec.MergePolicy))
	}
	log.Info("loaded package definitions", "count", len(db))
	return db
}

// Resolve computes the dependency closure of names. Anything that
// couldn't be resolved is reported as a single warning.
func (p *PackageKeeper) Resolve(ctx context.Context, db debian.Database, names []string) *debian.Closure {
	log := logr.FromContextOrDiscard(ctx)
	log.Info("resolving dependencies", "requested", len(names))

	closure := debian.Resolve(ctx, db, names)
	if len(closure.Missing) > 0 {
		log.Info("warning: could not resolve dependencies", "missing", strings.Join(closure.Missing, ", "))
	}
	log.Info("found packages to download", "count", len(closure.Order))
	return closure
}

// Release fetches and parses the Release file of a distribution.
func (p *PackageKeeper) Release(ctx context.Context, codename string) (*debian.Release, error) {
	src := fmt.Sprintf("%s/dists/%s/Release", p.spec.Mirror, codename)
	buf := &bytes.Buffer{}
	if err := requestutil.Get(ctx, src, buf); err != nil {
		return nil, err
	}
	return debian.ParseRelease(buf)
}

func (p *PackageKeeper) discoverComponents(ctx context.Context, codename string) []string {
	log := logr.FromContextOrDiscard(ctx)

	release, err := p.Release(ctx, codename)
	if err != nil || len(release.Components) == 0 {
		log.Info("warning: unable to read components from release, using defaults", "defaults", v1.DefaultComponents)
		return v1.DefaultComponents
	}
	if len(release.Architectures) > 0 && !slices.Contains(release.Architectures, p.spec.Architecture) {
		log.Info("warning: architecture is not listed in the release", "arch", p.spec.Architecture, "available", release.Architectures)
	}
	log.V(1).Info("discovered components", "components", release.Components, "suite", release.Suite)
	return release.Components
}

// IndexURL returns the location of an index file for a component.
func (p *PackageKeeper) IndexURL(codename, component, index string) (string, error) {
	return airutil.ExpandVars(p.spec.IndexTemplate, map[string]string{
		"MIRROR":    p.spec.Mirror,
		"CODENAME":  codename,
		"COMPONENT": component,
		"ARCH":      p.spec.Architecture,
		"INDEX":     index,
	})
}

// loadComponent tries each of the configured index files in order
// until one can be retrieved.
func (p *PackageKeeper) loadComponent(ctx context.Context, codename, component string) (debian.Database, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("component", component)

	for _, index := range p.spec.IndexFiles {
		src, err := p.IndexURL(codename, component, index)
		if err != nil {
			return nil, fmt.Errorf("expanding index template: %w", err)
		}
		dst := filepath.Join(p.dir, fmt.Sprintf("Packages_%s-%s%s", strings.ReplaceAll(component, "/", "_"), uuid.NewString(), filepath.Ext(index)))
		if !p.fetcher.Fetch(ctx, src, dst) {
			log.V(1).Info("failed to retrieve index", "src", src)
			continue
		}
		return parseIndexFile(ctx, dst)
	}
	return nil, ErrNotFound
}

// parseIndexFile decompresses and parses a downloaded index. The file
// is removed once it has been read.
func parseIndexFile(ctx context.Context, path string) (debian.Database, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("path", path)
	defer func() {
		if err := os.Remove(path); err != nil {
			log.Error(err, "failed to remove index file")
		}
	}()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := archiveutil.Decompress(path, f)
	if err != nil {
		return nil, fmt.Errorf("decompressing index: %w", err)
	}
	defer r.Close()

	db, err := debian.ParseIndex(r)
	if err != nil {
		return nil, fmt.Errorf("reading index: %w", err)
	}
	log.V(1).Info("successfully decoded index", "count", len(db))
	return db, nil
}
