package debian

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	v1 "github.com/djcass44/debfetch/pkg/api/v1"
	"github.com/djcass44/debfetch/pkg/archiveutil"
	"github.com/djcass44/debfetch/pkg/debian"
	"github.com/djcass44/debfetch/pkg/lockfile"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

// IndexName is the file written by WriteIndex.
const IndexName = "Packages.gz"

var ErrMissingFilename = errors.New("package record has no Filename")

// ArchiveURL returns the download location of a package archive.
func (p *PackageKeeper) ArchiveURL(rec debian.Record) string {
	return p.spec.Mirror + "/" + strings.TrimPrefix(rec.Filename(), "/")
}

// Download retrieves the archive of every resolved package into the
// output directory. Archives that already exist are skipped and a
// failed download never stops the others.
func (p *PackageKeeper) Download(ctx context.Context, closure *debian.Closure) *Summary {
	items := make([]item, 0, len(closure.Order))
	for _, rec := range closure.Records() {
		it := item{name: rec.Name(), file: rec.ArchiveName()}
		if it.file != "" {
			it.src = p.ArchiveURL(rec)
		}
		items = append(items, it)
	}
	summary := p.download(ctx, items)
	summary.Missing = slices.Clone(closure.Missing)
	return summary
}

// DownloadLocked retrieves exactly the packages recorded in a
// lockfile.
func (p *PackageKeeper) DownloadLocked(ctx context.Context, lock *lockfile.Lock) *Summary {
	log := logr.FromContextOrDiscard(ctx)

	items := make([]item, 0, len(lock.Packages))
	for _, name := range lock.SortedKeys() {
		it := item{name: name, src: lock.Packages[name].Resolved}
		file, err := archiveFile(it.src)
		if err != nil {
			log.Error(err, "failed to parse resolved url", "name", name, "url", it.src)
		}
		it.file = file
		items = append(items, it)
	}
	return p.download(ctx, items)
}

func (p *PackageKeeper) download(ctx context.Context, items []item) *Summary {
	summary := &Summary{Total: len(items)}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(p.spec.Workers)

	for i, it := range items {
		g.Go(func() error {
			res := p.downloadOne(ctx, it, i+1, len(items))

			mu.Lock()
			defer mu.Unlock()
			switch res {
			case resultDownloaded:
				summary.Downloaded = append(summary.Downloaded, it.name)
			case resultSkipped:
				summary.Skipped = append(summary.Skipped, it.name)
			default:
				summary.Failed = append(summary.Failed, it.name)
			}
			return nil
		})
	}
	_ = g.Wait()

	slices.Sort(summary.Downloaded)
	slices.Sort(summary.Skipped)
	slices.Sort(summary.Failed)
	return summary
}

func (p *PackageKeeper) downloadOne(ctx context.Context, it item, n, total int) result {
	log := logr.FromContextOrDiscard(ctx).WithValues("name", it.name, "progress", fmt.Sprintf("%d/%d", n, total))

	if it.file == "" || it.src == "" {
		log.Error(ErrMissingFilename, "unable to download package")
		return resultFailed
	}
	dst := filepath.Join(p.dir, it.file)
	if _, err := os.Stat(dst); err == nil {
		log.Info("skipping package (already exists)", "file", it.file)
		return resultSkipped
	}

	log.Info("downloading package")
	if !p.fetcher.Fetch(ctx, it.src, dst) {
		return resultFailed
	}
	return resultDownloaded
}

// WriteIndex writes a Packages.gz index describing every archive in
// the output directory that belongs to the closure.
func (p *PackageKeeper) WriteIndex(ctx context.Context, closure *debian.Closure, summary *Summary) error {
	var records []debian.Record
	for _, name := range summary.Available() {
		rec, ok := closure.Resolved[name]
		if !ok {
			continue
		}
		rec = maps.Clone(rec)
		rec[debian.FieldFilename] = rec.ArchiveName()
		records = append(records, rec)
	}
	return p.writeIndex(ctx, records)
}

// ScanIndex writes a Packages.gz index for the locked packages in the
// output directory using the control data inside each archive.
func (p *PackageKeeper) ScanIndex(ctx context.Context, lock *lockfile.Lock, summary *Summary) error {
	log := logr.FromContextOrDiscard(ctx)

	var records []debian.Record
	for _, name := range summary.Available() {
		pkg, ok := lock.Packages[name]
		if !ok {
			continue
		}
		file, err := archiveFile(pkg.Resolved)
		if err != nil {
			return err
		}
		rec, err := p.scanArchive(ctx, file)
		if err != nil {
			log.Error(err, "failed to read package metadata", "name", name, "file", file)
			return err
		}
		records = append(records, rec)
	}
	return p.writeIndex(ctx, records)
}

func (p *PackageKeeper) scanArchive(ctx context.Context, file string) (debian.Record, error) {
	dst := filepath.Join(p.dir, file)
	f, err := os.Open(dst)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := archiveutil.ReadControl(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", file, err)
	}
	rec, err := debian.ParseControl(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	integrity, err := lockfile.Integrity(dst)
	if err != nil {
		return nil, err
	}
	rec[debian.FieldFilename] = file
	rec[debian.FieldSize] = strconv.FormatInt(info.Size(), 10)
	rec[debian.FieldSHA256] = strings.TrimPrefix(integrity, "sha256:")
	return rec, nil
}

func (p *PackageKeeper) writeIndex(ctx context.Context, records []debian.Record) error {
	dst := filepath.Join(p.dir, IndexName)
	logr.FromContextOrDiscard(ctx).Info("writing package index", "path", dst, "count", len(records))

	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := debian.WriteIndex(f, records); err != nil {
		return fmt.Errorf("writing index: %w", err)
	}
	return nil
}

// Lock describes the archives that are present in the output
// directory so that the same set can be downloaded again later.
func (p *PackageKeeper) Lock(ctx context.Context, codename string, requested []string, closure *debian.Closure, summary *Summary) (*lockfile.Lock, error) {
	log := logr.FromContextOrDiscard(ctx)

	lock := &lockfile.Lock{
		Name:            codename,
		LockfileVersion: 1,
		Packages:        map[string]lockfile.Package{},
	}
	for _, name := range summary.Available() {
		rec, ok := closure.Resolved[name]
		if !ok {
			continue
		}
		integrity, err := lockfile.Integrity(filepath.Join(p.dir, rec.ArchiveName()))
		if err != nil {
			log.Error(err, "failed to generate package checksum", "name", name)
			return nil, err
		}
		lock.Packages[name] = lockfile.Package{
			Name:      name,
			Type:      v1.PackageDebian,
			Version:   rec.Version(),
			Resolved:  p.ArchiveURL(rec),
			Integrity: integrity,
			Direct:    slices.Contains(requested, name),
		}
	}
	return lock, nil
}

// archiveFile returns the name an archive is saved as.
func archiveFile(src string) (string, error) {
	if src == "" {
		return "", nil
	}
	uri, err := url.Parse(src)
	if err != nil {
		return "", err
	}
	switch name := path.Base(uri.Path); name {
	case ".", "/":
		return "", nil
	default:
		return name, nil
	}
}

// Available returns the packages whose archive is present in the
// output directory.
func (s *Summary) Available() []string {
	out := append(slices.Clone(s.Downloaded), s.Skipped...)
	slices.Sort(out)
	return out
}

// HasWarnings returns true if anything could not be resolved or
// downloaded.
func (s *Summary) HasWarnings() bool {
	return len(s.Failed) > 0 || len(s.Missing) > 0
}
