package debian

import (
	"archive/tar"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/blakesmith/ar"
	v1 "github.com/djcass44/debfetch/pkg/api/v1"
	"github.com/djcass44/debfetch/pkg/archiveutil"
	"github.com/djcass44/debfetch/pkg/debian"
	"github.com/djcass44/debfetch/pkg/downloader"
	"github.com/djcass44/debfetch/pkg/lockfile"
	"github.com/go-logr/logr"
	"github.com/go-logr/logr/testr"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

var _ Fetcher = &downloader.Downloader{}

const testMirror = "http://mirror.test/debian"

const mainIndex = `Package: curl
Version: 7.88.1-10
Depends: libcurl4 (= 7.88.1-10), libc6 (>= 2.34) | libc6-compat
Filename: pool/main/c/curl/curl_7.88.1-10_amd64.deb

Package: libcurl4
Version: 7.88.1-10
Depends: libc6, libnghttp2-14
Filename: pool/main/c/curl/libcurl4_7.88.1-10_amd64.deb

Package: libc6
Version: 2.36-9
Filename: pool/main/g/glibc/libc6_2.36-9_amd64.deb
`

const contribIndex = `Package: zlib1g
Version: 1:1.2.13-1
Filename: pool/contrib/z/zlib/zlib1g_1.2.13-1_amd64.deb
`

// fakeFetcher serves files from memory and records every request.
type fakeFetcher struct {
	mu    sync.Mutex
	files map[string][]byte
	calls []string
}

func (f *fakeFetcher) Fetch(_ context.Context, src, dst string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, src)
	data, ok := f.files[src]
	if !ok {
		return false
	}
	return os.WriteFile(dst, data, 0644) == nil
}

func (f *fakeFetcher) archiveCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int
	for _, c := range f.calls {
		if strings.HasSuffix(c, ".deb") {
			n++
		}
	}
	return n
}

func gzipped(t *testing.T, s string) []byte {
	buf := &bytes.Buffer{}
	gw := gzip.NewWriter(buf)
	_, err := gw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func xzipped(t *testing.T, s string) []byte {
	buf := &bytes.Buffer{}
	xw, err := xz.NewWriter(buf)
	require.NoError(t, err)
	_, err = xw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, xw.Close())
	return buf.Bytes()
}

func indexURL(component, file string) string {
	return testMirror + "/dists/bookworm/" + component + "/binary-amd64/" + file
}

func newFetcher(t *testing.T) *fakeFetcher {
	files := map[string][]byte{
		indexURL("main", "Packages.gz"):    gzipped(t, mainIndex),
		indexURL("contrib", "Packages.xz"): xzipped(t, contribIndex),
	}
	for _, name := range []string{
		"pool/main/c/curl/curl_7.88.1-10_amd64.deb",
		"pool/main/c/curl/libcurl4_7.88.1-10_amd64.deb",
		"pool/main/g/glibc/libc6_2.36-9_amd64.deb",
		"pool/contrib/z/zlib/zlib1g_1.2.13-1_amd64.deb",
	} {
		files[testMirror+"/"+name] = []byte(path.Base(name))
	}
	return &fakeFetcher{files: files}
}

func newKeeper(t *testing.T, f Fetcher) (*PackageKeeper, string) {
	dir := t.TempDir()
	return NewPackageKeeper(v1.MirrorSpec{
		Mirror:       testMirror + "/",
		Architecture: "amd64",
		Components:   []string{"main", "contrib", "non-free"},
		Workers:      2,
	}, f, dir), dir
}

func listDir(t *testing.T, dir string) []string {
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}

func TestPackageKeeper_LoadDatabase(t *testing.T) {
	ctx := logr.NewContext(context.TODO(), testr.NewWithOptions(t, testr.Options{Verbosity: 10}))

	f := newFetcher(t)
	keeper, dir := newKeeper(t, f)

	db := keeper.LoadDatabase(ctx, "bookworm")
	assert.ElementsMatch(t, []string{"curl", "libcurl4", "libc6", "zlib1g"}, db.Names())

	// gz is preferred and xz is only tried when gz is unavailable
	assert.NotContains(t, f.calls, indexURL("main", "Packages.xz"))
	assert.Contains(t, f.calls, indexURL("contrib", "Packages.gz"))
	assert.Contains(t, f.calls, indexURL("contrib", "Packages.xz"))

	// the missing component is skipped rather than failing the run
	assert.Contains(t, f.calls, indexURL("non-free", "Packages.gz"))
	assert.Contains(t, f.calls, indexURL("non-free", "Packages.xz"))

	// scratch index files are cleaned up
	assert.Empty(t, listDir(t, dir))

	_, err := keeper.loadComponent(ctx, "bookworm", "non-free")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPackageKeeper_AutoComponents(t *testing.T) {
	ctx := logr.NewContext(context.TODO(), testr.NewWithOptions(t, testr.Options{Verbosity: 10}))

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/debian/dists/bookworm/Release":
			_, _ = w.Write([]byte("Suite: stable\nCodename: bookworm\nArchitectures: amd64 arm64\nComponents: contrib\n"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()
	mirror := ts.URL + "/debian"

	f := &fakeFetcher{files: map[string][]byte{
		mirror + "/dists/bookworm/main/binary-amd64/Packages.gz":    gzipped(t, mainIndex),
		mirror + "/dists/bookworm/contrib/binary-amd64/Packages.gz": gzipped(t, contribIndex),
	}}
	keeper := NewPackageKeeper(v1.MirrorSpec{
		Mirror:     mirror,
		Components: []string{v1.ComponentsAuto},
	}, f, t.TempDir())

	t.Run("components are read from the release", func(t *testing.T) {
		release, err := keeper.Release(ctx, "bookworm")
		require.NoError(t, err)
		assert.EqualValues(t, "stable", release.Suite)

		db := keeper.LoadDatabase(ctx, "bookworm")
		assert.EqualValues(t, []string{"zlib1g"}, db.Names())
	})
	t.Run("defaults are used without a release", func(t *testing.T) {
		db := keeper.LoadDatabase(ctx, "trixie")
		assert.Empty(t, db)
		assert.Contains(t, f.calls, mirror+"/dists/trixie/non-free-firmware/binary-amd64/Packages.xz")
	})
}

func TestPackageKeeper_LoadDatabaseCorruptIndex(t *testing.T) {
	ctx := logr.NewContext(context.TODO(), testr.NewWithOptions(t, testr.Options{Verbosity: 10}))

	f := newFetcher(t)
	f.files[indexURL("main", "Packages.gz")] = []byte("not gzip")
	keeper, _ := newKeeper(t, f)

	db := keeper.LoadDatabase(ctx, "bookworm")
	assert.EqualValues(t, []string{"zlib1g"}, db.Names())
}

func TestPackageKeeper_Run(t *testing.T) {
	ctx := logr.NewContext(context.TODO(), testr.NewWithOptions(t, testr.Options{Verbosity: 10}))

	f := newFetcher(t)
	keeper, dir := newKeeper(t, f)

	closure, summary := keeper.Run(ctx, "bookworm", []string{"curl", "zlib1g"})
	assert.EqualValues(t, []string{"curl", "zlib1g", "libcurl4", "libc6"}, closure.Order)
	assert.EqualValues(t, []string{"libnghttp2-14"}, closure.Missing)

	assert.EqualValues(t, 4, summary.Total)
	assert.EqualValues(t, []string{"curl", "libc6", "libcurl4", "zlib1g"}, summary.Downloaded)
	assert.Empty(t, summary.Skipped)
	assert.Empty(t, summary.Failed)
	assert.EqualValues(t, []string{"libnghttp2-14"}, summary.Missing)
	assert.True(t, summary.HasWarnings())
	assert.EqualValues(t, 4, f.archiveCalls())

	data, err := os.ReadFile(filepath.Join(dir, "curl_7.88.1-10_amd64.deb"))
	require.NoError(t, err)
	assert.EqualValues(t, "curl_7.88.1-10_amd64.deb", string(data))

	t.Run("second run downloads nothing", func(t *testing.T) {
		_, summary := keeper.Run(ctx, "bookworm", []string{"curl", "zlib1g"})
		assert.EqualValues(t, 4, f.archiveCalls())
		assert.Empty(t, summary.Downloaded)
		assert.EqualValues(t, []string{"curl", "libc6", "libcurl4", "zlib1g"}, summary.Skipped)
	})
}

func TestPackageKeeper_DownloadFailures(t *testing.T) {
	ctx := logr.NewContext(context.TODO(), testr.NewWithOptions(t, testr.Options{Verbosity: 10}))

	f := newFetcher(t)
	delete(f.files, testMirror+"/pool/main/c/curl/libcurl4_7.88.1-10_amd64.deb")
	keeper, dir := newKeeper(t, f)

	closure := &debian.Closure{
		Resolved: map[string]debian.Record{
			"curl":     {debian.FieldPackage: "curl", debian.FieldFilename: "pool/main/c/curl/curl_7.88.1-10_amd64.deb"},
			"libcurl4": {debian.FieldPackage: "libcurl4", debian.FieldFilename: "pool/main/c/curl/libcurl4_7.88.1-10_amd64.deb"},
			"virtual":  {debian.FieldPackage: "virtual"},
		},
		Order: []string{"curl", "libcurl4", "virtual"},
	}
	summary := keeper.Download(ctx, closure)
	assert.EqualValues(t, 3, summary.Total)
	assert.EqualValues(t, []string{"curl"}, summary.Downloaded)
	assert.EqualValues(t, []string{"libcurl4", "virtual"}, summary.Failed)
	assert.True(t, summary.HasWarnings())

	assert.EqualValues(t, []string{"curl_7.88.1-10_amd64.deb"}, listDir(t, dir))
}

func TestPackageKeeper_WriteIndex(t *testing.T) {
	ctx := logr.NewContext(context.TODO(), testr.NewWithOptions(t, testr.Options{Verbosity: 10}))

	f := newFetcher(t)
	keeper, dir := newKeeper(t, f)

	closure, summary := keeper.Run(ctx, "bookworm", []string{"curl"})
	require.NoError(t, keeper.WriteIndex(ctx, closure, summary))

	r, err := os.Open(filepath.Join(dir, IndexName))
	require.NoError(t, err)
	defer r.Close()
	gr, err := gzip.NewReader(r)
	require.NoError(t, err)
	defer gr.Close()

	db, err := debian.ParseIndex(gr)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"curl", "libcurl4", "libc6"}, db.Names())
	assert.EqualValues(t, "curl_7.88.1-10_amd64.deb", db["curl"].Filename())
	assert.EqualValues(t, "7.88.1-10", db["curl"].Version())

	// the closure itself is left untouched
	assert.EqualValues(t, "pool/main/c/curl/curl_7.88.1-10_amd64.deb", closure.Resolved["curl"].Filename())
}

func TestPackageKeeper_Lock(t *testing.T) {
	ctx := logr.NewContext(context.TODO(), testr.NewWithOptions(t, testr.Options{Verbosity: 10}))

	f := newFetcher(t)
	keeper, _ := newKeeper(t, f)

	requested := []string{"curl"}
	closure, summary := keeper.Run(ctx, "bookworm", requested)

	lock, err := keeper.Lock(ctx, "bookworm", requested, closure, summary)
	require.NoError(t, err)
	assert.EqualValues(t, "bookworm", lock.Name)
	assert.Len(t, lock.Packages, 3)
	assert.NoError(t, lock.Validate(requested))

	curl := lock.Packages["curl"]
	assert.True(t, curl.Direct)
	assert.EqualValues(t, v1.PackageDebian, curl.Type)
	assert.EqualValues(t, "7.88.1-10", curl.Version)
	assert.EqualValues(t, testMirror+"/pool/main/c/curl/curl_7.88.1-10_amd64.deb", curl.Resolved)
	assert.True(t, strings.HasPrefix(curl.Integrity, "sha256:"))
	assert.False(t, lock.Packages["libc6"].Direct)

	t.Run("locked packages can be downloaded again", func(t *testing.T) {
		f2 := newFetcher(t)
		keeper2, dir2 := newKeeper(t, f2)

		summary := keeper2.DownloadLocked(ctx, lock)
		assert.EqualValues(t, []string{"curl", "libc6", "libcurl4"}, summary.Downloaded)
		assert.Empty(t, summary.Failed)
		assert.ElementsMatch(t, []string{
			"curl_7.88.1-10_amd64.deb",
			"libcurl4_7.88.1-10_amd64.deb",
			"libc6_2.36-9_amd64.deb",
		}, listDir(t, dir2))
		// no index is fetched for a locked download
		assert.EqualValues(t, 3, len(f2.calls))
	})
	t.Run("locked package without a url fails", func(t *testing.T) {
		keeper2, _ := newKeeper(t, newFetcher(t))
		summary := keeper2.DownloadLocked(ctx, &lockfile.Lock{Packages: map[string]lockfile.Package{"foo": {}}})
		assert.EqualValues(t, []string{"foo"}, summary.Failed)
	})
	t.Run("locked package without a file name fails", func(t *testing.T) {
		keeper2, _ := newKeeper(t, newFetcher(t))
		summary := keeper2.DownloadLocked(ctx, &lockfile.Lock{Packages: map[string]lockfile.Package{
			"foo": {Resolved: "http://mirror.test"},
			"bar": {Resolved: "http://mirror.test/"},
		}})
		assert.Empty(t, summary.Skipped)
		assert.EqualValues(t, []string{"bar", "foo"}, summary.Failed)
	})
}

func TestPackageKeeper_IndexURL(t *testing.T) {
	keeper, _ := newKeeper(t, newFetcher(t))
	uri, err := keeper.IndexURL("bookworm", "main", "Packages.gz")
	require.NoError(t, err)
	assert.EqualValues(t, indexURL("main", "Packages.gz"), uri)
}

func debArchive(t *testing.T, control string) []byte {
	tarBuf := &bytes.Buffer{}
	tw := tar.NewWriter(tarBuf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "./control", Typeflag: tar.TypeReg, Mode: 0644, Size: int64(len(control))}))
	_, err := tw.Write([]byte(control))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	members := []struct {
		name string
		data []byte
	}{
		{"debian-binary", []byte("2.0\n")},
		{"control.tar.gz", gzipped(t, tarBuf.String())},
		{"data.tar.xz", xzipped(t, "")},
	}
	buf := &bytes.Buffer{}
	aw := ar.NewWriter(buf)
	require.NoError(t, aw.WriteGlobalHeader())
	for _, m := range members {
		require.NoError(t, aw.WriteHeader(&ar.Header{Name: m.name, ModTime: time.Unix(0, 0), Mode: 0644, Size: int64(len(m.data))}))
		_, err := aw.Write(m.data)
		require.NoError(t, err)
	}
	return buf.Bytes()
}

func TestPackageKeeper_ScanIndex(t *testing.T) {
	ctx := logr.NewContext(context.TODO(), testr.NewWithOptions(t, testr.Options{Verbosity: 10}))

	src := testMirror + "/pool/main/h/hello/hello_2.10-3_amd64.deb"
	deb := debArchive(t, "Package: hello\nVersion: 2.10-3\nDepends: libc6 (>= 2.34)\n")
	keeper, dir := newKeeper(t, &fakeFetcher{files: map[string][]byte{src: deb}})

	lock := &lockfile.Lock{Packages: map[string]lockfile.Package{
		"hello": {Name: "hello", Resolved: src, Direct: true},
	}}
	summary := keeper.DownloadLocked(ctx, lock)
	require.EqualValues(t, []string{"hello"}, summary.Downloaded)

	require.NoError(t, keeper.ScanIndex(ctx, lock, summary))

	r, err := os.Open(filepath.Join(dir, IndexName))
	require.NoError(t, err)
	defer r.Close()
	gr, err := gzip.NewReader(r)
	require.NoError(t, err)
	defer gr.Close()

	db, err := debian.ParseIndex(gr)
	require.NoError(t, err)
	hello := db["hello"]
	assert.EqualValues(t, "2.10-3", hello.Version())
	assert.EqualValues(t, []string{"libc6"}, hello.Dependencies())
	assert.EqualValues(t, "hello_2.10-3_amd64.deb", hello.Filename())
	assert.EqualValues(t, strconv.Itoa(len(deb)), hello[debian.FieldSize])
	assert.Len(t, hello[debian.FieldSHA256], 64)

	t.Run("archive without control data", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "hello_2.10-3_amd64.deb"), []byte("!<arch>\n"), 0644))
		assert.ErrorIs(t, keeper.ScanIndex(ctx, lock, summary), archiveutil.ErrNoControl)
	})
}
