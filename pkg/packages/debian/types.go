package debian

import (
	"context"

	v1 "github.com/djcass44/debfetch/pkg/api/v1"
)

// Fetcher retrieves the resource at src and writes it to dst. It
// reports failure instead of returning an error so that callers can
// continue with the rest of their work.
type Fetcher interface {
	Fetch(ctx context.Context, src, dst string) bool
}

// PackageKeeper drives index retrieval, dependency resolution and
// archive download for a single mirror.
type PackageKeeper struct {
	spec    v1.MirrorSpec
	fetcher Fetcher
	dir     string
}

// Summary accounts for every package that was due to be downloaded.
// All name lists are sorted.
type Summary struct {
	Total      int
	Downloaded []string
	Skipped    []string
	Failed     []string
	Missing    []string
}

type item struct {
	name string
	src  string
	file string
}

type result int

const (
	resultDownloaded result = iota
	resultSkipped
	resultFailed
)
