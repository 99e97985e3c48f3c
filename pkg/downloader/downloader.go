package downloader

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/hashicorp/go-getter"
)

// badResponse matches the error go-getter returns when the
// server responds with an unexpected status.
var badResponse = regexp.MustCompile(`bad response code: (\d{3})`)

// suffixPartial is appended to the destination while a
// download is in progress.
const suffixPartial = ".part"

// NewDownloader creates a Downloader that attempts each download
// up to retries+1 times.
func NewDownloader(retries int) *Downloader {
	return &Downloader{
		retries: max(retries, 0),
		backoff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

// Fetch downloads src to dst. Failures are logged rather than
// returned so that the caller can carry on with other work.
func (d *Downloader) Fetch(ctx context.Context, src, dst string) bool {
	log := logr.FromContextOrDiscard(ctx).WithValues("src", src, "dst", dst)
	if err := d.Download(ctx, src, dst); err != nil {
		log.Error(err, "failed to download file")
		return false
	}
	return true
}

// Download retrieves src and saves it to dst.
//
// The file is written next to dst and only renamed into place once it
// is complete, so dst never holds a partial download.
func (d *Downloader) Download(ctx context.Context, src, dst string) error {
	log := logr.FromContextOrDiscard(ctx)
	log.V(1).Info("downloading file", "src", src)

	uri, err := url.Parse(src)
	if err != nil {
		log.Error(err, "failed to parse url")
		return err
	}
	// disable archive handling, otherwise compressed
	// indices are unpacked behind our back
	q := uri.Query()
	q.Set("archive", "false")
	uri.RawQuery = q.Encode()

	part := dst + suffixPartial
	log.V(2).Info("preparing to download file", "dst", part)

	get := func() error {
		client := &getter.Client{
			Ctx:             ctx,
			Src:             uri.String(),
			Dst:             part,
			Mode:            getter.ClientModeFile,
			DisableSymlinks: true,
		}
		if err := client.Get(); err != nil {
			if ctx.Err() != nil || isPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(d.backoff(), uint64(d.retries)), ctx)
	err = backoff.RetryNotify(get, b, func(err error, delay time.Duration) {
		log.V(1).Info("retrying download", "src", src, "delay", delay, "reason", err.Error())
	})
	if err != nil {
		_ = os.Remove(part)
		return fmt.Errorf("downloading %s: %w", src, err)
	}

	if err := os.Rename(part, dst); err != nil {
		log.Error(err, "failed to move download into place", "dst", dst)
		return err
	}
	// we need to chmod the files so that the root group
	// can access them as if they were the owner
	if err := os.Chmod(dst, 0664); err != nil {
		log.Error(err, "failed to update file permissions", "file", dst)
		return err
	}
	return nil
}

// isPermanent returns true if the server rejected the request in
// a way that retrying won't fix.
func isPermanent(err error) bool {
	m := badResponse.FindStringSubmatch(err.Error())
	if m == nil {
		return false
	}
	code, _ := strconv.Atoi(m[1])
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return code >= 400 && code < 500
}
