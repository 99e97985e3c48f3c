package downloader

import "github.com/cenkalti/backoff/v4"

// Downloader retrieves remote files using go-getter.
type Downloader struct {
	retries int
	backoff func() backoff.BackOff
}
