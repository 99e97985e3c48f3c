package archiveutil

import (
	"io"
	"path"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Decompress picks a decoder for r based on the extension of name.
// Unknown extensions are assumed to be uncompressed.
func Decompress(name string, r io.Reader) (io.ReadCloser, error) {
	switch path.Ext(name) {
	case ".gz":
		return gzip.NewReader(r)
	case ".xz":
		reader, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(reader), nil
	case ".zst":
		reader, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return reader.IOReadCloser(), nil
	default:
		return io.NopCloser(r), nil
	}
}
