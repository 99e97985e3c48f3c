package archiveutil

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/blakesmith/ar"
	"github.com/go-logr/logr"
)

var ErrNoControl = errors.New("archive does not contain control data")

// ReadControl returns the contents of the control file held in the
// control.tar member of a Debian binary package.
func ReadControl(ctx context.Context, r io.Reader) ([]byte, error) {
	log := logr.FromContextOrDiscard(ctx)
	rd := ar.NewReader(r)

	for {
		header, err := rd.Next()
		switch {
		case err == io.EOF:
			return nil, ErrNoControl
		case err != nil:
			log.Error(err, "failed to read file from archive")
			return nil, err
		case header == nil:
			continue
		}

		name := strings.TrimSuffix(header.Name, "/")
		if !strings.HasPrefix(name, "control.tar") {
			log.V(5).Info("skipping archive member", "name", name, "size", header.Size)
			continue
		}
		log.V(5).Info("reading control archive", "name", name, "size", header.Size)

		dec, err := Decompress(name, rd)
		if err != nil {
			return nil, fmt.Errorf("decompressing %s: %w", name, err)
		}
		defer dec.Close()
		return readTarFile(ctx, dec, "control")
	}
}

// readTarFile returns the contents of the regular file with the
// given name.
func readTarFile(ctx context.Context, r io.Reader, name string) ([]byte, error) {
	log := logr.FromContextOrDiscard(ctx)
	tr := tar.NewReader(r)

	for {
		header, err := tr.Next()
		switch {
		case err == io.EOF:
			return nil, ErrNoControl
		case err != nil:
			log.Error(err, "failed to read file from archive")
			return nil, err
		case header == nil:
			continue
		}

		if header.Typeflag != tar.TypeReg || path.Clean(header.Name) != name {
			continue
		}
		log.V(5).Info("found file", "name", header.Name, "size", header.Size)
		return io.ReadAll(tr)
	}
}
