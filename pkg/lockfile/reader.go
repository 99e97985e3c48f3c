package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/go-logr/logr"
)

var ErrMissing = errors.New("missing lockfile")

func Read(ctx context.Context, path string) (*Lock, error) {
	log := logr.FromContextOrDiscard(ctx)
	lock, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMissing
		}
		log.Error(err, "failed to open lockfile")
		return nil, err
	}
	defer lock.Close()
	// read the lockfile
	var lockFile Lock
	if err := json.NewDecoder(lock).Decode(&lockFile); err != nil {
		log.Error(err, "failed to read lockfile")
		return nil, fmt.Errorf("decoding lockfile: %w", err)
	}
	for k, v := range lockFile.Packages {
		v.Name = k
		lockFile.Packages[k] = v
	}
	return &lockFile, nil
}

func Write(ctx context.Context, path string, lock *Lock) error {
	log := logr.FromContextOrDiscard(ctx).WithValues("path", path)
	log.Info("exporting lockfile")

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "\t")
	if err := enc.Encode(lock); err != nil {
		return fmt.Errorf("encoding lockfile: %w", err)
	}
	return nil
}
