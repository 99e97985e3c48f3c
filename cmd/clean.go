package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
)

var cleanCmd = &cobra.Command{
	Use:   "clean <output-dir>",
	Short: "Removes partial downloads and leftover index files",
	Args:  cobra.ExactArgs(1),
	RunE:  clean,
}

func clean(cmd *cobra.Command, args []string) error {
	log := logr.FromContextOrDiscard(cmd.Context())

	dir := filepath.Clean(args[0])
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading output dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !isScratch(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		log.Info("deleting file", "path", path)
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("removing file: %w", err)
		}
	}
	return nil
}

// isScratch returns true for files that are only ever
// left behind by an interrupted run.
func isScratch(name string) bool {
	return strings.HasSuffix(name, ".part") || strings.HasPrefix(name, "Packages_")
}
