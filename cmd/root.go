package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/djcass44/debfetch/pkg/airutil"
	v1 "github.com/djcass44/debfetch/pkg/api/v1"
	"github.com/djcass44/debfetch/pkg/debian"
	"github.com/djcass44/debfetch/pkg/downloader"
	"github.com/djcass44/debfetch/pkg/lockfile"
	packages "github.com/djcass44/debfetch/pkg/packages/debian"
	"github.com/djcass44/go-utils/logging"
	"github.com/go-logr/logr"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"k8s.io/apimachinery/pkg/util/yaml"
)

var command = &cobra.Command{
	Use:          "debfetch <codename> <output-dir> <package>...",
	Short:        "download Debian packages and their dependencies",
	Args:         cobra.ArbitraryArgs,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logLevel, _ := cmd.Flags().GetInt(flagLogLevel)

		zc := zap.NewProductionConfig()
		zc.Level = zap.NewAtomicLevelAt(zapcore.Level(logLevel * -1))

		_, ctx := logging.NewZap(cmd.Context(), zc)
		cmd.SetContext(ctx)

		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logr.FromContextOrDiscard(ctx).Error(err, "failed to load .env file")
		}
	},
	RunE: run,
}

var (
	errUsage    = errors.New("requires a codename, an output directory and at least one package")
	errWarnings = errors.New("completed with warnings")
)

const (
	flagLogLevel    = "v"
	flagConfig      = "config"
	flagMirror      = "mirror"
	flagArch        = "arch"
	flagComponents  = "components"
	flagWorkers     = "workers"
	flagRetries     = "retries"
	flagMergePolicy = "merge-policy"
	flagDryRun      = "dry-run"
	flagLockfile    = "lockfile"
	flagFrozen      = "frozen"
	flagWriteIndex  = "write-index"
	flagStrict      = "strict"
)

func init() {
	command.PersistentFlags().Int(flagLogLevel, 0, "log level. Higher is more")
	addFlags(command.Flags())

	_ = command.MarkFlagFilename(flagConfig, ".yaml", ".yml", ".json")
	command.MarkFlagsMutuallyExclusive(flagDryRun, flagFrozen)

	command.AddCommand(cleanCmd)
}

func addFlags(fs *pflag.FlagSet) {
	fs.StringP(flagConfig, "c", "", "path to a mirror configuration file")
	fs.String(flagMirror, v1.DefaultMirror, "base url of the Debian mirror")
	fs.String(flagArch, v1.DefaultArchitecture, "target architecture")
	fs.StringSlice(flagComponents, v1.DefaultComponents, "archive components to search. Use 'auto' to read them from the Release file")
	fs.Int(flagWorkers, v1.DefaultWorkers, "number of concurrent downloads")
	fs.Int(flagRetries, v1.DefaultRetries, "number of times to retry a failed download")
	fs.String(flagMergePolicy, v1.DefaultMergePolicy, "how to handle packages found in more than one component (last, newest)")
	fs.Bool(flagDryRun, false, "resolve dependencies without downloading anything")
	fs.String(flagLockfile, "", "path to write a lockfile describing the downloaded packages")
	fs.Bool(flagFrozen, false, "download the packages recorded in the lockfile instead of resolving")
	fs.Bool(flagWriteIndex, false, "write a Packages.gz index into the output directory")
	fs.Bool(flagStrict, false, "exit with status 3 if any package could not be resolved or downloaded")
}

func run(cmd *cobra.Command, args []string) error {
	if len(args) < 3 {
		_ = cmd.Usage()
		return errUsage
	}
	log := logr.FromContextOrDiscard(cmd.Context())

	codename, outDir, names := args[0], args[1], args[2:]
	log.V(1).Info("fetching packages", "codename", codename, "dir", outDir, "packages", names)

	dryRun, _ := cmd.Flags().GetBool(flagDryRun)
	lockPath, _ := cmd.Flags().GetString(flagLockfile)
	frozen, _ := cmd.Flags().GetBool(flagFrozen)
	writeIndex, _ := cmd.Flags().GetBool(flagWriteIndex)
	strict, _ := cmd.Flags().GetBool(flagStrict)

	if frozen && lockPath == "" {
		return fmt.Errorf("--%s requires --%s", flagFrozen, flagLockfile)
	}

	spec, err := mirrorSpec(cmd)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	keeper := packages.NewPackageKeeper(spec, downloader.NewDownloader(spec.Retries), outDir)

	var summary *packages.Summary
	switch {
	case dryRun:
		closure := keeper.Resolve(cmd.Context(), keeper.LoadDatabase(cmd.Context(), codename), names)
		printClosure(cmd.OutOrStdout(), closure)
		if strict && len(closure.Missing) > 0 {
			return errWarnings
		}
		return nil
	case frozen:
		lock, err := lockfile.Read(cmd.Context(), lockPath)
		if err != nil {
			return fmt.Errorf("reading lockfile: %w", err)
		}
		if err := lock.Validate(names); err != nil {
			return err
		}
		summary = keeper.DownloadLocked(cmd.Context(), lock)
		if writeIndex {
			if err := keeper.ScanIndex(cmd.Context(), lock, summary); err != nil {
				return err
			}
		}
	default:
		closure, s := keeper.Run(cmd.Context(), codename, names)
		summary = s
		if writeIndex {
			if err := keeper.WriteIndex(cmd.Context(), closure, summary); err != nil {
				return err
			}
		}
		if lockPath != "" {
			lock, err := keeper.Lock(cmd.Context(), codename, names, closure, summary)
			if err != nil {
				return err
			}
			if err := lockfile.Write(cmd.Context(), lockPath, lock); err != nil {
				return err
			}
		}
	}

	printSummary(cmd.OutOrStdout(), summary)
	if strict && summary.HasWarnings() {
		return errWarnings
	}
	return nil
}

// mirrorSpec builds the mirror configuration from the config
// file (if any) and any flags that were explicitly set.
func mirrorSpec(cmd *cobra.Command) (v1.MirrorSpec, error) {
	spec := v1.MirrorSpec{Retries: v1.DefaultRetries}

	configPath, _ := cmd.Flags().GetString(flagConfig)
	if configPath != "" {
		cfg, err := readConfig(configPath)
		if err != nil {
			return v1.MirrorSpec{}, fmt.Errorf("reading config: %w", err)
		}
		spec = cfg.Spec
	}
	expandSpec(&spec)

	flags := cmd.Flags()
	if flags.Changed(flagMirror) {
		spec.Mirror, _ = flags.GetString(flagMirror)
	}
	if flags.Changed(flagArch) {
		spec.Architecture, _ = flags.GetString(flagArch)
	}
	if flags.Changed(flagComponents) {
		spec.Components, _ = flags.GetStringSlice(flagComponents)
	}
	if flags.Changed(flagWorkers) {
		spec.Workers, _ = flags.GetInt(flagWorkers)
	}
	if flags.Changed(flagRetries) {
		spec.Retries, _ = flags.GetInt(flagRetries)
	}
	if flags.Changed(flagMergePolicy) {
		spec.MergePolicy, _ = flags.GetString(flagMergePolicy)
	}

	spec.SetDefaults()
	if err := spec.Validate(); err != nil {
		return v1.MirrorSpec{}, err
	}
	return spec, nil
}

// expandSpec replaces environment references in the configured
// values. The index template is left alone as it is expanded per
// component.
func expandSpec(spec *v1.MirrorSpec) {
	spec.Mirror = airutil.ExpandEnv(spec.Mirror)
	spec.Architecture = airutil.ExpandEnv(spec.Architecture)
	spec.MergePolicy = airutil.ExpandEnv(spec.MergePolicy)
	for i := range spec.Components {
		spec.Components[i] = airutil.ExpandEnv(spec.Components[i])
	}
	for i := range spec.IndexFiles {
		spec.IndexFiles[i] = airutil.ExpandEnv(spec.IndexFiles[i])
	}
}

func readConfig(s string) (v1.Config, error) {
	f, err := os.Open(s)
	if err != nil {
		return v1.Config{}, err
	}
	defer f.Close()

	config := v1.Config{Spec: v1.MirrorSpec{Retries: v1.DefaultRetries}}
	if err := yaml.NewYAMLOrJSONDecoder(f, 4).Decode(&config); err != nil {
		return v1.Config{}, err
	}
	return config, nil
}

func printClosure(w io.Writer, closure *debian.Closure) {
	for _, name := range closure.Order {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", name, closure.Resolved[name].Version())
	}
	if len(closure.Missing) > 0 {
		_, _ = fmt.Fprintf(w, "missing: %s\n", strings.Join(closure.Missing, ", "))
	}
}

func printSummary(w io.Writer, summary *packages.Summary) {
	_, _ = fmt.Fprintf(w, "%d packages: %d downloaded, %d skipped, %d failed\n", summary.Total, len(summary.Downloaded), len(summary.Skipped), len(summary.Failed))
	if len(summary.Failed) > 0 {
		_, _ = fmt.Fprintf(w, "failed: %s\n", strings.Join(summary.Failed, ", "))
	}
	if len(summary.Missing) > 0 {
		_, _ = fmt.Fprintf(w, "missing: %s\n", strings.Join(summary.Missing, ", "))
	}
}

func Execute(version string) {
	command.Version = version
	if err := command.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode returns the process exit status for an error returned
// by the command.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errWarnings):
		return 3
	default:
		return 1
	}
}
