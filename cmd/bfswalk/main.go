// Command bfswalk exercises the bftw traversal engine from a shell: a
// thin flag-to-Options mapping, not a predicate-expression parser (the
// predicate language itself is an explicit non-goal). Flag wiring
// follows the cobra/pflag shape rclone's own backend subcommands use
// (see backend/torrent/cmd/backend.go's commandDefinition).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tavianator/bfswalk/bftw"
	"github.com/tavianator/bfswalk/ferrors"
	"github.com/tavianator/bfswalk/sighook"
	"github.com/tavianator/bfswalk/statx"
)

var opt = struct {
	linkMode     string
	mount        string
	xdevPrune    string
	minDepth     int
	maxDepth     int
	needStat     bool
	needTgtStat  bool
	brokenLinkOK bool
	threads      int
	queueDep     int
	sortOrder    string
	batchSize    int
	maxOpenDirs  int
	verbose      bool
}{}

func init() {
	flags := root.Flags()
	flags.StringVar(&opt.linkMode, "link-mode", "never", "symlink following: never|roots|always")
	flags.StringVar(&opt.mount, "mount", "cross", "mount boundary handling: cross|stay")
	flags.StringVar(&opt.xdevPrune, "xdev-prune", "emit", "cross-device child handling when --mount=stay: hide|emit")
	flags.IntVar(&opt.minDepth, "min-depth", 0, "don't report entries above this depth")
	flags.IntVar(&opt.maxDepth, "max-depth", -1, "don't descend below this depth (-1 = unbounded)")
	flags.BoolVar(&opt.needStat, "stat", false, "force a full stat of every entry, even when its readdir type hint is already known")
	flags.BoolVar(&opt.needTgtStat, "need-target-stat", false, "also stat a symlink's target, even when it won't be followed for descent")
	flags.BoolVar(&opt.brokenLinkOK, "broken-link-ok", false, "treat a symlink whose target doesn't exist as an ordinary entry instead of an error")
	flags.IntVar(&opt.threads, "threads", 4, "worker goroutines servicing the I/O queue")
	flags.IntVar(&opt.queueDep, "queue-depth", 64, "I/O queue submission ring depth, must be a power of two")
	flags.StringVar(&opt.sortOrder, "sort", "none", "child order within each readdir batch of a directory: none|asc|desc")
	flags.IntVar(&opt.batchSize, "readdir-batch", 256, "entries requested per readdir job")
	flags.IntVar(&opt.maxOpenDirs, "max-open-dirs", 0, "cap on concurrently open directory handles (0 = auto from RLIMIT_NOFILE, negative = unbounded)")
	flags.BoolVarP(&opt.verbose, "verbose", "v", false, "log at debug level instead of warn level (logs go to stderr)")
}

var root = &cobra.Command{
	Use:   "bfswalk [flags] root [root...]",
	Short: "Breadth-first filesystem traversal",
	Long: `
bfswalk walks one or more filesystem roots breadth-first, printing one
line per visited entry. It is a harness over the bftw package, not a
predicate language: filtering, string output formats, and actions
(exec, delete, ...) are left to whatever consumes its output.`,
	Args: cobra.MinimumNArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWalk(args)
	},
}

func main() {
	sighook.AtExit(func() {
		fmt.Fprintln(os.Stderr, "bfswalk: shutting down")
	})
	root.SilenceUsage = true
	root.SilenceErrors = true
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bfswalk: %v\n", ferrors.Cause(err))
		if ferr, ok := err.(*ferrors.Error); ok && ferr.Kind.Fatal() {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func runWalk(roots []string) error {
	if len(roots) == 0 {
		roots = []string{"."}
	}

	opts := bftw.DefaultOptions()
	opts.Roots = roots
	opts.Backend = statx.New()
	opts.NeedStat = opt.needStat
	opts.NeedTargetStat = opt.needTgtStat
	opts.BrokenLinkOK = opt.brokenLinkOK
	opts.MinDepth = opt.minDepth
	opts.MaxDepth = opt.maxDepth
	opts.Threads = opt.threads
	opts.QueueDepth = opt.queueDep
	opts.ReaddirBatchSize = opt.batchSize
	opts.MaxOpenDirs = opt.maxOpenDirs

	logLevel := slog.LevelWarn
	if opt.verbose {
		logLevel = slog.LevelDebug
	}
	opts.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	var err error
	opts.LinkMode, err = parseLinkMode(opt.linkMode)
	if err != nil {
		return err
	}
	opts.MountMode, err = parseMountMode(opt.mount)
	if err != nil {
		return err
	}
	opts.XdevPrune, err = parseXdevPrune(opt.xdevPrune)
	if err != nil {
		return err
	}
	opts.Sort, err = parseSort(opt.sortOrder)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopHook := sighook.Hook(os.Interrupt, func(os.Signal) { cancel() }, sighook.ModeContinue)
	defer sighook.Unhook(stopHook)

	result, werr := bftw.Walk(ctx, opts, printEntry)
	if werr != nil {
		return werr
	}
	if result.Err != nil {
		return result.Err
	}
	return nil
}

func printEntry(ctx context.Context, rec *bftw.Record) bftw.Action {
	if rec.Type == bftw.TypeError {
		fmt.Fprintf(os.Stderr, "bfswalk: %s: %v\n", rec.Path, rec.Err)
		return bftw.Continue
	}
	fmt.Println(rec.Path)
	if ctx.Err() != nil {
		return bftw.Stop
	}
	return bftw.Continue
}

func parseLinkMode(s string) (bftw.LinkMode, error) {
	switch s {
	case "never":
		return bftw.LinkNever, nil
	case "roots":
		return bftw.LinkRootsOnly, nil
	case "always":
		return bftw.LinkAlways, nil
	default:
		return 0, fmt.Errorf("bfswalk: --link-mode must be never|roots|always, got %q", s)
	}
}

func parseMountMode(s string) (bftw.MountMode, error) {
	switch s {
	case "cross":
		return bftw.MountCross, nil
	case "stay":
		return bftw.MountStay, nil
	default:
		return 0, fmt.Errorf("bfswalk: --mount must be cross|stay, got %q", s)
	}
}

func parseXdevPrune(s string) (bftw.XdevPrune, error) {
	switch s {
	case "hide":
		return bftw.XdevHide, nil
	case "emit":
		return bftw.XdevEmit, nil
	default:
		return 0, fmt.Errorf("bfswalk: --xdev-prune must be hide|emit, got %q", s)
	}
}

func parseSort(s string) (bftw.Sort, error) {
	switch s {
	case "none":
		return bftw.SortNone, nil
	case "asc":
		return bftw.SortLexAsc, nil
	case "desc":
		return bftw.SortLexDesc, nil
	default:
		return 0, fmt.Errorf("bfswalk: --sort must be none|asc|desc, got %q", s)
	}
}
