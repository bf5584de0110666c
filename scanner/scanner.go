package scanner

import (
	"context"
	"io/fs"
	"os"
	"runtime"
	"strings"

	"stalehunt/config"
	"stalehunt/logger"
	"stalehunt/output"
	"stalehunt/utils"

	"github.com/schollz/progressbar/v3"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/term"
	"golang.org/x/time/rate"
)

// Dispatcher classifies one file. dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, path string)
}

// ScanFiles walks the configured start paths and hands every candidate file
// to d from a bounded worker pool. Cancelling ctx stops the walk; files
// already handed out finish classification before ScanFiles returns.
func ScanFiles(ctx context.Context, cfg *config.Config, metrics *output.Metrics, d Dispatcher, w *output.Writer) error {
	if cfg.AllDrives {
		drives, err := utils.GetLocalDrives(ctx)
		if err != nil {
			return err
		}
		cfg.StartPaths = drives
	}
	adjustConcurrency(cfg)

	filter, err := newCandidateFilter(cfg)
	if err != nil {
		return err
	}
	walk := stackWalker{}

	var bar *progressbar.ProgressBar
	if cfg.SkipCount {
		logger.Info("Skipping total file count")
		bar = progressbar.NewOptions(-1,
			progressbar.OptionSetDescription("Classifying files"),
			progressbar.OptionShowCount(),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionSetVisibility(progressVisible()),
			progressbar.OptionFullWidth(),
		)
	} else {
		logger.Info("Counting total number of files...")
		total := 0
		for _, startPath := range cfg.StartPaths {
			count, err := countTotalFiles(ctx, walk, startPath, filter)
			if err != nil {
				logger.Warnf("Failed to count files in %s: %v", startPath, err)
			}
			total += count
		}
		logger.Infof("Total files to classify: %d", total)
		metrics.TotalFiles = total
		bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription("Classifying files"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionSetVisibility(progressVisible()),
			progressbar.OptionFullWidth(),
		)
	}

	var limiter *rate.Limiter
	if cfg.MaxIOPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxIOPerSecond), cfg.MaxIOPerSecond)
	}

	workers := pool.New().WithMaxGoroutines(cfg.ConcurrencyLevel)
	var dispatched int
	for _, startPath := range cfg.StartPaths {
		err := walk.Walk(ctx, startPath, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				logger.Warnf("Failed to access %s: %v", path, err)
				return nil
			}
			if entry == nil {
				return nil
			}
			if entry.IsDir() {
				if !filter.descend(path) {
					return fs.SkipDir
				}
				return nil
			}
			if !filter.accept(path, entry) {
				return nil
			}
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return err
				}
			}
			if w != nil {
				w.IncrementScanned()
			}
			dispatched++
			workers.Go(func() {
				d.Dispatch(ctx, path)
				_ = bar.Add(1)
			})
			return nil
		})
		if err != nil {
			logger.Warnf("Error walking path %s: %v", startPath, err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	workers.Wait()
	_ = bar.Finish()

	metrics.FilesDispatched = dispatched
	if cfg.SkipCount {
		metrics.TotalFiles = dispatched
	}
	return ctx.Err()
}

// candidateFilter decides which walked entries reach classification.
type candidateFilter struct {
	matcher     *utils.PatternMatcher
	guard       *utils.PathGuard
	maxFileSize int64
}

func newCandidateFilter(cfg *config.Config) (candidateFilter, error) {
	matcher := utils.NewPatternMatcher(cfg.IncludePatterns, cfg.ExcludePatterns)
	if cfg.IgnoreFile != "" {
		if err := matcher.AddIgnoreFile(cfg.IgnoreFile); err != nil {
			return candidateFilter{}, err
		}
	}
	return candidateFilter{
		matcher:     matcher,
		guard:       utils.NewPathGuard(cfg.StartPaths),
		maxFileSize: cfg.MaxFileSize,
	}, nil
}

func (f candidateFilter) descend(dir string) bool {
	return f.matcher.ShouldDescend(dir)
}

// accept filters on name and size only. A symlink is followed only when its
// target stays under a start path. Anything that fails to stat here is still
// accepted so the dispatcher can report it.
func (f candidateFilter) accept(path string, entry fs.DirEntry) bool {
	if !f.matcher.ShouldInclude(path) {
		return false
	}
	if entry.Type()&fs.ModeSymlink != 0 && !f.guard.Contains(path) {
		logger.Debugf("Skipping symlink outside start paths: %s", path)
		return false
	}
	if f.maxFileSize > 0 {
		if info, err := entry.Info(); err == nil && info.Size() > f.maxFileSize {
			return false
		}
	}
	return true
}

func countTotalFiles(ctx context.Context, walk walker, startPath string, filter candidateFilter) (int, error) {
	var total int
	err := walk.Walk(ctx, startPath, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry == nil {
			return nil
		}
		if entry.IsDir() {
			if !filter.descend(path) {
				return fs.SkipDir
			}
			return nil
		}
		if filter.accept(path, entry) {
			total++
		}
		return nil
	})
	return total, err
}

func adjustConcurrency(cfg *config.Config) {
	if cfg.ConcurrencySet {
		return
	}
	numCPU := runtime.NumCPU()
	switch cfg.NiceLevel {
	case "high":
		cfg.ConcurrencyLevel = numCPU
	case "medium":
		cfg.ConcurrencyLevel = max(numCPU/2, 1)
	case "low":
		cfg.ConcurrencyLevel = 1
	}
	if cfg.ConcurrencyLevel < 1 {
		cfg.ConcurrencyLevel = 1
	}
}

func progressVisible() bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv("STALEHUNT_DISABLE_PROGRESS")))
	if value == "1" || value == "true" || value == "yes" || value == "on" {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}
