// Package gc removes what the control plane no longer knows about:
// orphaned app directories, their run logs, and their per-app Mongo
// databases. It also hosts the per-app cleanup hook fired on app
// deletion.
package gc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wsforge/wsforge/internal/common/config"
	apperrors "github.com/wsforge/wsforge/internal/common/errors"
	"github.com/wsforge/wsforge/internal/common/execx"
	"github.com/wsforge/wsforge/internal/common/logger"
	"github.com/wsforge/wsforge/internal/workspace/run"
)

// RunCleaner stops and scrubs a user's run state for one app.
type RunCleaner interface {
	CleanupApp(ctx context.Context, userID, appID int64) error
}

// BrokenRemover removes a container matching the broken fingerprint.
type BrokenRemover interface {
	RemoveBroken(ctx context.Context, userID int64) error
}

// Runner spawns host processes, used for mongosh.
type Runner interface {
	Run(ctx context.Context, spec execx.Spec) execx.Result
}

const (
	mongoshTimeout = 8 * time.Second
	deleteAttempts = 3
)

// quarantinePattern matches directories parked by a failed delete.
var quarantinePattern = regexp.MustCompile(`\.deleted-\d+$`)

// dbNamePattern matches per-app databases.
var dbNamePattern = regexp.MustCompile(`^db_(\d+)$`)

// Collector is the orphan garbage collector.
type Collector struct {
	cfg    config.GCConfig
	wcfg   config.WorkspaceConfig
	runner Runner
	runs   RunCleaner
	broken BrokenRemover
	logger *logger.Logger

	mu   sync.Mutex
	live map[int64]struct{} // last live set supplied by the control plane
}

// New creates a collector.
func New(cfg config.GCConfig, wcfg config.WorkspaceConfig, runner Runner, runs RunCleaner, broken BrokenRemover, log *logger.Logger) *Collector {
	return &Collector{
		cfg:    cfg,
		wcfg:   wcfg,
		runner: runner,
		runs:   runs,
		broken: broken,
		logger: log,
	}
}

// Report summarizes one sweep.
type Report struct {
	AppDirsRemoved   int `json:"appDirsRemoved"`
	LogFilesRemoved  int `json:"logFilesRemoved"`
	DatabasesDropped int `json:"databasesDropped"`
}

// Start runs the daily schedule until the context is cancelled. The
// scheduled sweep reuses the live set from the most recent on-demand
// sweep; until one arrives there is nothing safe to delete.
func (c *Collector) Start(ctx context.Context) {
	if !c.cfg.Enabled {
		c.logger.Info("Orphan GC disabled")
		return
	}
	c.logger.Info("Orphan GC scheduled", zap.Int("hour", c.cfg.Hour))

	for {
		timer := time.NewTimer(time.Until(nextRunAt(time.Now(), c.cfg.Hour)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		c.mu.Lock()
		live := c.live
		c.mu.Unlock()
		if live == nil {
			c.logger.Warn("Skipping scheduled GC sweep, no live app set supplied yet")
			continue
		}
		report := c.Sweep(ctx, live)
		c.logger.Info("Scheduled GC sweep finished",
			zap.Int("app_dirs_removed", report.AppDirsRemoved),
			zap.Int("log_files_removed", report.LogFilesRemoved),
			zap.Int("databases_dropped", report.DatabasesDropped),
		)
	}
}

// nextRunAt returns the next occurrence of the configured local hour.
func nextRunAt(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

// Sweep deletes everything not covered by the live app-id set and
// remembers the set for the next scheduled run. Per-item failures are
// logged and skipped.
func (c *Collector) Sweep(ctx context.Context, live map[int64]struct{}) Report {
	c.mu.Lock()
	c.live = live
	c.mu.Unlock()

	isLive := func(appID int64) bool {
		_, ok := live[appID]
		return ok
	}

	var report Report
	for _, userID := range c.userIDs() {
		paths := run.Paths{UserDir: filepath.Join(c.wcfg.Root, strconv.FormatInt(userID, 10))}
		report.AppDirsRemoved += c.sweepAppDirs(paths, isLive)
		report.LogFilesRemoved += run.PruneOrphanLogs(paths, isLive)
	}
	report.DatabasesDropped = c.sweepDatabases(ctx, isLive)
	return report
}

// userIDs lists the numeric user directories under the workspace root.
func (c *Collector) userIDs() []int64 {
	entries, err := os.ReadDir(c.wcfg.Root)
	if err != nil {
		return nil
	}
	var ids []int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if id, err := strconv.ParseInt(e.Name(), 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// sweepAppDirs removes numeric app directories absent from the live set.
// Quarantined directories are left alone; they are an operator's problem.
func (c *Collector) sweepAppDirs(paths run.Paths, isLive func(int64) bool) int {
	entries, err := os.ReadDir(paths.AppsDir())
	if err != nil {
		return 0
	}
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || quarantinePattern.MatchString(e.Name()) {
			continue
		}
		appID, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil || isLive(appID) {
			continue
		}
		dir := filepath.Join(paths.AppsDir(), e.Name())
		if err := os.RemoveAll(dir); err != nil {
			c.logger.Warn("Failed to remove orphan app dir",
				zap.String("dir", dir), zap.Error(err))
			continue
		}
		c.logger.Info("Removed orphan app dir", zap.String("dir", dir))
		removed++
	}
	return removed
}

// sweepDatabases drops db_<id> databases absent from the live set.
func (c *Collector) sweepDatabases(ctx context.Context, isLive func(int64) bool) int {
	if c.cfg.MongoURI == "" {
		return 0
	}
	names, err := c.listDatabases(ctx)
	if err != nil {
		c.logger.Warn("Failed to list databases", zap.Error(err))
		return 0
	}

	dropped := 0
	for _, name := range names {
		m := dbNamePattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		appID, _ := strconv.ParseInt(m[1], 10, 64)
		if isLive(appID) {
			continue
		}
		if err := c.dropDatabase(ctx, name); err != nil {
			c.logger.Warn("Failed to drop orphan database",
				zap.String("database", name), zap.Error(err))
			continue
		}
		c.logger.Info("Dropped orphan database", zap.String("database", name))
		dropped++
	}
	return dropped
}

func (c *Collector) mongosh(ctx context.Context, eval string) execx.Result {
	bin := c.cfg.MongoshBin
	if bin == "" {
		bin = "mongosh"
	}
	return c.runner.Run(ctx, execx.Spec{
		Argv:    []string{bin, "--quiet", "--eval", eval, c.cfg.MongoURI},
		Timeout: mongoshTimeout,
	})
}

func (c *Collector) listDatabases(ctx context.Context) ([]string, error) {
	res := c.mongosh(ctx, `db.getMongo().getDBNames().join("\n")`)
	if !res.Ok() {
		return nil, fmt.Errorf("mongosh exited %d: %s", res.ExitCode, res.Output)
	}
	var names []string
	for _, line := range strings.Split(res.Output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

func (c *Collector) dropDatabase(ctx context.Context, name string) error {
	res := c.mongosh(ctx, fmt.Sprintf(`db.getSiblingDB(%q).dropDatabase()`, name))
	if !res.Ok() {
		return fmt.Errorf("mongosh exited %d: %s", res.ExitCode, res.Output)
	}
	return nil
}

// CleanupApp is the app-deletion hook. It stops the run if it belongs to
// the deleted app, removes the app directory (quarantining it when the
// delete will not stick), prunes its logs and clears a broken container.
func (c *Collector) CleanupApp(ctx context.Context, userID, appID int64) error {
	if err := c.runs.CleanupApp(ctx, userID, appID); err != nil {
		c.logger.Warn("Run cleanup failed during app deletion",
			zap.Int64("user_id", userID), zap.Int64("app_id", appID), zap.Error(err))
	}

	paths := run.Paths{UserDir: filepath.Join(c.wcfg.Root, strconv.FormatInt(userID, 10))}
	if err := c.removeAppDir(paths, appID); err != nil {
		return err
	}

	if err := c.broken.RemoveBroken(ctx, userID); err != nil {
		c.logger.Warn("Broken-container check failed during app deletion",
			zap.Int64("user_id", userID), zap.Error(err))
	}
	return nil
}

// removeAppDir deletes apps/<appId>, retrying with a growing backoff.
// When deletion will not stick the directory is renamed into quarantine
// so the id can be reused immediately.
func (c *Collector) removeAppDir(paths run.Paths, appID int64) error {
	dir := paths.AppDir(appID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= deleteAttempts; attempt++ {
		if lastErr = os.RemoveAll(dir); lastErr == nil {
			return nil
		}
		time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
	}

	quarantine := fmt.Sprintf("%s.deleted-%d", dir, time.Now().UnixMilli())
	if err := os.Rename(dir, quarantine); err != nil {
		return apperrors.Wrap(lastErr, fmt.Sprintf("app dir %d could not be deleted or quarantined", appID))
	}
	c.logger.Warn("App dir quarantined after failed delete",
		zap.Int64("app_id", appID), zap.String("quarantine", quarantine))

	// One more try now that the original name is free again.
	if err := os.RemoveAll(quarantine); err != nil {
		c.logger.Warn("Quarantined app dir still present",
			zap.String("quarantine", quarantine), zap.Error(err))
	}
	return nil
}
