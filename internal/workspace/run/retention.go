package run

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// logNamePattern matches run-<type>-<appId>-<ms>.log.
var logNamePattern = regexp.MustCompile(`^run-(dev|start|build|install)-(\d+)-(\d+)\.log$`)

type logFile struct {
	path  string
	kind  string
	appID int64
	stamp int64 // launch time baked into the name, in ms
}

func listLogFiles(runDir string) []logFile {
	entries, err := os.ReadDir(runDir)
	if err != nil {
		return nil
	}
	var logs []logFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := logNamePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		appID, _ := strconv.ParseInt(m[2], 10, 64)
		stamp, _ := strconv.ParseInt(m[3], 10, 64)
		logs = append(logs, logFile{
			path:  filepath.Join(runDir, e.Name()),
			kind:  m[1],
			appID: appID,
			stamp: stamp,
		})
	}
	return logs
}

// PruneLogs deletes all but the newest keep log files per task kind in a
// user's run directory. Returns the number of files removed.
func PruneLogs(p Paths, keep int) int {
	if keep <= 0 {
		keep = 1
	}
	byKind := make(map[string][]logFile)
	for _, lf := range listLogFiles(p.RunDir()) {
		byKind[lf.kind] = append(byKind[lf.kind], lf)
	}

	removed := 0
	for _, logs := range byKind {
		sort.Slice(logs, func(i, j int) bool { return logs[i].stamp > logs[j].stamp })
		for _, lf := range logs[min(keep, len(logs)):] {
			if os.Remove(lf.path) == nil {
				removed++
			}
		}
	}
	return removed
}

// PruneOrphanLogs deletes log files whose embedded app id fails the live
// predicate. Returns the number of files removed.
func PruneOrphanLogs(p Paths, live func(appID int64) bool) int {
	removed := 0
	for _, lf := range listLogFiles(p.RunDir()) {
		if !live(lf.appID) && os.Remove(lf.path) == nil {
			removed++
		}
	}
	return removed
}

// PruneLogsForApp deletes every log file belonging to one app, used by the
// app-deletion cleanup hook. Returns the number of files removed.
func PruneLogsForApp(p Paths, appID int64) int {
	removed := 0
	for _, lf := range listLogFiles(p.RunDir()) {
		if lf.appID == appID && os.Remove(lf.path) == nil {
			removed++
		}
	}
	return removed
}
