package logging

import (
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	// MaxCrashLogs is the number of crash reports kept on disk.
	MaxCrashLogs = 20
	// CrashLogMaxAge is the age after which a crash report is removed.
	CrashLogMaxAge = 30 * 24 * time.Hour

	crashPrefix = "crash_"
	crashSuffix = ".log"
	crashStamp  = "2006-01-02_15-04-05.000"
)

var (
	crashMu       sync.RWMutex
	crashDir      string
	stateSnapshot func() map[string]any
)

// SetCrashLogDir overrides the crash log directory. An empty dir restores the
// default under the user cache directory.
func SetCrashLogDir(dir string) {
	crashMu.Lock()
	crashDir = dir
	crashMu.Unlock()
}

// SetStateSnapshot registers fn to describe simulator state in crash reports.
func SetStateSnapshot(fn func() map[string]any) {
	crashMu.Lock()
	stateSnapshot = fn
	crashMu.Unlock()
}

// CrashLogDir returns the directory crash reports are written to.
func CrashLogDir() string {
	crashMu.RLock()
	dir := crashDir
	crashMu.RUnlock()
	if dir != "" {
		return dir
	}
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "pcsc-sim", "crashes")
}

func isCrashLog(name string) bool {
	return strings.HasPrefix(name, crashPrefix) && strings.HasSuffix(name, crashSuffix)
}

// CrashReport is the content of one crash file.
type CrashReport struct {
	Where string
	Value any
	Stack []byte
	Time  time.Time
	State map[string]any
}

func (r CrashReport) render() []byte {
	var b strings.Builder
	b.WriteString("PC/SC Simulator Crash Report\n")
	b.WriteString("============================\n")
	fmt.Fprintf(&b, "Time: %s\n", r.Time.Format(time.RFC3339))
	fmt.Fprintf(&b, "Go Version: %s\n", runtime.Version())
	fmt.Fprintf(&b, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	if r.Where != "" {
		fmt.Fprintf(&b, "Location: %s\n", r.Where)
	}
	fmt.Fprintf(&b, "\nPanic Value:\n%v\n", r.Value)

	if len(r.State) > 0 {
		b.WriteString("\nSimulator State:\n")
		for _, k := range slices.Sorted(maps.Keys(r.State)) {
			fmt.Fprintf(&b, "  %s: %v\n", k, r.State[k])
		}
	}

	fmt.Fprintf(&b, "\nStack Trace:\n%s\n", r.Stack)
	if info, ok := debug.ReadBuildInfo(); ok {
		fmt.Fprintf(&b, "\nBuild Info:\n%s\n", info)
	}
	return []byte(b.String())
}

// WriteCrashLog writes a crash report and returns its path. Old reports are
// pruned in the background.
func WriteCrashLog(panicValue any, stack []byte) (string, error) {
	return writeReport(CrashReport{Value: panicValue, Stack: stack, Time: time.Now()})
}

func writeReport(r CrashReport) (string, error) {
	crashMu.RLock()
	snap := stateSnapshot
	crashMu.RUnlock()
	if snap != nil && r.State == nil {
		r.State = snap()
	}

	dir := CrashLogDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create crash log directory: %w", err)
	}
	path := filepath.Join(dir, crashPrefix+r.Time.Format(crashStamp)+crashSuffix)
	if err := os.WriteFile(path, r.render(), 0644); err != nil {
		return "", fmt.Errorf("write crash log: %w", err)
	}

	go cleanupOldCrashLogs()
	return path, nil
}

// ReportPanic records a recovered panic: a log entry under category, a Sentry
// event and a crash file. It returns the crash file path, or "" when the file
// could not be written.
func ReportPanic(category Category, where string, value any, stack []byte, data map[string]any) string {
	CapturePanic(value, stack, where)

	fields := map[string]any{
		"panic": fmt.Sprintf("%v", value),
		"stack": string(stack),
	}
	maps.Copy(fields, data)
	Error(category, fmt.Sprintf("PANIC in %s: %v", where, value), fields)

	path, err := writeReport(CrashReport{Where: where, Value: value, Stack: stack, Time: time.Now()})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write crash log: %v\n", err)
	} else {
		fmt.Fprintf(os.Stderr, "Crash log written to: %s\n", path)
	}
	fmt.Fprintf(os.Stderr, "\n=== PANIC in %s ===\n%v\n\nStack trace:\n%s\n", where, value, stack)
	return path
}

// RecoverAndLog reports a panic in the calling goroutine. Use as
// defer logging.RecoverAndLog("where", rePanic).
func RecoverAndLog(where string, rePanic bool) {
	r := recover()
	if r == nil {
		return
	}
	ReportPanic(CatSystem, where, r, debug.Stack(), nil)
	if rePanic {
		panic(r)
	}
}

// CrashLogInfo describes one crash report on disk.
type CrashLogInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// crashFiles lists crash reports in dir, oldest first.
func crashFiles(dir string) ([]fs.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := slices.DeleteFunc(entries, func(e fs.DirEntry) bool {
		return e.IsDir() || !isCrashLog(e.Name())
	})
	slices.SortFunc(files, func(a, b fs.DirEntry) int { return strings.Compare(a.Name(), b.Name()) })
	return files, nil
}

// GetCrashLogs returns up to limit crash reports, newest first.
func GetCrashLogs(limit int) ([]CrashLogInfo, error) {
	dir := CrashLogDir()
	files, err := crashFiles(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []CrashLogInfo{}, nil
		}
		return nil, err
	}

	logs := []CrashLogInfo{}
	for i := len(files) - 1; i >= 0 && len(logs) < limit; i-- {
		info, err := files[i].Info()
		if err != nil {
			continue
		}
		logs = append(logs, CrashLogInfo{
			Name:    files[i].Name(),
			Path:    filepath.Join(dir, files[i].Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return logs, nil
}

// ReadCrashLog returns the content of a crash report. Only bare crash file
// names are accepted.
func ReadCrashLog(filename string) (string, error) {
	if filepath.Base(filename) != filename || !isCrashLog(filename) {
		return "", fmt.Errorf("invalid crash log name %q", filename)
	}
	content, err := os.ReadFile(filepath.Join(CrashLogDir(), filename))
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// cleanupOldCrashLogs keeps the newest MaxCrashLogs reports and removes any
// older than CrashLogMaxAge.
func cleanupOldCrashLogs() {
	dir := CrashLogDir()
	files, err := crashFiles(dir)
	if err != nil {
		return
	}

	now := time.Now()
	for i, f := range files {
		expired := len(files)-i > MaxCrashLogs
		if info, err := f.Info(); err == nil && now.Sub(info.ModTime()) > CrashLogMaxAge {
			expired = true
		}
		if expired {
			_ = os.Remove(filepath.Join(dir, f.Name()))
		}
	}
}
