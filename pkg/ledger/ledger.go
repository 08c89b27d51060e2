// Package ledger is the append-only snapshot store.
//
// Layout under the root:
//
//	snapshots/<date>/      one immutable directory per UTC date
//	latest                 symlink to the newest snapshots/<date>
//	latest.json            freshness record of the newest snapshot
//	rollups/<cadence>/<k>/ derived aggregates, replaced wholesale
//	baseline/              drift baselines, outside the snapshot stream
//	.staging/              in-progress writes, invisible to readers
//	.locks/                run and rollup leases
//
// Every publish is a directory rename from .staging, so a reader sees either
// the previous state or the complete new one.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tbowman01/shared-github-actions/pkg/evidence"
)

const (
	snapshotsDir = "snapshots"
	rollupsDir   = "rollups"
	baselineDir  = "baseline"
	stagingDir   = ".staging"
	locksDir     = ".locks"
	latestLink   = "latest"
	latestFile   = "latest.json"
)

// ErrNoSnapshot is returned when the ledger has no committed snapshot.
var ErrNoSnapshot = errors.New("ledger: no snapshot committed")

// Ledger is a snapshot ledger rooted at a directory.
type Ledger struct {
	root   string
	clock  func() time.Time
	logger *slog.Logger
}

// Open prepares the ledger directory structure.
func Open(root string) (*Ledger, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	for _, d := range []string{snapshotsDir, rollupsDir, baselineDir, stagingDir, locksDir} {
		if err := os.MkdirAll(filepath.Join(abs, d), 0o750); err != nil {
			return nil, fmt.Errorf("ledger: %w", err)
		}
	}
	return &Ledger{
		root:   abs,
		clock:  time.Now,
		logger: slog.Default().With("component", "ledger"),
	}, nil
}

func (l *Ledger) Root() string        { return l.root }
func (l *Ledger) BaselineDir() string { return filepath.Join(l.root, baselineDir) }
func (l *Ledger) LocksDir() string    { return filepath.Join(l.root, locksDir) }
func (l *Ledger) LatestFile() string  { return filepath.Join(l.root, latestFile) }

// SnapshotDir returns the directory of a dated snapshot.
func (l *Ledger) SnapshotDir(date string) string {
	return filepath.Join(l.root, snapshotsDir, date)
}

// RollupDir returns the directory of a rollup period.
func (l *Ledger) RollupDir(cadence, key string) string {
	return filepath.Join(l.root, rollupsDir, cadence, key)
}

// RollupKeys lists the committed period keys of a cadence, sorted.
func (l *Ledger) RollupKeys(cadence string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(l.root, rollupsDir, cadence))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			keys = append(keys, e.Name())
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Dates lists committed snapshot dates in chronological order.
func (l *Ledger) Dates() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(l.root, snapshotsDir))
	if err != nil {
		return nil, err
	}
	var dates []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := evidence.ParseDateKey(e.Name()); err != nil {
			continue
		}
		dates = append(dates, e.Name())
	}
	sort.Strings(dates)
	return dates, nil
}

// Latest reads the freshness record of the newest snapshot.
func (l *Ledger) Latest() (evidence.Metadata, error) {
	var m evidence.Metadata
	data, err := os.ReadFile(l.LatestFile())
	if errors.Is(err, fs.ErrNotExist) {
		return m, ErrNoSnapshot
	}
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("ledger: latest.json: %w", err)
	}
	return m, nil
}

// LatestTarget resolves the latest symlink to its snapshot date.
func (l *Ledger) LatestTarget() (string, error) {
	target, err := os.Readlink(filepath.Join(l.root, latestLink))
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNoSnapshot
	}
	if err != nil {
		return "", err
	}
	return filepath.Base(target), nil
}

// checkAppendable refuses dates older than the newest committed snapshot.
func (l *Ledger) checkAppendable(date string) error {
	dates, err := l.Dates()
	if err != nil {
		return err
	}
	if n := len(dates); n > 0 && date < dates[n-1] {
		return fmt.Errorf("snapshot %s is superseded by %s and immutable", date, dates[n-1])
	}
	return nil
}

// NewStagingDir allocates a private directory under .staging.
func (l *Ledger) NewStagingDir(prefix string) (string, error) {
	dir := filepath.Join(l.root, stagingDir, prefix+"-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	return dir, nil
}

// PublishDir moves a fully written staging directory to dst, replacing any
// existing directory there. The previous content is moved aside first and
// restored if the publish fails.
func (l *Ledger) PublishDir(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	var aside string
	if _, err := os.Lstat(dst); err == nil {
		aside = filepath.Join(l.root, stagingDir, "replaced-"+uuid.NewString())
		if err := os.Rename(dst, aside); err != nil {
			return fmt.Errorf("move aside %s: %w", dst, err)
		}
	}
	if err := os.Rename(src, dst); err != nil {
		if aside != "" {
			_ = os.Rename(aside, dst)
		}
		return fmt.Errorf("publish %s: %w", dst, err)
	}
	if aside != "" {
		if err := os.RemoveAll(aside); err != nil {
			l.logger.Warn("failed to remove replaced directory", "path", aside, "error", err)
		}
	}
	return nil
}

// pointLatest swaps the latest symlink to the given date with a rename.
func (l *Ledger) pointLatest(date string) error {
	tmp := filepath.Join(l.root, ".latest-"+uuid.NewString())
	if err := os.Symlink(filepath.Join(snapshotsDir, date), tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(l.root, latestLink)); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// WriteFileAtomic writes data next to path and renames it into place.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
