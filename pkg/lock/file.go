package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type fileRecord struct {
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// FileLock creates one O_EXCL lock file per key under Dir. A lock whose
// expiry has passed is treated as abandoned and taken over.
type FileLock struct {
	Dir string
	TTL time.Duration
	Now func() time.Time
}

// NewFileLock creates a FileLock.
func NewFileLock(dir string, ttl time.Duration) *FileLock {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &FileLock{Dir: dir, TTL: ttl, Now: time.Now}
}

func (l *FileLock) path(key string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(key)
	return filepath.Join(l.Dir, safe+".lock")
}

// Acquire takes the lease for key or fails with a LedgerBusyError.
func (l *FileLock) Acquire(ctx context.Context, key string) (Lease, error) {
	if err := os.MkdirAll(l.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("lock dir: %w", err)
	}
	p := l.path(key)
	for attempt := 0; attempt < 2; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		now := l.Now().UTC()
		rec := fileRecord{Token: newToken(), AcquiredAt: now, ExpiresAt: now.Add(l.TTL)}
		err := writeExclusive(p, rec)
		if err == nil {
			return &fileLease{path: p, key: key, token: rec.Token}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create lock %s: %w", p, err)
		}

		held, rerr := readRecord(p)
		if rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			// Unreadable lock file: fall back to its mtime.
			info, serr := os.Stat(p)
			if serr != nil || now.Sub(info.ModTime()) < l.TTL {
				return nil, busy(key, "unreadable lock file")
			}
		} else if rerr == nil && now.Before(held.ExpiresAt) {
			return nil, busy(key, held.Token+" until "+held.ExpiresAt.Format(time.RFC3339))
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("remove stale lock %s: %w", p, err)
		}
	}
	return nil, busy(key, "contended")
}

func writeExclusive(p string, rec fileRecord) error {
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600) //nolint:gosec // path derived from ledger root
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(rec); err != nil {
		_ = f.Close()
		_ = os.Remove(p)
		return err
	}
	return f.Close()
}

func readRecord(p string) (fileRecord, error) {
	var rec fileRecord
	data, err := os.ReadFile(p) //nolint:gosec // path derived from ledger root
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode lock: %w", err)
	}
	return rec, nil
}

type fileLease struct {
	path  string
	key   string
	token string
}

func (f *fileLease) Key() string { return f.key }

// Release removes the lock file if this lease still owns it.
func (f *fileLease) Release(context.Context) error {
	rec, err := readRecord(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Token != f.token {
		return fmt.Errorf("lock %s taken over by %s", f.key, rec.Token)
	}
	return os.Remove(f.path)
}
