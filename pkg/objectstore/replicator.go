package objectstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"

	"golang.org/x/sync/errgroup"

	"github.com/tbowman01/shared-github-actions/pkg/ledger"
)

// LatestKey is where the freshness record is replicated.
const LatestKey = "latest.json"

// Report summarizes one replication.
type Report struct {
	Date     string `json:"date"`
	Uploaded int    `json:"uploaded"`
}

// Replicator copies committed snapshots into a Store.
type Replicator struct {
	store   Store
	workers int
	logger  *slog.Logger
}

// NewReplicator wraps a store. workers bounds concurrent uploads.
func NewReplicator(store Store, workers int) *Replicator {
	if workers <= 0 {
		workers = 4
	}
	return &Replicator{
		store:   store,
		workers: workers,
		logger:  slog.Default().With("component", "replicator"),
	}
}

// SnapshotKey is the object key of a snapshot file.
func SnapshotKey(date, rel string) string {
	return path.Join("snapshots", date, rel)
}

// Replicate uploads every file listed in the snapshot manifest, then the
// manifest itself, then latest.json. The manifest goes after its files so a
// replica reader never sees a manifest naming missing objects.
func (r *Replicator) Replicate(ctx context.Context, l *ledger.Ledger, date string) (*Report, error) {
	m, err := l.ReadManifest(date)
	if err != nil {
		return nil, fmt.Errorf("replicate %s: %w", date, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for _, e := range m.Files {
		e := e
		g.Go(func() error {
			data, err := l.ReadSnapshotFile(date, e.Path)
			if err != nil {
				return err
			}
			return r.store.Put(gctx, SnapshotKey(date, e.Path), data)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("replicate %s: %w", date, err)
	}

	manifest, err := l.ReadSnapshotFile(date, ledger.ManifestFile)
	if err != nil {
		return nil, fmt.Errorf("replicate %s: %w", date, err)
	}
	if err := r.store.Put(ctx, SnapshotKey(date, ledger.ManifestFile), manifest); err != nil {
		return nil, fmt.Errorf("replicate %s: %w", date, err)
	}

	uploaded := len(m.Files) + 1
	if latest, err := l.Latest(); err == nil && latest.Date == date {
		data, err := os.ReadFile(l.LatestFile())
		if err != nil {
			return nil, fmt.Errorf("replicate latest: %w", err)
		}
		if err := r.store.Put(ctx, LatestKey, data); err != nil {
			return nil, fmt.Errorf("replicate latest: %w", err)
		}
		uploaded++
	}

	r.logger.InfoContext(ctx, "snapshot replicated", "date", date, "objects", uploaded)
	return &Report{Date: date, Uploaded: uploaded}, nil
}
