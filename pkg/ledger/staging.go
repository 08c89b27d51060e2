package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/opencontainers/go-digest"

	"github.com/tbowman01/shared-github-actions/pkg/canonicalize"
	"github.com/tbowman01/shared-github-actions/pkg/evidence"
	"github.com/tbowman01/shared-github-actions/pkg/merkle"
)

// Staging collects the files of one snapshot before it is published.
type Staging struct {
	ledger *Ledger
	meta   evidence.Metadata
	dir    string
	files  map[string]Entry
	done   bool
}

// Stage opens a staging area for the snapshot described by meta. Dates older
// than the newest committed snapshot are refused.
func (l *Ledger) Stage(meta evidence.Metadata) (*Staging, error) {
	const op = "stage snapshot"
	if _, err := evidence.ParseDateKey(meta.Date); err != nil {
		return nil, evidence.E(evidence.KindLedgerCommit, op, err)
	}
	if err := l.checkAppendable(meta.Date); err != nil {
		return nil, evidence.E(evidence.KindLedgerCommit, op, err)
	}
	dir, err := l.NewStagingDir("snapshot-" + meta.Date)
	if err != nil {
		return nil, evidence.E(evidence.KindLedgerCommit, op, err)
	}
	return &Staging{ledger: l, meta: meta, dir: dir, files: make(map[string]Entry)}, nil
}

// Dir returns the staging directory.
func (s *Staging) Dir() string { return s.dir }

func (s *Staging) resolve(rel string) (string, error) {
	rel = filepath.ToSlash(filepath.Clean(rel))
	if !filepath.IsLocal(rel) || rel == ManifestFile {
		return "", fmt.Errorf("invalid snapshot path %q", rel)
	}
	return rel, nil
}

// WriteFile adds a file to the snapshot.
func (s *Staging) WriteFile(rel string, data []byte) error {
	if s.done {
		return errors.New("staging already finished")
	}
	rel, err := s.resolve(rel)
	if err != nil {
		return err
	}
	full := filepath.Join(s.dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return err
	}
	if err := os.WriteFile(full, data, 0o640); err != nil { //nolint:gosec // path validated by resolve
		return err
	}
	s.files[rel] = Entry{Path: rel, Digest: digest.FromBytes(data), Size: int64(len(data))}
	return nil
}

// WriteJSON adds v as an indented JSON document.
func (s *Staging) WriteJSON(rel string, v any) error {
	data, err := canonicalize.Pretty(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", rel, err)
	}
	return s.WriteFile(rel, data)
}

// Copy duplicates an already staged file under a new path.
func (s *Staging) Copy(srcRel, dstRel string) error {
	src, err := s.resolve(srcRel)
	if err != nil {
		return err
	}
	if _, ok := s.files[src]; !ok {
		return fmt.Errorf("copy: %s not staged", src)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, filepath.FromSlash(src))) //nolint:gosec // staged path
	if err != nil {
		return err
	}
	return s.WriteFile(dstRel, data)
}

// Files returns the staged paths in sorted order.
func (s *Staging) Files() []string {
	out := make([]string, 0, len(s.files))
	for p := range s.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Abort discards the staging area.
func (s *Staging) Abort() error {
	if s.done {
		return nil
	}
	s.done = true
	return os.RemoveAll(s.dir)
}

// Commit writes the manifest, publishes the snapshot under its date and moves
// latest to it. On any failure the staging area is removed and latest is left
// as it was.
func (s *Staging) Commit(ctx context.Context) (*Manifest, error) {
	const op = "commit snapshot"
	if s.done {
		return nil, evidence.E(evidence.KindLedgerCommit, op, errors.New("staging already finished"))
	}
	defer func() { _ = s.Abort() }()
	l := s.ledger

	if err := ctx.Err(); err != nil {
		return nil, evidence.E(evidence.KindLedgerCommit, op, err)
	}

	m := s.manifest()
	data, err := canonicalize.Pretty(m)
	if err != nil {
		return nil, evidence.E(evidence.KindLedgerCommit, op, err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, ManifestFile), data, 0o640); err != nil { //nolint:gosec // staging dir
		return nil, evidence.E(evidence.KindLedgerCommit, op, err)
	}

	latestData, err := canonicalize.Pretty(s.meta)
	if err != nil {
		return nil, evidence.E(evidence.KindLedgerCommit, op, err)
	}

	// Re-checked here: another writer could only have raced past the run lock.
	if err := l.checkAppendable(s.meta.Date); err != nil {
		return nil, evidence.E(evidence.KindLedgerCommit, op, err)
	}

	target := l.SnapshotDir(s.meta.Date)
	if err := l.PublishDir(s.dir, target); err != nil {
		return nil, evidence.E(evidence.KindLedgerCommit, op, err)
	}
	s.done = true

	if err := l.pointLatest(s.meta.Date); err != nil {
		return nil, evidence.E(evidence.KindLedgerCommit, "update latest", err).WithDetail("date", s.meta.Date)
	}
	if err := WriteFileAtomic(filepath.Join(l.root, latestFile), latestData); err != nil {
		return nil, evidence.E(evidence.KindLedgerCommit, "update latest.json", err).WithDetail("date", s.meta.Date)
	}

	l.logger.InfoContext(ctx, "snapshot committed",
		"date", s.meta.Date, "files", len(m.Files), "merkle_root", m.MerkleRoot)
	return m, nil
}

func (s *Staging) manifest() *Manifest {
	m := &Manifest{Schema: ManifestSchema, Snapshot: s.meta, Files: make([]Entry, 0, len(s.files))}
	leaves := make(map[string]string, len(s.files))
	for _, p := range s.Files() {
		e := s.files[p]
		m.Files = append(m.Files, e)
		leaves[p] = e.Digest.String()
	}
	m.MerkleRoot = merkle.Build(leaves).Root
	return m
}
