package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/opencontainers/go-digest"

	"github.com/tbowman01/shared-github-actions/pkg/evidence"
	"github.com/tbowman01/shared-github-actions/pkg/merkle"
)

const (
	// ManifestFile is written last into every snapshot and lists every other file.
	ManifestFile   = "manifest.json"
	ManifestSchema = "evidence-manifest/v1"
)

// Entry is one file of a snapshot.
type Entry struct {
	Path   string        `json:"path"`
	Digest digest.Digest `json:"digest"`
	Size   int64         `json:"size"`
}

// Manifest describes a committed snapshot.
type Manifest struct {
	Schema     string            `json:"schema"`
	Snapshot   evidence.Metadata `json:"snapshot"`
	Files      []Entry           `json:"files"`
	MerkleRoot string            `json:"merkle_root"`
}

// ReadManifest loads the manifest of a dated snapshot.
func (l *Ledger) ReadManifest(date string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(l.SnapshotDir(date), ManifestFile))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", date, err)
	}
	return &m, nil
}

// Report is the outcome of verifying a snapshot against its manifest.
type Report struct {
	Date       string   `json:"date"`
	Files      int      `json:"files"`
	MerkleRoot string   `json:"merkle_root"`
	Missing    []string `json:"missing,omitempty"`
	Mismatched []string `json:"mismatched,omitempty"`
	Extra      []string `json:"extra,omitempty"`
	RootOK     bool     `json:"root_ok"`
}

// OK reports whether the snapshot is intact.
func (r *Report) OK() bool {
	return r.RootOK && len(r.Missing) == 0 && len(r.Mismatched) == 0 && len(r.Extra) == 0
}

// Verify recomputes every file digest of a snapshot and the merkle root.
func (l *Ledger) Verify(date string) (*Report, error) {
	m, err := l.ReadManifest(date)
	if err != nil {
		return nil, err
	}
	dir := l.SnapshotDir(date)
	r := &Report{Date: date, Files: len(m.Files), MerkleRoot: m.MerkleRoot}

	listed := make(map[string]bool, len(m.Files))
	leaves := make(map[string]string, len(m.Files))
	for _, e := range m.Files {
		listed[e.Path] = true
		leaves[e.Path] = e.Digest.String()
		if !filepath.IsLocal(filepath.FromSlash(e.Path)) {
			r.Mismatched = append(r.Mismatched, e.Path)
			continue
		}
		ok, err := verifyFile(filepath.Join(dir, filepath.FromSlash(e.Path)), e.Digest)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			r.Missing = append(r.Missing, e.Path)
		case err != nil:
			return nil, fmt.Errorf("verify %s: %w", e.Path, err)
		case !ok:
			r.Mismatched = append(r.Mismatched, e.Path)
		}
	}
	r.RootOK = merkle.Build(leaves).Root == m.MerkleRoot

	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel != ManifestFile && !listed[rel] {
			r.Extra = append(r.Extra, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(r.Extra)
	return r, nil
}

// Inclusion is the merkle inclusion proof of one snapshot file, checked
// against the root recorded in the manifest.
type Inclusion struct {
	Date    string                `json:"date"`
	Entry   Entry                 `json:"entry"`
	Proof   merkle.InclusionProof `json:"proof"`
	FileOK  bool                  `json:"file_ok"`
	ProofOK bool                  `json:"proof_ok"`
}

// OK reports whether the file matches its manifest digest and the digest is
// committed under the manifest's merkle root.
func (i *Inclusion) OK() bool { return i.FileOK && i.ProofOK }

// Prove builds the inclusion proof of rel within a snapshot and verifies both
// the file on disk and the proof. A path absent from the manifest is an error.
func (l *Ledger) Prove(date, rel string) (*Inclusion, error) {
	m, err := l.ReadManifest(date)
	if err != nil {
		return nil, err
	}
	leaves := make(map[string]string, len(m.Files))
	var entry *Entry
	for i, e := range m.Files {
		leaves[e.Path] = e.Digest.String()
		if e.Path == rel {
			entry = &m.Files[i]
		}
	}
	if entry == nil {
		return nil, fmt.Errorf("snapshot %s: %s is not in the manifest", date, rel)
	}
	proof, err := merkle.Build(leaves).Proof(rel)
	if err != nil {
		return nil, err
	}

	in := &Inclusion{Date: date, Entry: *entry, Proof: proof}
	if filepath.IsLocal(filepath.FromSlash(rel)) {
		ok, err := verifyFile(filepath.Join(l.SnapshotDir(date), filepath.FromSlash(rel)), entry.Digest)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("verify %s: %w", rel, err)
		}
		in.FileOK = ok
	}
	in.ProofOK = proof.LeafHash == merkle.LeafHash(rel, entry.Digest.String()) &&
		merkle.VerifyInclusionProof(proof, m.MerkleRoot)
	return in, nil
}

func verifyFile(path string, want digest.Digest) (bool, error) {
	if err := want.Validate(); err != nil {
		return false, nil
	}
	f, err := os.Open(path) //nolint:gosec // path from manifest under ledger root
	if err != nil {
		return false, err
	}
	defer f.Close()
	v := want.Verifier()
	if _, err := io.Copy(v, f); err != nil {
		return false, err
	}
	return v.Verified(), nil
}
