package drift

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tbowman01/shared-github-actions/pkg/canonicalize"
)

// ErrBaselineNotFound is returned when a baseline doesn't exist.
var ErrBaselineNotFound = errors.New("baseline not found")

// Baseline is the trusted hash of a protection policy.
type Baseline struct {
	Name     string    `json:"name"`
	Hash     string    `json:"hash"`
	Scheme   string    `json:"canonicalization"`
	Policy   Policy    `json:"policy"`
	SeededAt time.Time `json:"seeded_at"`
	SeededBy string    `json:"seeded_by"`
	Reason   string    `json:"reason,omitempty"`
	Reseeds  int       `json:"reseed_count"`
}

// BaselineStore keeps baselines as JSON files outside the snapshot stream.
type BaselineStore struct {
	Dir string
}

// NewBaselineStore creates a store rooted at dir.
func NewBaselineStore(dir string) *BaselineStore {
	return &BaselineStore{Dir: dir}
}

// Load retrieves a baseline by name.
func (s *BaselineStore) Load(name string) (Baseline, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return Baseline{}, ErrBaselineNotFound
		}
		return Baseline{}, err
	}
	var b Baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return Baseline{}, fmt.Errorf("baseline %s: %w", name, err)
	}
	if b.Scheme != canonicalize.SchemeV1 {
		return Baseline{}, fmt.Errorf("baseline %s: canonicalization %q not supported (want %q), re-seed required", name, b.Scheme, canonicalize.SchemeV1)
	}
	return b, nil
}

// Exists checks if a baseline exists.
func (s *BaselineStore) Exists(name string) bool {
	_, err := os.Stat(s.path(name))
	return err == nil
}

// Save writes b atomically.
func (s *BaselineStore) Save(b Baseline) error {
	if err := os.MkdirAll(s.Dir, 0o750); err != nil {
		return err
	}
	data, err := canonicalize.Pretty(b)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.Dir, ".baseline-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // already renamed on success
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path(b.Name))
}

func (s *BaselineStore) path(name string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(name)
	return filepath.Join(s.Dir, safe+".json")
}
