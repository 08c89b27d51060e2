package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tbowman01/shared-github-actions/pkg/controlmap"
	"github.com/tbowman01/shared-github-actions/pkg/evidence"
)

// Paths inside a snapshot.
const (
	ArtifactsDir   = "artifacts"
	TablesDir      = "tables"
	ControlsDir    = "controls"
	CollectionFile = "collection.json"
	PostureFile    = "posture.json"
	OSCALFile      = "oscal.json"
	AuditFile      = "mapping_audit.csv"
	ControlsFile   = "controls.json"
)

// ArtifactPath is the raw-form path of an artifact file inside a snapshot.
func ArtifactPath(file string) string { return path.Join(ArtifactsDir, file) }

// TablePath is the tabular-form path of an artifact inside a snapshot.
func TablePath(name string) string { return path.Join(TablesDir, name+".csv") }

type artifactRecord struct {
	Name      string    `json:"name"`
	FetchedAt time.Time `json:"fetched_at"`
	Optional  bool      `json:"optional,omitempty"`
	Records   int       `json:"records"`
	File      string    `json:"file"`
	Table     string    `json:"table,omitempty"`
}

type collectionRecord struct {
	Date      string             `json:"date"`
	RunID     string             `json:"run_id,omitempty"`
	Artifacts []artifactRecord   `json:"artifacts"`
	Absent    []string           `json:"absent"`
	Warnings  []evidence.Warning `json:"warnings"`
}

// WriteCollection stages the raw and tabular form of every artifact plus the
// collection record. Raw files carry only upstream data so that identical
// upstream state yields identical bytes; fetch times live in collection.json.
func (s *Staging) WriteCollection(coll *evidence.Collection) error {
	rec := collectionRecord{
		Date:      s.meta.Date,
		RunID:     s.meta.RunID,
		Artifacts: []artifactRecord{},
		Absent:    append([]string{}, coll.Absent...),
		Warnings:  append([]evidence.Warning{}, coll.Warnings...),
	}
	for _, name := range coll.Names() {
		a := coll.Artifacts[name]
		records := a.Records
		if records == nil {
			records = []map[string]any{}
		}
		if err := s.WriteJSON(ArtifactPath(a.FileName()), records); err != nil {
			return err
		}
		ar := artifactRecord{
			Name:      a.Name,
			FetchedAt: a.FetchedAt,
			Optional:  a.Optional,
			Records:   len(a.Records),
			File:      ArtifactPath(a.FileName()),
		}
		if a.Table != nil {
			data, err := a.Table.EncodeCSV()
			if err != nil {
				return fmt.Errorf("table %s: %w", a.Name, err)
			}
			if err := s.WriteFile(TablePath(a.Name), data); err != nil {
				return err
			}
			ar.Table = TablePath(a.Name)
		}
		rec.Artifacts = append(rec.Artifacts, ar)
	}
	return s.WriteJSON(CollectionFile, rec)
}

// WriteControls stages the control-tagged copies and, per framework, the
// traceability table and the control list including pending controls.
func (s *Staging) WriteControls(mapped *controlmap.Result) error {
	for _, fw := range mapped.Frameworks {
		audit := &evidence.Table{Columns: []string{"control_id", "source", "destination"}}
		for _, c := range fw.Controls {
			for _, cp := range c.Copies {
				if err := s.Copy(ArtifactPath(cp.Source), cp.Destination); err != nil {
					return fmt.Errorf("%s %s: %w", fw.Framework, c.ID, err)
				}
				audit.Rows = append(audit.Rows, []string{c.ID, ArtifactPath(cp.Source), cp.Destination})
			}
		}
		data, err := audit.EncodeCSV()
		if err != nil {
			return err
		}
		if err := s.WriteFile(path.Join(ControlsDir, fw.Framework, AuditFile), data); err != nil {
			return err
		}
		if err := s.WriteJSON(path.Join(ControlsDir, fw.Framework, ControlsFile), fw); err != nil {
			return err
		}
	}
	return nil
}

// ReadSnapshotFile reads one file of a committed snapshot.
func (l *Ledger) ReadSnapshotFile(date, rel string) ([]byte, error) {
	if !filepath.IsLocal(filepath.FromSlash(rel)) {
		return nil, fmt.Errorf("invalid snapshot path %q", rel)
	}
	return os.ReadFile(filepath.Join(l.SnapshotDir(date), filepath.FromSlash(rel)))
}

// TableNames lists the tabular artifacts of a snapshot.
func (l *Ledger) TableNames(date string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(l.SnapshotDir(date), TablesDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".csv") {
			names = append(names, strings.TrimSuffix(e.Name(), ".csv"))
		}
	}
	sort.Strings(names)
	return names, nil
}

// ReadTable loads one tabular artifact of a snapshot.
func (l *Ledger) ReadTable(date, name string) (*evidence.Table, error) {
	data, err := l.ReadSnapshotFile(date, TablePath(name))
	if err != nil {
		return nil, err
	}
	return evidence.DecodeCSV(bytes.NewReader(data))
}

// ReadPosture loads posture.json of a snapshot into v.
func (l *Ledger) ReadPosture(date string, v any) error {
	data, err := l.ReadSnapshotFile(date, PostureFile)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
