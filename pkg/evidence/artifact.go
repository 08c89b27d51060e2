package evidence

import (
	"sort"
	"time"
)

// Artifact is one named unit of collected evidence.
type Artifact struct {
	Name      string           `json:"name"`
	FetchedAt time.Time        `json:"fetched_at"`
	Optional  bool             `json:"optional"`
	Records   []map[string]any `json:"records"`
	Table     *Table           `json:"-"`
}

// FileName is the raw-form file name used inside a snapshot.
func (a *Artifact) FileName() string {
	return a.Name + ".json"
}

// Warning is a non-fatal condition recorded during a run.
// Optional artifacts that could not be fetched surface here instead of as errors.
type Warning struct {
	Artifact string `json:"artifact,omitempty"`
	Stage    string `json:"stage"`
	Message  string `json:"message"`
}

// Collection is the output of one collection pass.
type Collection struct {
	Artifacts map[string]*Artifact
	// Absent lists optional artifacts that were skipped.
	Absent   []string
	Warnings []Warning
}

// NewCollection returns an empty Collection.
func NewCollection() *Collection {
	return &Collection{Artifacts: make(map[string]*Artifact)}
}

// Add records a successfully collected artifact.
func (c *Collection) Add(a *Artifact) {
	c.Artifacts[a.Name] = a
}

// Skip records an optional artifact as absent together with the reason.
func (c *Collection) Skip(name, reason string) {
	c.Absent = append(c.Absent, name)
	sort.Strings(c.Absent)
	c.Warnings = append(c.Warnings, Warning{Artifact: name, Stage: "collect", Message: reason})
}

// Names returns the collected artifact names in sorted order.
func (c *Collection) Names() []string {
	names := make([]string, 0, len(c.Artifacts))
	for n := range c.Artifacts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FileNames returns the raw-form file names of every collected artifact, sorted.
func (c *Collection) FileNames() []string {
	names := c.Names()
	files := make([]string, len(names))
	for i, n := range names {
		files[i] = c.Artifacts[n].FileName()
	}
	return files
}
