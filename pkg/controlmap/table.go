// Package controlmap projects collected artifacts onto compliance controls.
//
// A mapping table is a static, versioned YAML document linking each control of
// one framework to an ordered list of artifact file-name glob patterns. Tables
// are loaded once per run, validated before any collection starts, and then
// treated as immutable values handed to a Mapper.
package controlmap

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/tbowman01/shared-github-actions/pkg/evidence"
)

//go:embed schema.json
var schemaJSON string

const schemaURL = "https://evidence.schemas.local/control-mapping.schema.json"

// SupportedVersions is the range of mapping-table versions this build understands.
const SupportedVersions = ">= 1.0.0, < 2.0.0"

// Table is one framework's control mapping.
type Table struct {
	Framework string              `yaml:"framework" json:"framework"`
	Version   string              `yaml:"version" json:"version"`
	Title     string              `yaml:"title,omitempty" json:"title,omitempty"`
	Controls  map[string][]string `yaml:"controls" json:"controls"`
	// Source is the file the table was loaded from.
	Source string `yaml:"-" json:"-"`
}

// ControlIDs returns the control ids in sorted order.
func (t *Table) ControlIDs() []string {
	ids := make([]string, 0, len(t.Controls))
	for id := range t.Controls {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("control mapping schema: %v", err))
	}
	return c.MustCompile(schemaURL)
}

// Parse decodes and validates one mapping table document.
func Parse(source string, data []byte) (*Table, error) {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("%s: parse yaml: %w", source, err)
	}
	asJSON, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("%s: mapping keys must be strings: %w", source, err)
	}
	dec := json.NewDecoder(bytes.NewReader(asJSON))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%s: schema: %w", source, err)
	}

	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", source, err)
	}
	t.Source = source
	if err := t.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}
	return &t, nil
}

func (t *Table) validate() error {
	v, err := semver.NewVersion(t.Version)
	if err != nil {
		return fmt.Errorf("version %q: %w", t.Version, err)
	}
	supported, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return err
	}
	if !supported.Check(v) {
		return fmt.Errorf("version %s outside supported range %q", v, SupportedVersions)
	}

	var problems []error
	for _, id := range t.ControlIDs() {
		for _, p := range t.Controls[id] {
			if strings.Contains(p, "/") {
				problems = append(problems, fmt.Errorf("control %s: pattern %q must match a file name, not a path", id, p))
				continue
			}
			if _, err := path.Match(p, ""); err != nil {
				problems = append(problems, fmt.Errorf("control %s: pattern %q: %w", id, p, err))
			}
		}
	}
	return errors.Join(problems...)
}

// LoadFile reads and validates a mapping table from disk.
func LoadFile(file string) (*Table, error) {
	data, err := os.ReadFile(file) //nolint:gosec // operator-supplied configuration path
	if err != nil {
		return nil, fmt.Errorf("read mapping table: %w", err)
	}
	return Parse(file, data)
}

// LoadTables loads every table and checks them as a set. Any problem is a
// MappingConfigError, raised before collection begins.
func LoadTables(files []string) ([]*Table, error) {
	if len(files) == 0 {
		return nil, evidence.E(evidence.KindMappingConfig, "load mappings", errors.New("no mapping tables configured"))
	}

	var (
		tables   []*Table
		problems []error
		seen     = make(map[string]string)
	)
	for _, f := range files {
		t, err := LoadFile(f)
		if err != nil {
			problems = append(problems, err)
			continue
		}
		if prev, dup := seen[t.Framework]; dup {
			problems = append(problems, fmt.Errorf("%s: framework %q already defined in %s", f, t.Framework, prev))
			continue
		}
		seen[t.Framework] = f
		tables = append(tables, t)
	}
	if len(problems) > 0 {
		return nil, evidence.E(evidence.KindMappingConfig, "load mappings", errors.Join(problems...))
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].Framework < tables[j].Framework })
	return tables, nil
}
