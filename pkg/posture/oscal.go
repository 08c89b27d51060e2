package posture

import (
	"strings"

	"github.com/google/uuid"

	"github.com/tbowman01/shared-github-actions/pkg/controlmap"
)

// OSCALVersion is the schema version the projection claims.
const OSCALVersion = "1.1.2"

// namespace seeds the name-based uuids so that re-projecting the same snapshot
// yields the same document.
var namespace = uuid.MustParse("5b0c2f4e-8f2a-4d1e-9a57-3f0e6c1d2b90")

type AssessmentResults struct {
	Document AssessmentResultsBody `json:"assessment-results"`
}

type AssessmentResultsBody struct {
	UUID     string   `json:"uuid"`
	Metadata Metadata `json:"metadata"`
	ImportAP ImportAP `json:"import-ap"`
	Results  []Result `json:"results"`
}

type Metadata struct {
	Title        string `json:"title"`
	LastModified string `json:"last-modified"`
	Version      string `json:"version"`
	OSCALVersion string `json:"oscal-version"`
}

type ImportAP struct {
	Href string `json:"href"`
}

type Result struct {
	UUID         string        `json:"uuid"`
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	Start        string        `json:"start"`
	Observations []Observation `json:"observations,omitempty"`
	Findings     []Finding     `json:"findings,omitempty"`
}

type Observation struct {
	UUID             string             `json:"uuid"`
	Title            string             `json:"title"`
	Description      string             `json:"description"`
	Methods          []string           `json:"methods"`
	Collected        string             `json:"collected"`
	RelevantEvidence []RelevantEvidence `json:"relevant-evidence,omitempty"`
}

type RelevantEvidence struct {
	Href        string `json:"href"`
	Description string `json:"description"`
}

type Finding struct {
	UUID                string               `json:"uuid"`
	Title               string               `json:"title"`
	Description         string               `json:"description"`
	Target              FindingTarget        `json:"target"`
	RelatedObservations []RelatedObservation `json:"related-observations,omitempty"`
}

type FindingTarget struct {
	Type     string       `json:"type"`
	TargetID string       `json:"target-id"`
	Status   TargetStatus `json:"status"`
}

type TargetStatus struct {
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

type RelatedObservation struct {
	ObservationUUID string `json:"observation-uuid"`
}

func id(parts ...string) string {
	return uuid.NewSHA1(namespace, []byte(strings.Join(parts, "/"))).String()
}

// OSCAL projects the mapped evidence of one snapshot as assessment results,
// one result per framework and one finding per control.
func OSCAL(date string, mapped *controlmap.Result) AssessmentResults {
	stamp := date + "T00:00:00Z"
	doc := AssessmentResultsBody{
		UUID: id(date),
		Metadata: Metadata{
			Title:        "Automated compliance evidence " + date,
			LastModified: stamp,
			Version:      date,
			OSCALVersion: OSCALVersion,
		},
		ImportAP: ImportAP{Href: "#assessment-plan"},
		Results:  []Result{},
	}

	for _, fw := range mapped.Frameworks {
		res := Result{
			UUID:        id(date, fw.Framework),
			Title:       fw.Framework + " " + fw.Version,
			Description: "Controls evidenced by the automated collection pipeline.",
			Start:       stamp,
		}
		for _, c := range fw.Controls {
			finding := Finding{
				UUID:        id(date, fw.Framework, c.ID, "finding"),
				Title:       c.ID,
				Description: "Automated evidence for " + c.ID,
				Target: FindingTarget{
					Type:     "objective-id",
					TargetID: c.ID,
					Status:   TargetStatus{State: "satisfied"},
				},
			}
			if c.Pending() {
				finding.Target.Status = TargetStatus{State: "not-satisfied", Reason: "not-yet-automated"}
				res.Findings = append(res.Findings, finding)
				continue
			}

			obs := Observation{
				UUID:        id(date, fw.Framework, c.ID, "observation"),
				Title:       c.ID + " evidence",
				Description: "Artifacts matched by the control mapping table.",
				Methods:     []string{"EXAMINE"},
				Collected:   stamp,
			}
			for _, cp := range c.Copies {
				obs.RelevantEvidence = append(obs.RelevantEvidence, RelevantEvidence{
					Href:        cp.Destination,
					Description: "copy of " + cp.Source,
				})
			}
			res.Observations = append(res.Observations, obs)
			finding.RelatedObservations = []RelatedObservation{{ObservationUUID: obs.UUID}}
			res.Findings = append(res.Findings, finding)
		}
		doc.Results = append(doc.Results, res)
	}
	return AssessmentResults{Document: doc}
}
