package posture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbowman01/shared-github-actions/pkg/controlmap"
	"github.com/tbowman01/shared-github-actions/pkg/evidence"
)

func fixture() (*evidence.Collection, *controlmap.Result) {
	coll := evidence.NewCollection()
	coll.Add(&evidence.Artifact{Name: "org_members", Records: []map[string]any{{"login": "a"}, {"login": "b"}}})
	coll.Add(&evidence.Artifact{Name: "repo_collaborators", Records: []map[string]any{{"login": "a"}}})
	coll.Skip("sso_authorizations", "HTTP 404")

	m := controlmap.NewMapper([]*controlmap.Table{{
		Framework: "nist-800-53",
		Version:   "1.0.0",
		Controls: map[string][]string{
			"AC-2": {"org_members.*", "repo_collaborators.*"},
			"IA-2": {"sso_authorizations.*"},
		},
	}})
	return coll, m.Map(coll.FileNames())
}

func TestBuild(t *testing.T) {
	coll, mapped := fixture()
	s := Build("2025-08-08", coll, mapped, Drift{Status: "verified", Baseline: "b", LiveHash: "h", BaselineHash: "h"})

	require.Len(t, s.Frameworks, 1)
	fw := s.Frameworks[0]
	assert.Equal(t, 2, fw.Controls)
	assert.Equal(t, 1, fw.Evidenced)
	assert.Equal(t, []string{"IA-2"}, fw.PendingControls)
	assert.False(t, s.Compliant())

	assert.Equal(t, []ArtifactStatus{
		{Name: "org_members", Present: true, Records: 2},
		{Name: "repo_collaborators", Present: true, Records: 1},
		{Name: "sso_authorizations", Optional: true},
	}, s.Artifacts)
	require.Len(t, s.Warnings, 1)
	assert.Equal(t, "sso_authorizations", s.Warnings[0].Artifact)
}

func TestOSCAL_DeterministicIDs(t *testing.T) {
	_, mapped := fixture()
	a := OSCAL("2025-08-08", mapped)
	b := OSCAL("2025-08-08", mapped)
	assert.Equal(t, a, b)

	other := OSCAL("2025-08-09", mapped)
	assert.NotEqual(t, a.Document.UUID, other.Document.UUID)
}

func TestOSCAL_FindingsPerControl(t *testing.T) {
	_, mapped := fixture()
	doc := OSCAL("2025-08-08", mapped).Document
	require.Len(t, doc.Results, 1)
	res := doc.Results[0]
	require.Len(t, res.Findings, 2)
	require.Len(t, res.Observations, 1)

	ac2 := res.Findings[0]
	assert.Equal(t, "AC-2", ac2.Target.TargetID)
	assert.Equal(t, "satisfied", ac2.Target.Status.State)
	assert.Equal(t, res.Observations[0].UUID, ac2.RelatedObservations[0].ObservationUUID)
	assert.Len(t, res.Observations[0].RelevantEvidence, 2)
	assert.Equal(t, "controls/nist-800-53/AC-2/AC-2__org_members.json", res.Observations[0].RelevantEvidence[0].Href)

	ia2 := res.Findings[1]
	assert.Equal(t, "not-satisfied", ia2.Target.Status.State)
	assert.Empty(t, ia2.RelatedObservations)
}
