package pipeline

import (
	"errors"
	"time"

	"github.com/tbowman01/shared-github-actions/pkg/drift"
	"github.com/tbowman01/shared-github-actions/pkg/evidence"
	"github.com/tbowman01/shared-github-actions/pkg/objectstore"
)

// Status is the tagged outcome of a run.
type Status string

const (
	StatusCommitted        Status = "committed"
	StatusCollectionFailed Status = "collection_failed"
	StatusDriftDetected    Status = "drift_detected"
	StatusMappingInvalid   Status = "mapping_invalid"
	StatusConfigInvalid    Status = "config_invalid"
	StatusLedgerFailed     Status = "ledger_failed"
	StatusBusy             Status = "busy"
)

// StatusOf maps an error to the run status it produces.
func StatusOf(err error) Status {
	if err == nil {
		return StatusCommitted
	}
	switch evidence.KindOf(err) {
	case evidence.KindDriftDetected:
		return StatusDriftDetected
	case evidence.KindMappingConfig:
		return StatusMappingInvalid
	case evidence.KindConfig:
		return StatusConfigInvalid
	case evidence.KindLedgerCommit:
		return StatusLedgerFailed
	case evidence.KindLedgerBusy:
		return StatusBusy
	default:
		return StatusCollectionFailed
	}
}

// Result is the structured report of one pipeline run.
type Result struct {
	RunID      string              `json:"run_id"`
	Status     Status              `json:"status"`
	Date       string              `json:"date,omitempty"`
	Drift      *drift.Verdict      `json:"drift,omitempty"`
	MerkleRoot string              `json:"merkle_root,omitempty"`
	Files      int                 `json:"files,omitempty"`
	Warnings   []evidence.Warning  `json:"warnings,omitempty"`
	Replica    *objectstore.Report `json:"replica,omitempty"`
	DocUpdated bool                `json:"verification_doc_updated,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`

	ErrorKind string         `json:"error_kind,omitempty"`
	Error     string         `json:"error,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`

	Err error `json:"-"`
}

// ExitCode is the process exit status for this result.
func (r *Result) ExitCode() int { return evidence.ExitCode(r.Err) }

func (r *Result) fail(err error) {
	r.Err = err
	r.Status = StatusOf(err)
	r.Error = err.Error()
	r.ErrorKind = string(evidence.KindOf(err))
	var e *evidence.Error
	if errors.As(err, &e) {
		r.Detail = e.Detail
	}
}
