package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// JobKind identifies which background pipeline a job row drives.
type JobKind string

const (
	JobKindEmailImport        JobKind = "email_import"
	JobKindVoiceLearning      JobKind = "voice_learning"
	JobKindDriftCheck         JobKind = "drift_check"
	JobKindCompetitorResearch JobKind = "competitor_research"
)

// JobStatus represents the current phase of a job. Each kind walks a fixed
// forward-only ordering of statuses; any non-terminal status may jump to
// failed or cancelled.
type JobStatus string

const (
	JobStatusPending JobStatus = "pending"

	// email_import phases
	JobStatusScanning    JobStatus = "scanning"
	JobStatusHydrating   JobStatus = "hydrating"
	JobStatusClassifying JobStatus = "classifying"

	// voice_learning / drift_check phases
	JobStatusSampling  JobStatus = "sampling"
	JobStatusAnalyzing JobStatus = "analyzing"
	JobStatusScoring   JobStatus = "scoring"

	// competitor_research phases
	JobStatusDiscovering JobStatus = "discovering"
	JobStatusScraping    JobStatus = "scraping"
	JobStatusRefining    JobStatus = "refining"

	// Terminal states.
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// phaseOrder maps each kind to its forward phase sequence, terminal success
// state included.
var phaseOrder = map[JobKind][]JobStatus{
	JobKindEmailImport:        {JobStatusPending, JobStatusScanning, JobStatusHydrating, JobStatusClassifying, JobStatusCompleted},
	JobKindVoiceLearning:      {JobStatusPending, JobStatusSampling, JobStatusAnalyzing, JobStatusCompleted},
	JobKindDriftCheck:         {JobStatusPending, JobStatusSampling, JobStatusScoring, JobStatusCompleted},
	JobKindCompetitorResearch: {JobStatusPending, JobStatusDiscovering, JobStatusScraping, JobStatusRefining, JobStatusCompleted},
}

// PhaseOrder returns the phase sequence for a kind, ending in completed.
func PhaseOrder(kind JobKind) []JobStatus {
	return phaseOrder[kind]
}

// NextStatus returns the status that follows cur in kind's phase ordering.
func NextStatus(kind JobKind, cur JobStatus) (JobStatus, error) {
	order, ok := phaseOrder[kind]
	if !ok {
		return "", eris.Errorf("model: unknown job kind %q", kind)
	}
	for i, s := range order {
		if s == cur {
			if i == len(order)-1 {
				return "", eris.Errorf("model: status %q is terminal for kind %q", cur, kind)
			}
			return order[i+1], nil
		}
	}
	return "", eris.Errorf("model: status %q not in phase order for kind %q", cur, kind)
}

// IsTerminal reports whether s is one of the absorbing states.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// CanTransition reports whether moving kind from `from` to `to` respects the
// strict phase ordering. Failure and cancellation are reachable from any
// non-terminal state; backward moves are never allowed.
func CanTransition(kind JobKind, from, to JobStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == JobStatusFailed || to == JobStatusCancelled {
		return true
	}
	order, ok := phaseOrder[kind]
	if !ok {
		return false
	}
	fromIdx, toIdx := -1, -1
	for i, s := range order {
		if s == from {
			fromIdx = i
		}
		if s == to {
			toIdx = i
		}
	}
	return fromIdx >= 0 && toIdx == fromIdx+1
}

// JobCounters holds per-phase progress counters surfaced to the dashboard.
type JobCounters struct {
	Scanned        int `json:"scanned"`
	Hydrated       int `json:"hydrated"`
	Processed      int `json:"processed"`
	TotalEstimated int `json:"total_estimated"`
}

// Checkpoint records where the current phase left off so a re-entered handler
// can resume mid-phase. BatchSeq increments once per applied batch and guards
// compare-and-set progress updates against duplicate application.
type Checkpoint struct {
	Phase    JobStatus `json:"phase"`
	Cursor   string    `json:"cursor,omitempty"`
	BatchSeq int       `json:"batch_seq"`
}

// Job is the coordination row for one background pipeline run. All cross-
// invocation state lives here; handlers have no shared memory.
type Job struct {
	ID           string      `json:"id"`
	WorkspaceID  string      `json:"workspace_id"`
	Kind         JobKind     `json:"kind"`
	Status       JobStatus   `json:"status"`
	Counters     JobCounters `json:"counters"`
	Checkpoint   Checkpoint  `json:"checkpoint"`
	Params       JobParams   `json:"params,omitempty"`
	HeartbeatAt  time.Time   `json:"heartbeat_at"`
	RetryCount   int         `json:"retry_count"`
	ErrorMessage string      `json:"error_message,omitempty"`
	StartedAt    time.Time   `json:"started_at"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// JobParams is the typed per-kind payload stored in the job row. Exactly one
// field is set, discriminated by the job kind.
type JobParams struct {
	Import   *ImportParams   `json:"import,omitempty"`
	Voice    *VoiceParams    `json:"voice,omitempty"`
	Drift    *DriftParams    `json:"drift,omitempty"`
	Research *ResearchParams `json:"research,omitempty"`
}

// ImportParams configures an email_import job.
type ImportParams struct {
	Cap      int    `json:"cap,omitempty"`       // max messages to import; 0 = default
	Folder   string `json:"folder,omitempty"`    // provider folder override
	SentOnly bool   `json:"sent_only,omitempty"` // scan only the sent folder
}

// VoiceParams configures a voice_learning job.
type VoiceParams struct {
	SampleSize int `json:"sample_size,omitempty"`
}

// DriftParams configures a drift_check job.
type DriftParams struct {
	Threshold float64 `json:"threshold,omitempty"` // drift score that triggers relearning
}

// ResearchParams configures a competitor_research job.
type ResearchParams struct {
	Query    string  `json:"query,omitempty"`
	Address  string  `json:"address,omitempty"` // the workspace's own business address, the radius origin
	RadiusKm float64 `json:"radius_km,omitempty"`
	MaxSites int     `json:"max_sites,omitempty"`
}

// paramsEnvelope is the wire form of JobParams in the params column.
type paramsEnvelope struct {
	Kind JobKind         `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EncodeJobParams serializes params into the tagged envelope stored in the
// params column.
func EncodeJobParams(kind JobKind, params JobParams) ([]byte, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, eris.Wrap(err, "model: marshal job params")
	}
	out, err := json.Marshal(paramsEnvelope{Kind: kind, Data: data})
	if err != nil {
		return nil, eris.Wrap(err, "model: marshal params envelope")
	}
	return out, nil
}

// DecodeJobParams parses the tagged envelope and validates that the payload
// matches the expected kind.
func DecodeJobParams(kind JobKind, raw []byte) (JobParams, error) {
	var params JobParams
	if len(raw) == 0 {
		return params, nil
	}
	var env paramsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return params, eris.Wrap(err, "model: unmarshal params envelope")
	}
	if env.Kind != "" && env.Kind != kind {
		return params, eris.Errorf("model: params kind %q does not match job kind %q", env.Kind, kind)
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &params); err != nil {
			return params, eris.Wrap(err, "model: unmarshal job params")
		}
	}
	return params, nil
}
