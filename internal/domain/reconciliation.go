package domain

import (
	"encoding/json"
	"time"
)

// DivergenceType classifies a disagreement between local state and the
// processor's state.
type DivergenceType string

const (
	DivergenceStatusMismatch DivergenceType = "status_mismatch"
	DivergenceAmountMismatch DivergenceType = "amount_mismatch"
	DivergenceMissingLocal   DivergenceType = "missing_local"
	DivergenceMissingRemote  DivergenceType = "missing_remote"
	DivergenceStaleMetadata  DivergenceType = "stale_metadata"
)

// Divergence is one reconciliation finding. Both snapshots are stored so an
// operator can decide on a correction; reconciliation itself never mutates
// ledger state.
type Divergence struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	RunID          string          `json:"run_id"`
	EntityKind     string          `json:"entity_kind"` // charge, refund, subscription, payment_method
	EntityID       string          `json:"entity_id,omitempty"`
	ProcessorID    string          `json:"processor_id,omitempty"`
	Type           DivergenceType  `json:"type"`
	LocalSnapshot  json.RawMessage `json:"local_snapshot,omitempty"`
	RemoteSnapshot json.RawMessage `json:"remote_snapshot,omitempty"`
	DetectedAt     time.Time       `json:"detected_at"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy     string          `json:"resolved_by,omitempty"`
}

// ReconciliationRun summarizes one pass over a tenant's processor state.
type ReconciliationRun struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Checked     int        `json:"checked"`
	Divergences int        `json:"divergences"`
	Error       string     `json:"error,omitempty"`
}
