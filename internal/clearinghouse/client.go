// Package clearinghouse talks to the external claims-processing service.
package clearinghouse

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig = errors.New("invalid_clearinghouse_config")
)

// SubmissionError is a structural failure reported by the service. The
// 500/502 class is transient and eligible for retry; everything else is
// immediately fatal for the row being processed.
type SubmissionError struct {
	Reason     string // "status-code" or "non-json"
	StatusCode int
	Body       string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("clearinghouse submission failed: reason=%s status=%d", e.Reason, e.StatusCode)
}

// Transient reports whether the failure is a retryable server-side error.
func (e *SubmissionError) Transient() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}

// ExternalIDConflictError means the submitted external id already exists
// upstream. This is not a failure: it signals an earlier attempt whose
// response was lost, and triggers reconciliation.
type ExternalIDConflictError struct {
	ExternalID string
}

func (e *ExternalIDConflictError) Error() string {
	return fmt.Sprintf("clearinghouse external id already exists: %s", e.ExternalID)
}

// Diagnosis is one diagnosis code on an encounter submission.
type Diagnosis struct {
	Code string `json:"code"`
}

// ServiceLine is one billable service on an encounter submission.
type ServiceLine struct {
	ProcedureCode     string `json:"procedure_code"`
	Units             int64  `json:"units"`
	ChargeAmountCents int64  `json:"charge_amount_cents"`
}

// EncounterPayload is the create-encounter submission body.
type EncounterPayload struct {
	ExternalID       string        `json:"external_id"`
	DateOfService    string        `json:"date_of_service"`
	PatientFirstName string        `json:"patient_first_name"`
	PatientLastName  string        `json:"patient_last_name"`
	PatientDOB       string        `json:"patient_dob"`
	PatientGender    string        `json:"patient_gender"`
	AddressLine1     string        `json:"address_line1"`
	AddressCity      string        `json:"address_city"`
	AddressState     string        `json:"address_state"`
	AddressZip       string        `json:"address_zip"`
	ProviderNPI      string        `json:"provider_npi"`
	ProviderName     string        `json:"provider_name"`
	Diagnoses        []Diagnosis   `json:"diagnoses"`
	ServiceLines     []ServiceLine `json:"service_lines"`
}

// Encounter is a created or recovered encounter. Body is the full
// response payload as returned by the service.
type Encounter struct {
	ExternalID string
	Body       map[string]any
}

// Client is the external clearinghouse interface.
type Client interface {
	CreateEncounter(ctx context.Context, payload EncounterPayload) (*Encounter, error)
	GetEncountersByExternalID(ctx context.Context, externalID string) ([]Encounter, error)
}
