package immunization

import (
	"fmt"
	"time"

	"github.com/ehr/vaxreg/internal/platform/fhir"
	"github.com/google/uuid"
)

// IntervalUnit is the calendar unit of a DoseInterval.
type IntervalUnit string

const (
	IntervalDays   IntervalUnit = "days"
	IntervalWeeks  IntervalUnit = "weeks"
	IntervalMonths IntervalUnit = "months"
)

var validIntervalUnits = map[IntervalUnit]bool{
	IntervalDays: true, IntervalWeeks: true, IntervalMonths: true,
}

// DoseInterval is the spacing between consecutive doses of a series.
type DoseInterval struct {
	Unit   IntervalUnit `json:"unit"`
	Amount int          `json:"amount"`
}

// AgeRange is an inclusive range of whole years.
type AgeRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Contains reports whether age falls within the range, bounds included.
func (r AgeRange) Contains(age int) bool {
	return age >= r.Min && age <= r.Max
}

// Product maps to the vaccine_product table.
type Product struct {
	Code         string        `db:"code" json:"code"`
	Name         string        `db:"name" json:"name"`
	Description  string        `db:"description" json:"description"`
	DoseCount    int           `db:"dose_count" json:"dose_count"`
	DoseInterval *DoseInterval `json:"dose_interval,omitempty"`
	AgeRange     AgeRange      `json:"age_range"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updated_at"`
}

// SingleDose reports whether one dose completes the series.
func (p Product) SingleDose() bool { return p.DoseCount == 1 }

// Validate checks the product definition. A multi-dose product without an
// interval is a configuration error; single-dose products ignore it.
func (p Product) Validate() error {
	if p.Code == "" {
		return fmt.Errorf("code is required")
	}
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.DoseCount < 1 {
		return fmt.Errorf("dose_count must be at least 1, got %d", p.DoseCount)
	}
	if p.DoseCount > 1 {
		if p.DoseInterval == nil {
			return fmt.Errorf("dose_interval is required when dose_count is %d", p.DoseCount)
		}
		if !validIntervalUnits[p.DoseInterval.Unit] {
			return fmt.Errorf("invalid dose_interval unit: %s", p.DoseInterval.Unit)
		}
		if p.DoseInterval.Amount <= 0 {
			return fmt.Errorf("dose_interval amount must be positive")
		}
	}
	if p.AgeRange.Min < 0 || p.AgeRange.Max < p.AgeRange.Min {
		return fmt.Errorf("invalid age_range [%d, %d]", p.AgeRange.Min, p.AgeRange.Max)
	}
	return nil
}

// DoseRecord maps to the vaccine_dose table. Records are append-only.
type DoseRecord struct {
	ID                   uuid.UUID  `db:"id" json:"id"`
	PatientID            uuid.UUID  `db:"patient_id" json:"patient_id"`
	ProductCode          string     `db:"product_code" json:"product_code"`
	DoseNumber           int        `db:"dose_number" json:"dose_number"`
	SeriesDoses          int        `db:"series_doses" json:"series_doses"`
	AdministeredAt       time.Time  `db:"administered_at" json:"administered_at"`
	VisitID              string     `db:"visit_id" json:"visit_id"`
	ProviderID           uuid.UUID  `db:"provider_id" json:"provider_id"`
	AppointmentID        *uuid.UUID `db:"appointment_id" json:"appointment_id,omitempty"`
	CrossBrandCompletion bool       `db:"cross_brand_completion" json:"cross_brand_completion"`
	Notes                *string    `db:"notes" json:"notes,omitempty"`
	CreatedAt            time.Time  `db:"created_at" json:"created_at"`
}

// ToFHIR renders the dose as a FHIR Immunization resource.
func (d *DoseRecord) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "Immunization",
		"id":           d.ID.String(),
		"status":       "completed",
		"vaccineCode": fhir.CodeableConcept{
			Coding: []fhir.Coding{{System: "http://hl7.org/fhir/sid/ndc", Code: d.ProductCode}},
		},
		"patient":            fhir.Reference{Reference: fhir.FormatReference("Patient", d.PatientID.String())},
		"occurrenceDateTime": d.AdministeredAt.Format(time.RFC3339),
		"primarySource":      true,
		"performer": []map[string]interface{}{
			{"actor": fhir.Reference{Reference: fhir.FormatReference("Practitioner", d.ProviderID.String())}},
		},
		"protocolApplied": []map[string]interface{}{
			{
				"doseNumberPositiveInt":   d.DoseNumber,
				"seriesDosesPositiveInt": d.SeriesDoses,
			},
		},
		"meta": fhir.Meta{
			LastUpdated: d.CreatedAt,
			Profile:     []string{"http://hl7.org/fhir/us/core/StructureDefinition/us-core-immunization"},
		},
	}
	if d.Notes != nil {
		result["note"] = []map[string]string{{"text": *d.Notes}}
	}
	return result
}

// History is a patient's ordered dose history. Version increments on every
// append and is used as an optimistic concurrency token.
type History struct {
	PatientID uuid.UUID    `json:"patient_id"`
	Doses     []DoseRecord `json:"doses"`
	Version   int          `json:"version"`
}

// ClaimStatus is the lifecycle state of an appointment request.
type ClaimStatus string

const (
	ClaimPending  ClaimStatus = "PENDING"
	ClaimApproved ClaimStatus = "APPROVED"
	ClaimDenied   ClaimStatus = "DENIED"
)

// AppointmentClaim maps to the vaccine_appointment table.
type AppointmentClaim struct {
	ID          uuid.UUID   `db:"id" json:"id"`
	Seq         int64       `db:"seq" json:"seq"`
	PatientID   uuid.UUID   `db:"patient_id" json:"patient_id"`
	ProviderID  uuid.UUID   `db:"provider_id" json:"provider_id"`
	ProductCode string      `db:"product_code" json:"product_code"`
	RequestedAt time.Time   `db:"requested_at" json:"requested_at"`
	Status      ClaimStatus `db:"status" json:"status"`
	Comments    *string     `db:"comments" json:"comments,omitempty"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updated_at"`
}

// VaccinePayload is the vaccine-specific part of a visit.
type VaccinePayload struct {
	ProductCode          string `json:"product_code"`
	DoseNumber           int    `json:"dose_number"`
	Scheduled            bool   `json:"scheduled"`
	CrossBrandCompletion bool   `json:"cross_brand_completion,omitempty"`
}

// Visit is an office visit; Vaccine is set for vaccination visits.
type Visit struct {
	ID         string          `json:"id"`
	PatientID  uuid.UUID       `json:"patient_id"`
	ProviderID uuid.UUID       `json:"provider_id"`
	Date       time.Time       `json:"date"`
	Notes      *string         `json:"notes,omitempty"`
	Vaccine    *VaccinePayload `json:"vaccine,omitempty"`
}
