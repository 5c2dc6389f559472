package immunization

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ProductRepository interface {
	Create(ctx context.Context, p *Product) error
	GetByCode(ctx context.Context, code string) (*Product, error)
	Update(ctx context.Context, code string, p *Product) error
	Delete(ctx context.Context, code string) error
	List(ctx context.Context, limit, offset int) ([]*Product, int, error)
}

type AppointmentRepository interface {
	Create(ctx context.Context, c *AppointmentClaim) error
	GetByID(ctx context.Context, id uuid.UUID) (*AppointmentClaim, error)
	// UpdateStatus moves a claim from one status to another. It returns
	// ErrClaimNotPending when the claim is no longer in the from status.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to ClaimStatus) error
	FindApprovedClaims(ctx context.Context, providerID, patientID uuid.UUID) ([]AppointmentClaim, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, status ClaimStatus, limit, offset int) ([]*AppointmentClaim, int, error)
	ListByProvider(ctx context.Context, providerID uuid.UUID, status ClaimStatus, limit, offset int) ([]*AppointmentClaim, int, error)
}

// HistoryRepository stores dose histories. AppendDose must fail with
// ErrVersionConflict when the stored version differs from expectedVersion.
type HistoryRepository interface {
	Load(ctx context.Context, patientID uuid.UUID) (History, error)
	AppendDose(ctx context.Context, patientID uuid.UUID, expectedVersion int, rec *DoseRecord) error
}

type VisitRepository interface {
	Exists(ctx context.Context, visitID string) (bool, error)
}

// Directory resolves patient and provider identity. A nil birthdate with a
// nil error means the birthdate is unknown; a patient that does not exist
// yields ErrUnknownPatient.
type Directory interface {
	PatientBirthdate(ctx context.Context, patientID uuid.UUID) (*time.Time, error)
	ProviderExists(ctx context.Context, providerID uuid.UUID) (bool, error)
}
