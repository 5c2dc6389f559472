package identity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/vaxreg/internal/domain/immunization"
)

// Directory answers the identity questions the vaccination registrar asks.
type Directory struct {
	patients      PatientRepository
	practitioners PractitionerRepository
}

func NewDirectory(patients PatientRepository, practitioners PractitionerRepository) *Directory {
	return &Directory{patients: patients, practitioners: practitioners}
}

var _ immunization.Directory = (*Directory)(nil)

// PatientBirthdate returns nil when the patient exists without a recorded
// birth date.
func (d *Directory) PatientBirthdate(ctx context.Context, patientID uuid.UUID) (*time.Time, error) {
	p, err := d.patients.GetByID(ctx, patientID)
	if errors.Is(err, ErrNotFound) {
		return nil, immunization.ErrUnknownPatient
	}
	if err != nil {
		return nil, err
	}
	return p.BirthDate, nil
}

// ProviderExists reports whether an active practitioner has the given id.
func (d *Directory) ProviderExists(ctx context.Context, providerID uuid.UUID) (bool, error) {
	p, err := d.practitioners.GetByID(ctx, providerID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.Active, nil
}
