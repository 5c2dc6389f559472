package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Service struct {
	patients      PatientRepository
	practitioners PractitionerRepository
}

func NewService(patients PatientRepository, practitioners PractitionerRepository) *Service {
	return &Service{patients: patients, practitioners: practitioners}
}

// -- Patient --

func (s *Service) CreatePatient(ctx context.Context, p *Patient) error {
	if p.FirstName == "" || p.LastName == "" {
		return fmt.Errorf("first_name and last_name are required")
	}
	if p.BirthDate != nil && p.BirthDate.After(time.Now()) {
		return fmt.Errorf("birth_date cannot be in the future")
	}
	p.Active = true
	return s.patients.Create(ctx, p)
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

func (s *Service) ListPatients(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	return s.patients.List(ctx, limit, offset)
}

// -- Practitioner --

func (s *Service) CreatePractitioner(ctx context.Context, p *Practitioner) error {
	if p.FirstName == "" || p.LastName == "" {
		return fmt.Errorf("first_name and last_name are required")
	}
	p.Active = true
	return s.practitioners.Create(ctx, p)
}

func (s *Service) GetPractitioner(ctx context.Context, id uuid.UUID) (*Practitioner, error) {
	return s.practitioners.GetByID(ctx, id)
}

func (s *Service) ListPractitioners(ctx context.Context, limit, offset int) ([]*Practitioner, int, error) {
	return s.practitioners.List(ctx, limit, offset)
}
