package immunization

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Service struct {
	products     ProductRepository
	history      HistoryRepository
	visits       VisitRepository
	appointments AppointmentRepository
	directory    Directory
	registrar    *Registrar
	now          func() time.Time
}

func NewService(products ProductRepository, history HistoryRepository, visits VisitRepository,
	appointments AppointmentRepository, directory Directory, logger zerolog.Logger) *Service {
	return &Service{
		products:     products,
		history:      history,
		visits:       visits,
		appointments: appointments,
		directory:    directory,
		registrar:    NewRegistrar(products, history, appointments, directory, logger),
		now:          time.Now,
	}
}

// WithMaxRetries forwards the retry budget to the registrar.
func (s *Service) WithMaxRetries(n int) *Service {
	s.registrar.WithMaxRetries(n)
	return s
}

// -- Catalog --

func (s *Service) CreateProduct(ctx context.Context, p *Product) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.SingleDose() {
		p.DoseInterval = nil
	}
	return s.products.Create(ctx, p)
}

func (s *Service) GetProduct(ctx context.Context, code string) (*Product, error) {
	return s.products.GetByCode(ctx, code)
}

func (s *Service) UpdateProduct(ctx context.Context, code string, p *Product) error {
	if p.Code == "" {
		p.Code = code
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if p.SingleDose() {
		p.DoseInterval = nil
	}
	return s.products.Update(ctx, code, p)
}

func (s *Service) DeleteProduct(ctx context.Context, code string) error {
	return s.products.Delete(ctx, code)
}

func (s *Service) ListProducts(ctx context.Context, limit, offset int) ([]*Product, int, error) {
	return s.products.List(ctx, limit, offset)
}

// -- Visits --

// RegisterVisit rejects a visit id that was already recorded, then hands
// the request to the registrar.
func (s *Service) RegisterVisit(ctx context.Context, req RegisterRequest) (Outcome, error) {
	if req.VisitID != "" {
		exists, err := s.visits.Exists(ctx, req.VisitID)
		if err != nil {
			return Outcome{}, fmt.Errorf("check visit %s: %w", req.VisitID, err)
		}
		if exists {
			return Rejected(ReasonDuplicateVisit), nil
		}
	}
	out, err := s.registrar.Register(ctx, req)
	if errors.Is(err, ErrDuplicateVisit) {
		return Rejected(ReasonDuplicateVisit), nil
	}
	return out, err
}

// EligibilityRequest asks whether a dose could be given without recording it.
// A zero DoseNumber asks for the next dose instead of checking a declared one.
type EligibilityRequest struct {
	PatientID   uuid.UUID `json:"patient_id"`
	ProductCode string    `json:"product_code"`
	DoseNumber  int       `json:"dose_number"`
	At          time.Time `json:"at"`
}

// EvaluateEligibility runs the same rules as registration against the
// current history. Nothing is written.
func (s *Service) EvaluateEligibility(ctx context.Context, req EligibilityRequest) (Decision, error) {
	if req.PatientID == uuid.Nil {
		return Decision{}, fmt.Errorf("%w: patient_id is required", ErrInvalidRequest)
	}
	if req.ProductCode == "" {
		return Decision{}, fmt.Errorf("%w: product_code is required", ErrInvalidRequest)
	}
	if req.At.IsZero() {
		req.At = s.now()
	}
	product, err := s.products.GetByCode(ctx, req.ProductCode)
	if errors.Is(err, ErrNotFound) {
		return reject(ReasonVaccineNotFound), nil
	}
	if err != nil {
		return Decision{}, err
	}
	dob, err := s.directory.PatientBirthdate(ctx, req.PatientID)
	if err != nil {
		return Decision{}, fmt.Errorf("lookup patient birthdate: %w", err)
	}
	history, err := s.history.Load(ctx, req.PatientID)
	if err != nil {
		return Decision{}, fmt.Errorf("load history: %w", err)
	}
	switch {
	case dob == nil && req.DoseNumber == 0:
		return NextDose(history, *product), nil
	case dob == nil:
		return EvaluateSequence(history, *product, req.DoseNumber), nil
	case req.DoseNumber == 0:
		return EvaluateNext(history, *product, AgeInYears(*dob, req.At)), nil
	}
	return Evaluate(history, *product, AgeInYears(*dob, req.At), req.DoseNumber), nil
}

func (s *Service) VaccinationStatus(ctx context.Context, patientID uuid.UUID) (VaccinationStatus, error) {
	history, err := s.history.Load(ctx, patientID)
	if err != nil {
		return VaccinationStatus{}, err
	}
	return Status(history), nil
}

func (s *Service) IsFullyVaccinated(ctx context.Context, patientID uuid.UUID) (bool, error) {
	history, err := s.history.Load(ctx, patientID)
	if err != nil {
		return false, err
	}
	return IsFullyVaccinated(history), nil
}

// ListDoses returns the patient's doses in administration order.
func (s *Service) ListDoses(ctx context.Context, patientID uuid.UUID) ([]DoseRecord, error) {
	st, err := s.VaccinationStatus(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return st.Doses, nil
}

// -- Appointment requests --

func (s *Service) RequestAppointment(ctx context.Context, c *AppointmentClaim) error {
	if c.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if c.ProviderID == uuid.Nil {
		return fmt.Errorf("provider_id is required")
	}
	if c.ProductCode == "" {
		return fmt.Errorf("product_code is required")
	}
	if c.RequestedAt.IsZero() {
		return fmt.Errorf("requested_at is required")
	}
	if c.RequestedAt.Before(s.now()) {
		return fmt.Errorf("cannot request an appointment before the current time")
	}

	product, err := s.products.GetByCode(ctx, c.ProductCode)
	if err != nil {
		return fmt.Errorf("vaccine %s: %w", c.ProductCode, err)
	}
	ok, err := s.directory.ProviderExists(ctx, c.ProviderID)
	if err != nil {
		return fmt.Errorf("lookup provider: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, c.ProviderID)
	}
	dob, err := s.directory.PatientBirthdate(ctx, c.PatientID)
	if err != nil {
		return fmt.Errorf("lookup patient birthdate: %w", err)
	}
	if dob == nil {
		return fmt.Errorf("patient must have a date of birth to request a vaccine appointment")
	}
	if !product.AgeRange.Contains(AgeInYears(*dob, c.RequestedAt)) {
		return fmt.Errorf("%s", ReasonAgeOutOfRange.Message())
	}

	c.Status = ClaimPending
	return s.appointments.Create(ctx, c)
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*AppointmentClaim, error) {
	return s.appointments.GetByID(ctx, id)
}

// DecideAppointment approves or denies a pending request.
func (s *Service) DecideAppointment(ctx context.Context, id uuid.UUID, status ClaimStatus) (*AppointmentClaim, error) {
	if status != ClaimApproved && status != ClaimDenied {
		return nil, fmt.Errorf("invalid appointment status: %s", status)
	}
	c, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != ClaimPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrClaimNotPending, id, c.Status)
	}
	if err := s.appointments.UpdateStatus(ctx, id, ClaimPending, status); err != nil {
		return nil, err
	}
	c.Status = status
	return c, nil
}

func (s *Service) ListPendingForPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*AppointmentClaim, int, error) {
	return s.appointments.ListByPatient(ctx, patientID, ClaimPending, limit, offset)
}

func (s *Service) ListPendingForProvider(ctx context.Context, providerID uuid.UUID, limit, offset int) ([]*AppointmentClaim, int, error) {
	return s.appointments.ListByProvider(ctx, providerID, ClaimPending, limit, offset)
}

func (s *Service) ListAppointmentsForPatient(ctx context.Context, patientID uuid.UUID, status ClaimStatus, limit, offset int) ([]*AppointmentClaim, int, error) {
	return s.appointments.ListByPatient(ctx, patientID, status, limit, offset)
}

func (s *Service) ListAppointmentsForProvider(ctx context.Context, providerID uuid.UUID, status ClaimStatus, limit, offset int) ([]*AppointmentClaim, int, error) {
	return s.appointments.ListByProvider(ctx, providerID, status, limit, offset)
}
