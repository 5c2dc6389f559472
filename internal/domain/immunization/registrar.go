package immunization

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultMaxRetries bounds how often a registration is retried after an
// optimistic version conflict.
const DefaultMaxRetries = 3

// RegisterRequest is a single dose registration attempt.
type RegisterRequest struct {
	VisitID              string    `json:"visit_id"`
	PatientID            uuid.UUID `json:"patient_id"`
	ProviderID           uuid.UUID `json:"provider_id"`
	ProductCode          string    `json:"product_code"`
	VisitTimestamp       time.Time `json:"visit_timestamp"`
	DeclaredDoseNumber   int       `json:"dose_number"`
	IsScheduled          bool      `json:"scheduled"`
	CrossBrandCompletion bool      `json:"cross_brand_completion"`
	Notes                *string   `json:"notes,omitempty"`
}

// RequestFromVisit builds a registration request from a vaccination visit.
func RequestFromVisit(v Visit) (RegisterRequest, error) {
	if v.Vaccine == nil {
		return RegisterRequest{}, fmt.Errorf("%w: visit %s has no vaccine payload", ErrInvalidRequest, v.ID)
	}
	return RegisterRequest{
		VisitID:              v.ID,
		PatientID:            v.PatientID,
		ProviderID:           v.ProviderID,
		ProductCode:          v.Vaccine.ProductCode,
		VisitTimestamp:       v.Date,
		DeclaredDoseNumber:   v.Vaccine.DoseNumber,
		IsScheduled:          v.Vaccine.Scheduled,
		CrossBrandCompletion: v.Vaccine.CrossBrandCompletion,
		Notes:                v.Notes,
	}, nil
}

func (r RegisterRequest) validate() error {
	if r.PatientID == uuid.Nil {
		return fmt.Errorf("%w: patient_id is required", ErrInvalidRequest)
	}
	if r.ProviderID == uuid.Nil {
		return fmt.Errorf("%w: provider_id is required", ErrInvalidRequest)
	}
	if r.ProductCode == "" {
		return fmt.Errorf("%w: product_code is required", ErrInvalidRequest)
	}
	if r.VisitTimestamp.IsZero() {
		return fmt.Errorf("%w: visit_timestamp is required", ErrInvalidRequest)
	}
	if r.DeclaredDoseNumber < 1 {
		return fmt.Errorf("%w: dose number must be filled", ErrInvalidRequest)
	}
	return nil
}

// Registrar records doses. Reads of the history, evaluation and the append
// run under a per-patient lock, and the append is guarded by the history
// version so concurrent writers in other processes are detected.
type Registrar struct {
	products   ProductRepository
	history    HistoryRepository
	directory  Directory
	matcher    *Matcher
	locks      *keyedMutex
	maxRetries int
	logger     zerolog.Logger
}

func NewRegistrar(products ProductRepository, history HistoryRepository, appointments AppointmentRepository, directory Directory, logger zerolog.Logger) *Registrar {
	return &Registrar{
		products:   products,
		history:    history,
		directory:  directory,
		matcher:    NewMatcher(appointments),
		locks:      newKeyedMutex(),
		maxRetries: DefaultMaxRetries,
		logger:     logger.With().Str("component", "registrar").Logger(),
	}
}

// WithMaxRetries sets the number of retries after a version conflict.
func (r *Registrar) WithMaxRetries(n int) *Registrar {
	if n >= 0 {
		r.maxRetries = n
	}
	return r
}

// Register attempts to record the requested dose. Business rejections come
// back as a Rejected outcome with a nil error; the error is reserved for
// invalid requests and persistence failures.
func (r *Registrar) Register(ctx context.Context, req RegisterRequest) (Outcome, error) {
	if err := req.validate(); err != nil {
		return Outcome{}, err
	}

	product, err := r.products.GetByCode(ctx, req.ProductCode)
	if errors.Is(err, ErrNotFound) {
		return r.rejected(req, ReasonVaccineNotFound), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("load vaccine %s: %w", req.ProductCode, err)
	}

	ok, err := r.directory.ProviderExists(ctx, req.ProviderID)
	if err != nil {
		return Outcome{}, fmt.Errorf("lookup provider: %w", err)
	}
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownProvider, req.ProviderID)
	}

	dob, err := r.directory.PatientBirthdate(ctx, req.PatientID)
	if err != nil {
		return Outcome{}, fmt.Errorf("lookup patient birthdate: %w", err)
	}

	unlock := r.locks.Lock(req.PatientID)
	defer unlock()

	var match *Match
	for attempt := 0; ; attempt++ {
		history, err := r.history.Load(ctx, req.PatientID)
		if err != nil {
			return Outcome{}, fmt.Errorf("load history: %w", err)
		}

		var decision Decision
		if dob == nil {
			decision = EvaluateSequence(history, *product, req.DeclaredDoseNumber)
		} else {
			age := AgeInYears(*dob, req.VisitTimestamp)
			decision = Evaluate(history, *product, age, req.DeclaredDoseNumber)
		}
		if !decision.Allowed {
			return r.rejected(req, decision.Reason), nil
		}

		if req.IsScheduled && match == nil {
			m, err := r.matcher.Match(ctx, req.ProviderID, req.PatientID, req.VisitTimestamp)
			if errors.Is(err, ErrNoMatchingAppointment) {
				return r.rejected(req, ReasonNoMatchingAppointment), nil
			}
			if err != nil {
				return Outcome{}, err
			}
			match = &m
		}

		rec := &DoseRecord{
			PatientID:            req.PatientID,
			ProductCode:          product.Code,
			DoseNumber:           decision.DoseNumber,
			SeriesDoses:          product.DoseCount,
			AdministeredAt:       req.VisitTimestamp,
			VisitID:              req.VisitID,
			ProviderID:           req.ProviderID,
			CrossBrandCompletion: req.CrossBrandCompletion,
			Notes:                req.Notes,
		}
		if match != nil {
			id := match.Claim.ID
			rec.AppointmentID = &id
		}

		err = r.history.AppendDose(ctx, req.PatientID, history.Version, rec)
		if err == nil {
			out := Administered(rec.DoseNumber)
			out.Dose = rec
			if match != nil && match.Ambiguous {
				out.Warnings = append(out.Warnings, ReasonAmbiguousMatch)
				r.logger.Warn().
					Str("patient_id", req.PatientID.String()).
					Str("appointment_id", match.Claim.ID.String()).
					Int("matched", match.Matched).
					Msg("ambiguous appointment match, earliest claim used")
			}
			r.logger.Info().
				Str("patient_id", req.PatientID.String()).
				Str("product_code", product.Code).
				Int("dose_number", rec.DoseNumber).
				Msg("dose administered")
			return out, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return Outcome{}, fmt.Errorf("append dose: %w", err)
		}
		if attempt >= r.maxRetries {
			return Outcome{}, fmt.Errorf("%w: history changed during %d attempts", ErrTransient, attempt+1)
		}
		r.logger.Warn().
			Str("patient_id", req.PatientID.String()).
			Int("attempt", attempt+1).
			Msg("history version conflict, retrying")
	}
}

func (r *Registrar) rejected(req RegisterRequest, reason Reason) Outcome {
	r.logger.Info().
		Str("patient_id", req.PatientID.String()).
		Str("product_code", req.ProductCode).
		Int("dose_number", req.DeclaredDoseNumber).
		Str("reason", string(reason)).
		Msg("dose rejected")
	return Rejected(reason)
}
