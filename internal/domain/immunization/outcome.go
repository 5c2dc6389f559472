package immunization

import "errors"

// Reason is a business rejection or warning code. Reasons are returned as
// values; they are never raised as errors.
type Reason string

const (
	ReasonAgeOutOfRange         Reason = "AGE_OUT_OF_RANGE"
	ReasonAlreadyComplete       Reason = "ALREADY_COMPLETE"
	ReasonBrandConflict         Reason = "BRAND_CONFLICT"
	ReasonInvalidDoseNumber     Reason = "INVALID_DOSE_NUMBER"
	ReasonNoMatchingAppointment Reason = "NO_MATCHING_APPOINTMENT"
	ReasonAmbiguousMatch        Reason = "AMBIGUOUS_MATCH"
	ReasonVaccineNotFound       Reason = "VACCINE_NOT_FOUND"
	ReasonDuplicateVisit        Reason = "DUPLICATE_VISIT"
)

var reasonMessages = map[Reason]string{
	ReasonAgeOutOfRange:         "patient's age must be within the vaccine's age range",
	ReasonAlreadyComplete:       "patient is already fully vaccinated",
	ReasonBrandConflict:         "patient cannot mix and match vaccines",
	ReasonInvalidDoseNumber:     "invalid dose number",
	ReasonNoMatchingAppointment: "marked as scheduled but no matching appointment",
	ReasonAmbiguousMatch:        "more than one approved appointment matches the visit",
	ReasonVaccineNotFound:       "vaccine not found",
	ReasonDuplicateVisit:        "visit already exists",
}

// Message returns a human readable description of the reason.
func (r Reason) Message() string {
	if m, ok := reasonMessages[r]; ok {
		return m
	}
	return string(r)
}

// Decision is the result of evaluating a candidate dose.
type Decision struct {
	Allowed    bool   `json:"allowed"`
	DoseNumber int    `json:"dose_number,omitempty"`
	Reason     Reason `json:"reason,omitempty"`
}

func administer(dose int) Decision { return Decision{Allowed: true, DoseNumber: dose} }

func reject(r Reason) Decision { return Decision{Reason: r} }

// Outcome is the result of a registration attempt: Administered carries
// the recorded dose number, Rejected carries a reason.
type Outcome struct {
	Administered bool        `json:"administered"`
	DoseNumber   int         `json:"dose_number,omitempty"`
	Reason       Reason      `json:"reason,omitempty"`
	Warnings     []Reason    `json:"warnings,omitempty"`
	Dose         *DoseRecord `json:"dose,omitempty"`
}

// Administered builds a successful outcome.
func Administered(dose int) Outcome { return Outcome{Administered: true, DoseNumber: dose} }

// Rejected builds a rejected outcome.
func Rejected(r Reason) Outcome { return Outcome{Reason: r} }

// Infrastructure errors. These are distinct from business Reasons.
var (
	ErrInvalidRequest        = errors.New("invalid request")
	ErrNotFound              = errors.New("not found")
	ErrVersionConflict       = errors.New("history version conflict")
	ErrTransient             = errors.New("transient registration failure")
	ErrDuplicateCode         = errors.New("vaccine code already exists")
	ErrNoMatchingAppointment = errors.New("no matching appointment")
	ErrUnknownProvider       = errors.New("unknown provider")
	ErrUnknownPatient        = errors.New("unknown patient")
	ErrDuplicateVisit        = errors.New("visit already registered")
	ErrClaimNotPending       = errors.New("appointment already decided")
)
