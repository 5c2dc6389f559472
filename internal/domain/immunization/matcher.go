package immunization

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Match is the appointment a scheduled visit reconciles against.
// Ambiguous is set when more than one approved claim matched; the claim
// with the lowest Seq is chosen.
type Match struct {
	Claim     AppointmentClaim
	Ambiguous bool
	Matched   int
}

// MatchAppointment selects the approved claim for the same provider and
// patient whose requested time equals at exactly.
func MatchAppointment(claims []AppointmentClaim, providerID, patientID uuid.UUID, at time.Time) (Match, error) {
	var m Match
	for _, c := range claims {
		if c.Status != ClaimApproved || c.ProviderID != providerID || c.PatientID != patientID {
			continue
		}
		if !c.RequestedAt.Equal(at) {
			continue
		}
		if m.Matched == 0 || c.Seq < m.Claim.Seq {
			m.Claim = c
		}
		m.Matched++
	}
	if m.Matched == 0 {
		return Match{}, ErrNoMatchingAppointment
	}
	m.Ambiguous = m.Matched > 1
	return m, nil
}

// Matcher resolves scheduled visits against stored appointment claims.
type Matcher struct {
	claims AppointmentRepository
}

func NewMatcher(claims AppointmentRepository) *Matcher {
	return &Matcher{claims: claims}
}

// Match loads the approved claims for the provider and patient and applies
// MatchAppointment.
func (m *Matcher) Match(ctx context.Context, providerID, patientID uuid.UUID, at time.Time) (Match, error) {
	claims, err := m.claims.FindApprovedClaims(ctx, providerID, patientID)
	if err != nil {
		return Match{}, fmt.Errorf("load approved claims: %w", err)
	}
	return MatchAppointment(claims, providerID, patientID, at)
}
