package immunization

import (
	"sort"
	"time"
)

// AgeInYears returns the patient's age at the given instant. A year counts
// only once the birthday month has been reached and, within that month, the
// birthday itself.
func AgeInYears(dob, at time.Time) int {
	age := at.Year() - dob.Year()
	if at.Month() < dob.Month() || (at.Month() == dob.Month() && at.Day() < dob.Day()) {
		age--
	}
	return age
}

// Evaluate decides whether the declared dose of product may be given to a
// patient of the given age with the given history. It has no side effects
// and is safe for concurrent use.
func Evaluate(history History, product Product, ageYears, declaredDose int) Decision {
	if !product.AgeRange.Contains(ageYears) {
		return reject(ReasonAgeOutOfRange)
	}
	return EvaluateSequence(history, product, declaredDose)
}

// EvaluateSequence applies the dose-sequence rules without the age gate. It
// is used when the patient's birthdate is unknown.
func EvaluateSequence(history History, product Product, declaredDose int) Decision {
	d := NextDose(history, product)
	if d.Allowed && declaredDose != d.DoseNumber {
		return reject(ReasonInvalidDoseNumber)
	}
	return d
}

// EvaluateNext is Evaluate without a declared dose number. An allowed
// decision carries the dose number the patient would receive.
func EvaluateNext(history History, product Product, ageYears int) Decision {
	if !product.AgeRange.Contains(ageYears) {
		return reject(ReasonAgeOutOfRange)
	}
	return NextDose(history, product)
}

// NextDose applies the sequence rules only and reports the next dose of
// product, if any.
func NextDose(history History, product Product) Decision {
	next, reason := nextDose(history, product)
	if reason != "" {
		return reject(reason)
	}
	return administer(next)
}

func nextDose(history History, product Product) (int, Reason) {
	if len(history.Doses) == 0 {
		return 1, ""
	}

	prior, required := 0, product.DoseCount
	for _, s := range summarize(history) {
		if s.ProductCode == product.Code {
			if s.Complete {
				return 0, ReasonAlreadyComplete
			}
			// A started series keeps the dose count it was started under.
			prior = s.DosesReceived
			if s.SeriesDoses > 0 {
				required = s.SeriesDoses
			}
			continue
		}
		if s.Complete {
			return 0, ReasonAlreadyComplete
		}
		// Only one series may be in progress at a time.
		return 0, ReasonBrandConflict
	}

	if prior >= required {
		return 0, ReasonAlreadyComplete
	}
	return prior + 1, ""
}

// SeriesStatus summarizes the doses received for one product.
type SeriesStatus struct {
	ProductCode          string    `json:"product_code"`
	DosesReceived        int       `json:"doses_received"`
	SeriesDoses          int       `json:"series_doses"`
	Complete             bool      `json:"complete"`
	CrossBrandCompletion bool      `json:"cross_brand_completion,omitempty"`
	LastDoseAt           time.Time `json:"last_dose_at"`
}

// VaccinationStatus is the read model behind certificate style queries.
type VaccinationStatus struct {
	PatientID       string         `json:"patient_id"`
	FullyVaccinated bool           `json:"fully_vaccinated"`
	CrossBrand      bool           `json:"cross_brand"`
	Series          []SeriesStatus `json:"series"`
	Doses           []DoseRecord   `json:"doses"`
}

// summarize groups the history by product, in order of first dose.
func summarize(history History) []SeriesStatus {
	index := make(map[string]int)
	var out []SeriesStatus
	for _, d := range history.Doses {
		i, ok := index[d.ProductCode]
		if !ok {
			i = len(out)
			index[d.ProductCode] = i
			out = append(out, SeriesStatus{ProductCode: d.ProductCode})
		}
		s := &out[i]
		s.DosesReceived++
		if d.SeriesDoses > s.SeriesDoses {
			s.SeriesDoses = d.SeriesDoses
		}
		if d.CrossBrandCompletion {
			s.CrossBrandCompletion = true
		}
		if d.AdministeredAt.After(s.LastDoseAt) {
			s.LastDoseAt = d.AdministeredAt
		}
	}
	for i := range out {
		s := &out[i]
		s.Complete = s.CrossBrandCompletion || (s.SeriesDoses > 0 && s.DosesReceived >= s.SeriesDoses)
	}
	return out
}

// IsFullyVaccinated reports whether some product series in the history is
// complete, counting an explicitly recorded cross-brand completion.
func IsFullyVaccinated(history History) bool {
	for _, s := range summarize(history) {
		if s.Complete {
			return true
		}
	}
	return false
}

// Status builds the vaccination status for a patient's history.
func Status(history History) VaccinationStatus {
	series := summarize(history)
	st := VaccinationStatus{
		PatientID: history.PatientID.String(),
		Series:    series,
		Doses:     append([]DoseRecord(nil), history.Doses...),
	}
	for _, s := range series {
		if s.Complete {
			st.FullyVaccinated = true
		}
		if s.CrossBrandCompletion {
			st.CrossBrand = true
		}
	}
	sort.SliceStable(st.Doses, func(i, j int) bool {
		return st.Doses[i].AdministeredAt.Before(st.Doses[j].AdministeredAt)
	})
	return st
}
