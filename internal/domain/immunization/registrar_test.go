package immunization

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func TestRegister_PfizerScenario(t *testing.T) {
	env := newTestEnv(pfizer())
	reg := env.registrar()
	patient := env.directory.addPatient(born(20))
	ctx := context.Background()

	out, err := reg.Register(ctx, env.request(patient, pfizer(), 1))
	if err != nil {
		t.Fatalf("dose 1: %v", err)
	}
	if !out.Administered || out.DoseNumber != 1 {
		t.Fatalf("expected Administered{1}, got %+v", out)
	}
	if out.Dose == nil || out.Dose.SeriesDoses != 2 {
		t.Errorf("expected recorded dose with series of 2, got %+v", out.Dose)
	}

	out, err = reg.Register(ctx, env.request(patient, pfizer(), 2))
	if err != nil {
		t.Fatalf("dose 2: %v", err)
	}
	if !out.Administered || out.DoseNumber != 2 {
		t.Fatalf("expected Administered{2}, got %+v", out)
	}

	for _, n := range []int{1, 2} {
		out, err = reg.Register(ctx, env.request(patient, pfizer(), n))
		if err != nil {
			t.Fatalf("third attempt: %v", err)
		}
		if out.Administered || out.Reason != ReasonAlreadyComplete {
			t.Errorf("third attempt with dose %d: expected ALREADY_COMPLETE, got %+v", n, out)
		}
	}

	h, _ := env.history.Load(ctx, patient)
	if len(h.Doses) != 2 {
		t.Errorf("expected 2 persisted doses, got %d", len(h.Doses))
	}
}

func TestRegister_JNJUnderage(t *testing.T) {
	env := newTestEnv(jnj())
	reg := env.registrar()
	patient := env.directory.addPatient(born(5))

	out, err := reg.Register(context.Background(), env.request(patient, jnj(), 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Reason != ReasonAgeOutOfRange {
		t.Errorf("expected AGE_OUT_OF_RANGE, got %+v", out)
	}
}

func TestRegister_UnknownVaccine(t *testing.T) {
	env := newTestEnv()
	patient := env.directory.addPatient(born(30))
	out, err := env.registrar().Register(context.Background(), env.request(patient, pfizer(), 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Reason != ReasonVaccineNotFound {
		t.Errorf("expected VACCINE_NOT_FOUND, got %+v", out)
	}
}

func TestRegister_UnknownBirthdateSkipsAgeGate(t *testing.T) {
	env := newTestEnv(jnj())
	patient := env.directory.addPatient(nil)
	out, err := env.registrar().Register(context.Background(), env.request(patient, jnj(), 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Administered {
		t.Errorf("expected dose administered without birthdate, got %+v", out)
	}
}

func TestRegister_UnknownProviderAndPatient(t *testing.T) {
	env := newTestEnv(pfizer())
	reg := env.registrar()
	patient := env.directory.addPatient(born(30))

	req := env.request(patient, pfizer(), 1)
	req.ProviderID = uuid.New()
	if _, err := reg.Register(context.Background(), req); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}

	req = env.request(uuid.New(), pfizer(), 1)
	if _, err := reg.Register(context.Background(), req); !errors.Is(err, ErrUnknownPatient) {
		t.Errorf("expected ErrUnknownPatient, got %v", err)
	}
}

func TestRegister_InvalidRequest(t *testing.T) {
	env := newTestEnv(pfizer())
	patient := env.directory.addPatient(born(30))
	reg := env.registrar()

	mutations := map[string]func(r *RegisterRequest){
		"missing patient":   func(r *RegisterRequest) { r.PatientID = uuid.Nil },
		"missing provider":  func(r *RegisterRequest) { r.ProviderID = uuid.Nil },
		"missing product":   func(r *RegisterRequest) { r.ProductCode = "" },
		"missing timestamp": func(r *RegisterRequest) { r.VisitTimestamp = time.Time{} },
		"zero dose":         func(r *RegisterRequest) { r.DeclaredDoseNumber = 0 },
	}
	for name, mutate := range mutations {
		req := env.request(patient, pfizer(), 1)
		mutate(&req)
		if _, err := reg.Register(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("%s: expected ErrInvalidRequest, got %v", name, err)
		}
	}
}

func TestRegister_ScheduledWithoutAppointment(t *testing.T) {
	env := newTestEnv(pfizer())
	patient := env.directory.addPatient(born(30))
	ctx := context.Background()

	// Approved, but an hour off: timestamps must match exactly.
	_ = env.appointments.Create(ctx, &AppointmentClaim{
		PatientID: patient, ProviderID: env.provider, ProductCode: pfizer().Code,
		RequestedAt: visitTime.Add(time.Hour), Status: ClaimApproved,
	})

	req := env.request(patient, pfizer(), 1)
	req.IsScheduled = true
	out, err := env.registrar().Register(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Reason != ReasonNoMatchingAppointment {
		t.Errorf("expected NO_MATCHING_APPOINTMENT, got %+v", out)
	}
	h, _ := env.history.Load(ctx, patient)
	if len(h.Doses) != 0 {
		t.Errorf("expected no dose appended, got %d", len(h.Doses))
	}
}

func TestRegister_ScheduledMatchesAppointment(t *testing.T) {
	env := newTestEnv(pfizer())
	patient := env.directory.addPatient(born(30))
	ctx := context.Background()

	claim := &AppointmentClaim{
		PatientID: patient, ProviderID: env.provider, ProductCode: pfizer().Code,
		RequestedAt: visitTime, Status: ClaimApproved,
	}
	_ = env.appointments.Create(ctx, claim)

	req := env.request(patient, pfizer(), 1)
	req.IsScheduled = true
	out, err := env.registrar().Register(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Administered {
		t.Fatalf("expected administered, got %+v", out)
	}
	if len(out.Warnings) != 0 {
		t.Errorf("expected no warnings, got %v", out.Warnings)
	}
	if out.Dose.AppointmentID == nil || *out.Dose.AppointmentID != claim.ID {
		t.Errorf("expected dose linked to appointment %s, got %v", claim.ID, out.Dose.AppointmentID)
	}
}

func TestRegister_AmbiguousMatchWarns(t *testing.T) {
	env := newTestEnv(pfizer())
	patient := env.directory.addPatient(born(30))
	ctx := context.Background()

	var first *AppointmentClaim
	for i := 0; i < 2; i++ {
		c := &AppointmentClaim{
			PatientID: patient, ProviderID: env.provider, ProductCode: pfizer().Code,
			RequestedAt: visitTime, Status: ClaimApproved,
		}
		_ = env.appointments.Create(ctx, c)
		if first == nil {
			first = c
		}
	}

	req := env.request(patient, pfizer(), 1)
	req.IsScheduled = true
	out, err := env.registrar().Register(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Administered {
		t.Fatalf("expected administered, got %+v", out)
	}
	if len(out.Warnings) != 1 || out.Warnings[0] != ReasonAmbiguousMatch {
		t.Errorf("expected AMBIGUOUS_MATCH warning, got %v", out.Warnings)
	}
	if *out.Dose.AppointmentID != first.ID {
		t.Errorf("expected earliest claim %s, got %s", first.ID, *out.Dose.AppointmentID)
	}
}

func TestRegister_RetriesOnVersionConflict(t *testing.T) {
	env := newTestEnv(pfizer())
	patient := env.directory.addPatient(born(30))
	history := &conflictingHistory{HistoryRepoMemory: env.history, failures: 2}
	reg := NewRegistrar(env.products, history, env.appointments, env.directory, zerolog.Nop())

	out, err := reg.Register(context.Background(), env.request(patient, pfizer(), 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Administered {
		t.Errorf("expected administered after retries, got %+v", out)
	}
	if history.attempts != 3 {
		t.Errorf("expected 3 append attempts, got %d", history.attempts)
	}
}

func TestRegister_TransientAfterRetriesExhausted(t *testing.T) {
	env := newTestEnv(pfizer())
	patient := env.directory.addPatient(born(30))
	history := &conflictingHistory{HistoryRepoMemory: env.history, failures: 100}
	reg := NewRegistrar(env.products, history, env.appointments, env.directory, zerolog.Nop()).WithMaxRetries(2)

	_, err := reg.Register(context.Background(), env.request(patient, pfizer(), 1))
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
	if history.attempts != 3 {
		t.Errorf("expected 1 attempt plus 2 retries, got %d", history.attempts)
	}
	h, _ := env.history.Load(context.Background(), patient)
	if len(h.Doses) != 0 {
		t.Errorf("expected nothing persisted, got %d doses", len(h.Doses))
	}
}

func assertSingleAdministered(t *testing.T, outcomes []Outcome, h History) {
	t.Helper()
	administered := 0
	for _, out := range outcomes {
		switch {
		case out.Administered:
			administered++
		case out.Reason == ReasonInvalidDoseNumber, out.Reason == ReasonAlreadyComplete:
		default:
			t.Errorf("unexpected outcome %+v", out)
		}
	}
	if administered != 1 {
		t.Errorf("expected exactly one administered outcome, got %d", administered)
	}
	seen := make(map[int]bool)
	for _, d := range h.Doses {
		if seen[d.DoseNumber] {
			t.Errorf("dose number %d persisted twice", d.DoseNumber)
		}
		seen[d.DoseNumber] = true
	}
	if len(h.Doses) != 1 {
		t.Errorf("expected one persisted dose, got %d", len(h.Doses))
	}
}

func TestRegister_ConcurrentSamePatient(t *testing.T) {
	env := newTestEnv(pfizer())
	reg := env.registrar()
	patient := env.directory.addPatient(born(30))

	const n = 16
	outcomes := make([]Outcome, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			out, err := reg.Register(context.Background(), env.request(patient, pfizer(), 1))
			outcomes[i] = out
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h, _ := env.history.Load(context.Background(), patient)
	assertSingleAdministered(t, outcomes, h)
	if reg.locks.size() != 0 {
		t.Errorf("expected patient locks released, got %d", reg.locks.size())
	}
}

// Two registrars share one store, as two server instances would; only the
// history version protects the append.
func TestRegister_ConcurrentAcrossRegistrars(t *testing.T) {
	env := newTestEnv(pfizer())
	regs := []*Registrar{env.registrar(), env.registrar()}
	patient := env.directory.addPatient(born(30))

	const n = 16
	var mu sync.Mutex
	var outcomes []Outcome
	var g errgroup.Group
	for i := 0; i < n; i++ {
		reg := regs[i%2]
		g.Go(func() error {
			out, err := reg.Register(context.Background(), env.request(patient, pfizer(), 1))
			mu.Lock()
			outcomes = append(outcomes, out)
			mu.Unlock()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h, _ := env.history.Load(context.Background(), patient)
	assertSingleAdministered(t, outcomes, h)
}

func TestRequestFromVisit(t *testing.T) {
	notes := "left arm"
	v := Visit{
		ID: "visit-1", PatientID: uuid.New(), ProviderID: uuid.New(), Date: visitTime, Notes: &notes,
		Vaccine: &VaccinePayload{ProductCode: "1111-1111-11", DoseNumber: 2, Scheduled: true},
	}
	req, err := RequestFromVisit(v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.VisitID != "visit-1" || req.DeclaredDoseNumber != 2 || !req.IsScheduled || req.Notes != &notes {
		t.Errorf("unexpected request: %+v", req)
	}

	v.Vaccine = nil
	if _, err := RequestFromVisit(v); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest without vaccine payload, got %v", err)
	}
}
