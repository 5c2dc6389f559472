package immunization

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var visitTime = time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

func pfizer() Product {
	return Product{
		Code:         "1111-1111-11",
		Name:         "Pfizer",
		DoseCount:    2,
		DoseInterval: &DoseInterval{Unit: IntervalDays, Amount: 21},
		AgeRange:     AgeRange{Min: 12, Max: 80},
	}
}

func moderna() Product {
	return Product{
		Code:         "2222-2222-22",
		Name:         "Moderna",
		DoseCount:    2,
		DoseInterval: &DoseInterval{Unit: IntervalWeeks, Amount: 4},
		AgeRange:     AgeRange{Min: 18, Max: 80},
	}
}

func jnj() Product {
	return Product{
		Code:      "3333-3333-33",
		Name:      "Johnson & Johnson",
		DoseCount: 1,
		AgeRange:  AgeRange{Min: 12, Max: 80},
	}
}

// born returns a birthdate making the patient exactly age years old at visitTime.
func born(age int) *time.Time {
	d := visitTime.AddDate(-age, 0, 0)
	return &d
}

func dose(p Product, n int, at time.Time) DoseRecord {
	return DoseRecord{ProductCode: p.Code, DoseNumber: n, SeriesDoses: p.DoseCount, AdministeredAt: at}
}

func historyOf(doses ...DoseRecord) History {
	return History{PatientID: uuid.New(), Doses: doses, Version: len(doses)}
}

// -- Mock Directory --

type mockDirectory struct {
	mu        sync.Mutex
	births    map[uuid.UUID]*time.Time
	providers map[uuid.UUID]bool
}

func newMockDirectory() *mockDirectory {
	return &mockDirectory{births: make(map[uuid.UUID]*time.Time), providers: make(map[uuid.UUID]bool)}
}

func (m *mockDirectory) addPatient(dob *time.Time) uuid.UUID {
	id := uuid.New()
	m.mu.Lock()
	m.births[id] = dob
	m.mu.Unlock()
	return id
}

func (m *mockDirectory) addProvider() uuid.UUID {
	id := uuid.New()
	m.mu.Lock()
	m.providers[id] = true
	m.mu.Unlock()
	return id
}

func (m *mockDirectory) PatientBirthdate(_ context.Context, id uuid.UUID) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dob, ok := m.births[id]
	if !ok {
		return nil, ErrUnknownPatient
	}
	return dob, nil
}

func (m *mockDirectory) ProviderExists(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.providers[id], nil
}

// -- Conflicting History Repository --

// conflictingHistory fails the first `failures` appends with a version
// conflict before delegating.
type conflictingHistory struct {
	*HistoryRepoMemory
	mu       sync.Mutex
	failures int
	attempts int
}

func (h *conflictingHistory) AppendDose(ctx context.Context, patientID uuid.UUID, expected int, rec *DoseRecord) error {
	h.mu.Lock()
	h.attempts++
	fail := h.failures > 0
	if fail {
		h.failures--
	}
	h.mu.Unlock()
	if fail {
		return ErrVersionConflict
	}
	return h.HistoryRepoMemory.AppendDose(ctx, patientID, expected, rec)
}

type testEnv struct {
	products     ProductRepository
	history      *HistoryRepoMemory
	appointments AppointmentRepository
	directory    *mockDirectory
	provider     uuid.UUID
}

func newTestEnv(products ...Product) *testEnv {
	env := &testEnv{
		products:     NewProductRepoMemory(),
		history:      NewHistoryRepoMemory(),
		appointments: NewAppointmentRepoMemory(),
		directory:    newMockDirectory(),
	}
	env.provider = env.directory.addProvider()
	for _, p := range products {
		p := p
		if err := env.products.Create(context.Background(), &p); err != nil {
			panic(err)
		}
	}
	return env
}

func (e *testEnv) registrar() *Registrar {
	return NewRegistrar(e.products, e.history, e.appointments, e.directory, zerolog.Nop())
}

func (e *testEnv) service() *Service {
	return NewService(e.products, e.history, e.history, e.appointments, e.directory, zerolog.Nop())
}

func (e *testEnv) request(patient uuid.UUID, p Product, n int) RegisterRequest {
	return RegisterRequest{
		VisitID:            uuid.NewString(),
		PatientID:          patient,
		ProviderID:         e.provider,
		ProductCode:        p.Code,
		VisitTimestamp:     visitTime,
		DeclaredDoseNumber: n,
	}
}
