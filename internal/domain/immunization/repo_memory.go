package immunization

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// =========== In-memory Product Repository ===========

type productRepoMemory struct {
	mu    sync.RWMutex
	store map[string]Product
}

// NewProductRepoMemory returns a process-local ProductRepository.
func NewProductRepoMemory() ProductRepository {
	return &productRepoMemory{store: make(map[string]Product)}
}

func (r *productRepoMemory) Create(_ context.Context, p *Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.store[p.Code]; ok {
		return ErrDuplicateCode
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	r.store[p.Code] = *p
	return nil
}

func (r *productRepoMemory) GetByCode(_ context.Context, code string) (*Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.store[code]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (r *productRepoMemory) Update(_ context.Context, code string, p *Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.store[code]
	if !ok {
		return ErrNotFound
	}
	if p.Code != code {
		if _, taken := r.store[p.Code]; taken {
			return ErrDuplicateCode
		}
		delete(r.store, code)
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	r.store[p.Code] = *p
	return nil
}

func (r *productRepoMemory) Delete(_ context.Context, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.store[code]; !ok {
		return ErrNotFound
	}
	delete(r.store, code)
	return nil
}

func (r *productRepoMemory) List(_ context.Context, limit, offset int) ([]*Product, int, error) {
	r.mu.RLock()
	all := make([]*Product, 0, len(r.store))
	for _, p := range r.store {
		p := p
		all = append(all, &p)
	}
	r.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool { return all[i].Code < all[j].Code })
	return page(all, limit, offset), len(all), nil
}

// =========== In-memory Appointment Repository ===========

type appointmentRepoMemory struct {
	mu    sync.RWMutex
	seq   atomic.Int64
	store map[uuid.UUID]AppointmentClaim
}

// NewAppointmentRepoMemory returns a process-local AppointmentRepository.
func NewAppointmentRepoMemory() AppointmentRepository {
	return &appointmentRepoMemory{store: make(map[uuid.UUID]AppointmentClaim)}
}

func (r *appointmentRepoMemory) Create(_ context.Context, c *AppointmentClaim) error {
	c.ID = uuid.New()
	c.Seq = r.seq.Add(1)
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	r.mu.Lock()
	r.store[c.ID] = *c
	r.mu.Unlock()
	return nil
}

func (r *appointmentRepoMemory) GetByID(_ context.Context, id uuid.UUID) (*AppointmentClaim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.store[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (r *appointmentRepoMemory) UpdateStatus(_ context.Context, id uuid.UUID, from, to ClaimStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.store[id]
	if !ok {
		return ErrNotFound
	}
	if c.Status != from {
		return ErrClaimNotPending
	}
	c.Status = to
	c.UpdatedAt = time.Now().UTC()
	r.store[id] = c
	return nil
}

func (r *appointmentRepoMemory) FindApprovedClaims(_ context.Context, providerID, patientID uuid.UUID) ([]AppointmentClaim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []AppointmentClaim
	for _, c := range r.store {
		if c.Status == ClaimApproved && c.ProviderID == providerID && c.PatientID == patientID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (r *appointmentRepoMemory) ListByPatient(_ context.Context, patientID uuid.UUID, status ClaimStatus, limit, offset int) ([]*AppointmentClaim, int, error) {
	return r.filter(func(c AppointmentClaim) bool {
		return c.PatientID == patientID && (status == "" || c.Status == status)
	}, limit, offset)
}

func (r *appointmentRepoMemory) ListByProvider(_ context.Context, providerID uuid.UUID, status ClaimStatus, limit, offset int) ([]*AppointmentClaim, int, error) {
	return r.filter(func(c AppointmentClaim) bool {
		return c.ProviderID == providerID && (status == "" || c.Status == status)
	}, limit, offset)
}

func (r *appointmentRepoMemory) filter(keep func(AppointmentClaim) bool, limit, offset int) ([]*AppointmentClaim, int, error) {
	r.mu.RLock()
	var out []*AppointmentClaim
	for _, c := range r.store {
		if keep(c) {
			c := c
			out = append(out, &c)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return page(out, limit, offset), len(out), nil
}

// =========== In-memory History Repository ===========

type patientHistory struct {
	doses   []DoseRecord
	version int
}

// HistoryRepoMemory is a process-local HistoryRepository and VisitRepository.
type HistoryRepoMemory struct {
	mu       sync.RWMutex
	patients map[uuid.UUID]*patientHistory
	visits   map[string]struct{}
}

func NewHistoryRepoMemory() *HistoryRepoMemory {
	return &HistoryRepoMemory{
		patients: make(map[uuid.UUID]*patientHistory),
		visits:   make(map[string]struct{}),
	}
}

func (r *HistoryRepoMemory) Load(_ context.Context, patientID uuid.UUID) (History, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h := History{PatientID: patientID}
	if ph, ok := r.patients[patientID]; ok {
		h.Doses = append([]DoseRecord(nil), ph.doses...)
		h.Version = ph.version
	}
	return h, nil
}

func (r *HistoryRepoMemory) AppendDose(_ context.Context, patientID uuid.UUID, expectedVersion int, rec *DoseRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ph, ok := r.patients[patientID]
	if !ok {
		ph = &patientHistory{}
		r.patients[patientID] = ph
	}
	if ph.version != expectedVersion {
		return ErrVersionConflict
	}
	if rec.VisitID != "" {
		if _, dup := r.visits[rec.VisitID]; dup {
			return ErrDuplicateVisit
		}
		r.visits[rec.VisitID] = struct{}{}
	}
	rec.ID = uuid.New()
	rec.PatientID = patientID
	rec.CreatedAt = time.Now().UTC()
	ph.doses = append(ph.doses, *rec)
	ph.version++
	return nil
}

func (r *HistoryRepoMemory) Exists(_ context.Context, visitID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.visits[visitID]
	return ok, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}
