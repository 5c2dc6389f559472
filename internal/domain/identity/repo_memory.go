package identity

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type patientRepoMemory struct {
	mu    sync.RWMutex
	store map[uuid.UUID]Patient
}

// NewPatientRepoMemory returns a process-local PatientRepository.
func NewPatientRepoMemory() PatientRepository {
	return &patientRepoMemory{store: make(map[uuid.UUID]Patient)}
}

func (r *patientRepoMemory) Create(_ context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	r.mu.Lock()
	r.store[p.ID] = *p
	r.mu.Unlock()
	return nil
}

func (r *patientRepoMemory) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.store[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (r *patientRepoMemory) List(_ context.Context, limit, offset int) ([]*Patient, int, error) {
	r.mu.RLock()
	all := make([]*Patient, 0, len(r.store))
	for _, p := range r.store {
		p := p
		all = append(all, &p)
	}
	r.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool {
		if all[i].LastName != all[j].LastName {
			return all[i].LastName < all[j].LastName
		}
		return all[i].FirstName < all[j].FirstName
	})
	return window(all, limit, offset), len(all), nil
}

type practRepoMemory struct {
	mu    sync.RWMutex
	store map[uuid.UUID]Practitioner
}

// NewPractitionerRepoMemory returns a process-local PractitionerRepository.
func NewPractitionerRepoMemory() PractitionerRepository {
	return &practRepoMemory{store: make(map[uuid.UUID]Practitioner)}
}

func (r *practRepoMemory) Create(_ context.Context, p *Practitioner) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	r.mu.Lock()
	r.store[p.ID] = *p
	r.mu.Unlock()
	return nil
}

func (r *practRepoMemory) GetByID(_ context.Context, id uuid.UUID) (*Practitioner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.store[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (r *practRepoMemory) List(_ context.Context, limit, offset int) ([]*Practitioner, int, error) {
	r.mu.RLock()
	all := make([]*Practitioner, 0, len(r.store))
	for _, p := range r.store {
		p := p
		all = append(all, &p)
	}
	r.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool { return all[i].LastName < all[j].LastName })
	return window(all, limit, offset), len(all), nil
}

func window[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}
