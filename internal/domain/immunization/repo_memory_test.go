package immunization

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestHistoryRepoMemory_AppendDose(t *testing.T) {
	repo := NewHistoryRepoMemory()
	ctx := context.Background()
	patient := uuid.New()

	h, _ := repo.Load(ctx, patient)
	if h.Version != 0 || len(h.Doses) != 0 {
		t.Fatalf("expected empty history, got %+v", h)
	}

	rec := dose(pfizer(), 1, visitTime)
	rec.VisitID = "v-1"
	if err := repo.AppendDose(ctx, patient, 0, &rec); err != nil {
		t.Fatalf("AppendDose: %v", err)
	}
	if rec.ID == uuid.Nil || rec.PatientID != patient {
		t.Errorf("expected id and patient assigned, got %+v", rec)
	}

	stale := dose(pfizer(), 2, visitTime)
	if err := repo.AppendDose(ctx, patient, 0, &stale); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}

	dup := dose(pfizer(), 2, visitTime)
	dup.VisitID = "v-1"
	if err := repo.AppendDose(ctx, patient, 1, &dup); !errors.Is(err, ErrDuplicateVisit) {
		t.Errorf("expected ErrDuplicateVisit, got %v", err)
	}

	h, _ = repo.Load(ctx, patient)
	if h.Version != 1 || len(h.Doses) != 1 {
		t.Errorf("expected one dose at version 1, got %+v", h)
	}
	if ok, _ := repo.Exists(ctx, "v-1"); !ok {
		t.Error("expected visit v-1 to exist")
	}
	if ok, _ := repo.Exists(ctx, "v-2"); ok {
		t.Error("expected visit v-2 not to exist")
	}
}

func TestHistoryRepoMemory_LoadReturnsCopy(t *testing.T) {
	repo := NewHistoryRepoMemory()
	ctx := context.Background()
	patient := uuid.New()
	rec := dose(pfizer(), 1, visitTime)
	_ = repo.AppendDose(ctx, patient, 0, &rec)

	h, _ := repo.Load(ctx, patient)
	h.Doses[0].DoseNumber = 99

	again, _ := repo.Load(ctx, patient)
	if again.Doses[0].DoseNumber != 1 {
		t.Error("Load must not expose stored records")
	}
}

func TestProductRepoMemory(t *testing.T) {
	repo := NewProductRepoMemory()
	ctx := context.Background()

	for _, p := range []Product{moderna(), pfizer(), jnj()} {
		p := p
		if err := repo.Create(ctx, &p); err != nil {
			t.Fatalf("Create %s: %v", p.Code, err)
		}
	}
	dup := pfizer()
	if err := repo.Create(ctx, &dup); !errors.Is(err, ErrDuplicateCode) {
		t.Errorf("expected ErrDuplicateCode, got %v", err)
	}

	items, total, _ := repo.List(ctx, 2, 0)
	if total != 3 || len(items) != 2 || items[0].Code != pfizer().Code {
		t.Errorf("expected first page sorted by code, got total=%d items=%v", total, items)
	}
	items, _, _ = repo.List(ctx, 2, 2)
	if len(items) != 1 || items[0].Code != jnj().Code {
		t.Errorf("unexpected second page: %v", items)
	}

	renamed := pfizer()
	renamed.Code = "1111-1111-99"
	if err := repo.Update(ctx, pfizer().Code, &renamed); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := repo.GetByCode(ctx, pfizer().Code); !errors.Is(err, ErrNotFound) {
		t.Errorf("old code should be gone, got %v", err)
	}
	taken := moderna()
	taken.Code = jnj().Code
	if err := repo.Update(ctx, moderna().Code, &taken); !errors.Is(err, ErrDuplicateCode) {
		t.Errorf("expected ErrDuplicateCode on rename collision, got %v", err)
	}

	if err := repo.Delete(ctx, jnj().Code); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := repo.Delete(ctx, jnj().Code); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAppointmentRepoMemory_Listing(t *testing.T) {
	repo := NewAppointmentRepoMemory()
	ctx := context.Background()
	patient, provider := uuid.New(), uuid.New()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		c := &AppointmentClaim{PatientID: patient, ProviderID: provider, RequestedAt: visitTime, Status: ClaimPending}
		_ = repo.Create(ctx, c)
		ids = append(ids, c.ID)
	}
	_ = repo.UpdateStatus(ctx, ids[1], ClaimPending, ClaimApproved)

	pending, total, _ := repo.ListByPatient(ctx, patient, ClaimPending, 0, 0)
	if total != 2 || pending[0].ID != ids[0] || pending[1].ID != ids[2] {
		t.Errorf("expected pending claims in creation order, got %v", pending)
	}
	all, total, _ := repo.ListByProvider(ctx, provider, "", 0, 0)
	if total != 3 || len(all) != 3 {
		t.Errorf("expected 3 claims, got %d", total)
	}
	approved, _ := repo.FindApprovedClaims(ctx, provider, patient)
	if len(approved) != 1 || approved[0].ID != ids[1] {
		t.Errorf("unexpected approved claims: %v", approved)
	}
	if err := repo.UpdateStatus(ctx, uuid.New(), ClaimPending, ClaimDenied); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := repo.UpdateStatus(ctx, ids[1], ClaimPending, ClaimDenied); !errors.Is(err, ErrClaimNotPending) {
		t.Errorf("expected ErrClaimNotPending, got %v", err)
	}
	if c, _ := repo.GetByID(ctx, ids[1]); c.Status != ClaimApproved {
		t.Errorf("decided claim must keep its status, got %s", c.Status)
	}
}
