package immunization

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/vaxreg/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// =========== Product Repository ===========

type productRepoPG struct{ pool *pgxpool.Pool }

func NewProductRepoPG(pool *pgxpool.Pool) ProductRepository {
	return &productRepoPG{pool: pool}
}

const productCols = `code, name, description, dose_count, interval_unit, interval_amount,
	age_min, age_max, created_at, updated_at`

func (r *productRepoPG) scanProduct(row pgx.Row) (*Product, error) {
	var p Product
	var unit *string
	var amount *int
	err := row.Scan(&p.Code, &p.Name, &p.Description, &p.DoseCount, &unit, &amount,
		&p.AgeRange.Min, &p.AgeRange.Max, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if unit != nil && amount != nil {
		p.DoseInterval = &DoseInterval{Unit: IntervalUnit(*unit), Amount: *amount}
	}
	return &p, nil
}

func intervalArgs(p *Product) (*string, *int) {
	if p.DoseInterval == nil || p.SingleDose() {
		return nil, nil
	}
	unit := string(p.DoseInterval.Unit)
	amount := p.DoseInterval.Amount
	return &unit, &amount
}

func (r *productRepoPG) Create(ctx context.Context, p *Product) error {
	unit, amount := intervalArgs(p)
	err := connFor(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO vaccine_product (code, name, description, dose_count,
			interval_unit, interval_amount, age_min, age_max)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		p.Code, p.Name, p.Description, p.DoseCount, unit, amount,
		p.AgeRange.Min, p.AgeRange.Max).Scan(&p.CreatedAt, &p.UpdatedAt)
	if isUniqueViolation(err, "") {
		return ErrDuplicateCode
	}
	return err
}

func (r *productRepoPG) GetByCode(ctx context.Context, code string) (*Product, error) {
	return r.scanProduct(connFor(ctx, r.pool).QueryRow(ctx,
		`SELECT `+productCols+` FROM vaccine_product WHERE code = $1`, code))
}

func (r *productRepoPG) Update(ctx context.Context, code string, p *Product) error {
	unit, amount := intervalArgs(p)
	tag, err := connFor(ctx, r.pool).Exec(ctx, `
		UPDATE vaccine_product SET code=$2, name=$3, description=$4, dose_count=$5,
			interval_unit=$6, interval_amount=$7, age_min=$8, age_max=$9, updated_at=NOW()
		WHERE code = $1`,
		code, p.Code, p.Name, p.Description, p.DoseCount, unit, amount,
		p.AgeRange.Min, p.AgeRange.Max)
	if isUniqueViolation(err, "") {
		return ErrDuplicateCode
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *productRepoPG) Delete(ctx context.Context, code string) error {
	tag, err := connFor(ctx, r.pool).Exec(ctx, `DELETE FROM vaccine_product WHERE code = $1`, code)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *productRepoPG) List(ctx context.Context, limit, offset int) ([]*Product, int, error) {
	var total int
	if err := connFor(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM vaccine_product`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := connFor(ctx, r.pool).Query(ctx,
		`SELECT `+productCols+` FROM vaccine_product ORDER BY code LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Product
	for rows.Next() {
		p, err := r.scanProduct(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

const claimCols = `id, seq, patient_id, provider_id, product_code, requested_at,
	status, comments, created_at, updated_at`

func (r *appointmentRepoPG) scanClaim(row pgx.Row) (*AppointmentClaim, error) {
	var c AppointmentClaim
	var status string
	err := row.Scan(&c.ID, &c.Seq, &c.PatientID, &c.ProviderID, &c.ProductCode, &c.RequestedAt,
		&status, &c.Comments, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	c.Status = ClaimStatus(status)
	return &c, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, c *AppointmentClaim) error {
	c.ID = uuid.New()
	return connFor(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO vaccine_appointment (id, patient_id, provider_id, product_code,
			requested_at, status, comments)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING seq, created_at, updated_at`,
		c.ID, c.PatientID, c.ProviderID, c.ProductCode, c.RequestedAt, string(c.Status), c.Comments,
	).Scan(&c.Seq, &c.CreatedAt, &c.UpdatedAt)
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*AppointmentClaim, error) {
	return r.scanClaim(connFor(ctx, r.pool).QueryRow(ctx,
		`SELECT `+claimCols+` FROM vaccine_appointment WHERE id = $1`, id))
}

func (r *appointmentRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, from, to ClaimStatus) error {
	conn := connFor(ctx, r.pool)
	tag, err := conn.Exec(ctx,
		`UPDATE vaccine_appointment SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := conn.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM vaccine_appointment WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrClaimNotPending
}

func (r *appointmentRepoPG) FindApprovedClaims(ctx context.Context, providerID, patientID uuid.UUID) ([]AppointmentClaim, error) {
	rows, err := connFor(ctx, r.pool).Query(ctx, `SELECT `+claimCols+` FROM vaccine_appointment
		WHERE provider_id = $1 AND patient_id = $2 AND status = $3 ORDER BY seq`,
		providerID, patientID, string(ClaimApproved))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []AppointmentClaim
	for rows.Next() {
		c, err := r.scanClaim(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *c)
	}
	return items, rows.Err()
}

func (r *appointmentRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, status ClaimStatus, limit, offset int) ([]*AppointmentClaim, int, error) {
	return r.list(ctx, "patient_id", patientID, status, limit, offset)
}

func (r *appointmentRepoPG) ListByProvider(ctx context.Context, providerID uuid.UUID, status ClaimStatus, limit, offset int) ([]*AppointmentClaim, int, error) {
	return r.list(ctx, "provider_id", providerID, status, limit, offset)
}

// list filters by a fixed column name; column is never user input.
func (r *appointmentRepoPG) list(ctx context.Context, column string, id uuid.UUID, status ClaimStatus, limit, offset int) ([]*AppointmentClaim, int, error) {
	where := fmt.Sprintf(`%s = $1 AND ($2 = '' OR status = $2)`, column)
	var total int
	if err := connFor(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM vaccine_appointment WHERE `+where, id, string(status)).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := connFor(ctx, r.pool).Query(ctx,
		`SELECT `+claimCols+` FROM vaccine_appointment WHERE `+where+` ORDER BY seq LIMIT $3 OFFSET $4`,
		id, string(status), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*AppointmentClaim
	for rows.Next() {
		c, err := r.scanClaim(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

// =========== History Repository ===========

type HistoryRepoPG struct{ pool *pgxpool.Pool }

// NewHistoryRepoPG returns a Postgres backed history store. The returned
// value also implements VisitRepository.
func NewHistoryRepoPG(pool *pgxpool.Pool) *HistoryRepoPG {
	return &HistoryRepoPG{pool: pool}
}

const doseCols = `id, patient_id, product_code, dose_number, series_doses, administered_at,
	visit_id, provider_id, appointment_id, cross_brand_completion, notes, created_at`

func (r *HistoryRepoPG) scanDose(row pgx.Row) (DoseRecord, error) {
	var d DoseRecord
	var visitID *string
	err := row.Scan(&d.ID, &d.PatientID, &d.ProductCode, &d.DoseNumber, &d.SeriesDoses, &d.AdministeredAt,
		&visitID, &d.ProviderID, &d.AppointmentID, &d.CrossBrandCompletion, &d.Notes, &d.CreatedAt)
	if visitID != nil {
		d.VisitID = *visitID
	}
	return d, err
}

func (r *HistoryRepoPG) Load(ctx context.Context, patientID uuid.UUID) (History, error) {
	h := History{PatientID: patientID}
	c := connFor(ctx, r.pool)
	err := c.QueryRow(ctx,
		`SELECT version FROM patient_vaccination_version WHERE patient_id = $1`, patientID).Scan(&h.Version)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return History{}, err
	}
	rows, err := c.Query(ctx, `SELECT `+doseCols+` FROM vaccine_dose
		WHERE patient_id = $1 ORDER BY administered_at, created_at`, patientID)
	if err != nil {
		return History{}, err
	}
	defer rows.Close()
	for rows.Next() {
		d, err := r.scanDose(rows)
		if err != nil {
			return History{}, err
		}
		h.Doses = append(h.Doses, d)
	}
	return h, rows.Err()
}

func (r *HistoryRepoPG) AppendDose(ctx context.Context, patientID uuid.UUID, expectedVersion int, rec *DoseRecord) error {
	rec.ID = uuid.New()
	rec.PatientID = patientID
	var visitID *string
	if rec.VisitID != "" {
		visitID = &rec.VisitID
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		c := connFor(ctx, r.pool)
		var tag pgconn.CommandTag
		var err error
		if expectedVersion == 0 {
			tag, err = c.Exec(ctx, `INSERT INTO patient_vaccination_version (patient_id, version)
				VALUES ($1, 1) ON CONFLICT (patient_id) DO NOTHING`, patientID)
		} else {
			tag, err = c.Exec(ctx, `UPDATE patient_vaccination_version SET version = version + 1
				WHERE patient_id = $1 AND version = $2`, patientID, expectedVersion)
		}
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}
		err = c.QueryRow(ctx, `
			INSERT INTO vaccine_dose (id, patient_id, product_code, dose_number, series_doses,
				administered_at, visit_id, provider_id, appointment_id, cross_brand_completion, notes)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			RETURNING created_at`,
			rec.ID, rec.PatientID, rec.ProductCode, rec.DoseNumber, rec.SeriesDoses,
			rec.AdministeredAt, visitID, rec.ProviderID, rec.AppointmentID,
			rec.CrossBrandCompletion, rec.Notes).Scan(&rec.CreatedAt)
		switch {
		case isUniqueViolation(err, "vaccine_dose_visit_id_key"):
			return ErrDuplicateVisit
		case isUniqueViolation(err, ""):
			return ErrVersionConflict
		}
		return err
	})
}

func (r *HistoryRepoPG) Exists(ctx context.Context, visitID string) (bool, error) {
	var exists bool
	err := connFor(ctx, r.pool).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM vaccine_dose WHERE visit_id = $1)`, visitID).Scan(&exists)
	return exists, err
}

// isUniqueViolation reports a unique_violation, optionally on one constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
