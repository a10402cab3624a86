package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ehr/pharmacy/internal/platform/apperr"
	"github.com/ehr/pharmacy/internal/platform/db"
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
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// translate maps driver errors onto the domain taxonomy.
func translate(err error, what string, id interface{}) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(what, id)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return apperr.Invalidf("%s already exists (%s)", what, pgErr.ConstraintName)
		case "23503":
			return apperr.Invalidf("%s references a missing record (%s)", what, pgErr.ConstraintName)
		case "23514":
			return apperr.Invalidf("%s violates %s", what, pgErr.ConstraintName)
		case "22003":
			return apperr.Invalidf("%s quantity out of range", what)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

// =========== Medication Repository ===========

type medicationRepoPG struct{ pool *pgxpool.Pool }

func NewMedicationRepoPG(pool *pgxpool.Pool) MedicationRepository {
	return &medicationRepoPG{pool: pool}
}

func (r *medicationRepoPG) conn(ctx context.Context) queryable {
	return connFor(ctx, r.pool)
}

const medCols = `id, name, generic_name, strength, form, drug_code, category,
	controlled, requires_prescription, is_active, created_at, updated_at`

func (r *medicationRepoPG) scanMed(row pgx.Row) (*Medication, error) {
	var m Medication
	err := row.Scan(&m.ID, &m.Name, &m.GenericName, &m.Strength, &m.Form, &m.DrugCode, &m.Category,
		&m.Controlled, &m.RequiresPrescription, &m.IsActive, &m.CreatedAt, &m.UpdatedAt)
	return &m, err
}

func (r *medicationRepoPG) Create(ctx context.Context, m *Medication) error {
	m.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO medication (id, name, generic_name, strength, form, drug_code, category,
			controlled, requires_prescription, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		m.ID, m.Name, m.GenericName, m.Strength, m.Form, m.DrugCode, m.Category,
		m.Controlled, m.RequiresPrescription, m.IsActive).Scan(&m.CreatedAt, &m.UpdatedAt)
	return translate(err, "medication", m.ID)
}

func (r *medicationRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Medication, error) {
	m, err := r.scanMed(r.conn(ctx).QueryRow(ctx, `SELECT `+medCols+` FROM medication WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err, "medication", id)
	}
	return m, nil
}

func (r *medicationRepoPG) List(ctx context.Context, f MedicationFilter, limit, offset int) ([]*Medication, int, error) {
	var where []string
	var args []interface{}
	if f.Category != "" {
		args = append(args, f.Category)
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}
	if f.Active != nil {
		args = append(args, *f.Active)
		where = append(where, fmt.Sprintf("is_active = $%d", len(args)))
	}
	if f.Query != "" {
		args = append(args, "%"+strings.ToLower(f.Query)+"%")
		where = append(where, fmt.Sprintf("(lower(name) LIKE $%[1]d OR lower(coalesce(generic_name, '')) LIKE $%[1]d)", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM medication`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count medications: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT `+medCols+` FROM medication%s ORDER BY name, id LIMIT $%d OFFSET $%d`, clause, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list medications: %w", err)
	}
	defer rows.Close()
	var items []*Medication
	for rows.Next() {
		m, err := r.scanMed(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, m)
	}
	return items, total, rows.Err()
}

func (r *medicationRepoPG) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE medication SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return translate(err, "medication", id)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("medication", id)
	}
	return nil
}

// =========== Batch Repository ===========

type batchRepoPG struct{ pool *pgxpool.Pool }

func NewBatchRepoPG(pool *pgxpool.Pool) BatchRepository {
	return &batchRepoPG{pool: pool}
}

func (r *batchRepoPG) conn(ctx context.Context) queryable {
	return connFor(ctx, r.pool)
}

const batchCols = `id, batch_number, medication_id, expiry_date, quantity, available_quantity,
	unit_cost, selling_price, supplier, is_active, received_seq, created_at, updated_at`

const fefoOrder = ` ORDER BY expiry_date, received_seq, id`

func (r *batchRepoPG) scanBatch(row pgx.Row) (*Batch, error) {
	var b Batch
	err := row.Scan(&b.ID, &b.BatchNumber, &b.MedicationID, &b.ExpiryDate, &b.Quantity, &b.AvailableQuantity,
		&b.UnitCost, &b.SellingPrice, &b.Supplier, &b.IsActive, &b.ReceivedSeq, &b.CreatedAt, &b.UpdatedAt)
	return &b, err
}

func (r *batchRepoPG) collect(rows pgx.Rows) ([]*Batch, error) {
	defer rows.Close()
	var items []*Batch
	for rows.Next() {
		b, err := r.scanBatch(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	return items, rows.Err()
}

func (r *batchRepoPG) Create(ctx context.Context, b *Batch) error {
	b.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO inventory_batch (id, batch_number, medication_id, expiry_date, quantity,
			available_quantity, unit_cost, selling_price, supplier, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING received_seq, created_at, updated_at`,
		b.ID, b.BatchNumber, b.MedicationID, b.ExpiryDate, b.Quantity,
		b.AvailableQuantity, b.UnitCost, b.SellingPrice, b.Supplier, b.IsActive,
	).Scan(&b.ReceivedSeq, &b.CreatedAt, &b.UpdatedAt)
	return translate(err, "batch", b.BatchNumber)
}

func (r *batchRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Batch, error) {
	b, err := r.scanBatch(r.conn(ctx).QueryRow(ctx, `SELECT `+batchCols+` FROM inventory_batch WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err, "batch", id)
	}
	return b, nil
}

func (r *batchRepoPG) ListByMedication(ctx context.Context, medicationID uuid.UUID, activeOnly bool) ([]*Batch, error) {
	q := `SELECT ` + batchCols + ` FROM inventory_batch WHERE medication_id = $1`
	if activeOnly {
		q += ` AND is_active`
	}
	rows, err := r.conn(ctx).Query(ctx, q+fefoOrder, medicationID)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	return r.collect(rows)
}

func (r *batchRepoPG) LockForAllocation(ctx context.Context, medicationIDs []uuid.UUID) ([]*Batch, error) {
	if len(medicationIDs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(medicationIDs))
	for i, id := range medicationIDs {
		ids[i] = id.String()
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+batchCols+` FROM inventory_batch
		WHERE medication_id = ANY($1::uuid[]) AND is_active AND available_quantity > 0
		ORDER BY medication_id, id
		FOR UPDATE`, ids)
	if err != nil {
		return nil, fmt.Errorf("lock batches: %w", err)
	}
	return r.collect(rows)
}

func (r *batchRepoPG) Decrement(ctx context.Context, id uuid.UUID, qty int) error {
	if qty <= 0 {
		return apperr.Invalidf("decrement quantity must be positive, got %d", qty)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE inventory_batch
		SET available_quantity = available_quantity - $2, updated_at = NOW()
		WHERE id = $1 AND is_active AND available_quantity >= $2`, id, qty)
	if err != nil {
		return fmt.Errorf("decrement batch %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: batch %s cannot supply %d", apperr.ErrStale, id, qty)
	}
	return nil
}

func (r *batchRepoPG) Restock(ctx context.Context, id uuid.UUID, qty int) (*Batch, error) {
	b, err := r.scanBatch(r.conn(ctx).QueryRow(ctx, `
		UPDATE inventory_batch
		SET quantity = quantity + $2, available_quantity = available_quantity + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+batchCols, id, qty))
	if err != nil {
		return nil, translate(err, "batch", id)
	}
	return b, nil
}

func (r *batchRepoPG) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE inventory_batch SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return translate(err, "batch", id)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("batch", id)
	}
	return nil
}

func (r *batchRepoPG) UpdatePricing(ctx context.Context, id uuid.UUID, unitCost, sellingPrice decimal.Decimal) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE inventory_batch SET unit_cost = $2, selling_price = $3, updated_at = NOW()
		WHERE id = $1`, id, unitCost, sellingPrice)
	if err != nil {
		return translate(err, "batch", id)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("batch", id)
	}
	return nil
}

func (r *batchRepoPG) ListExpiring(ctx context.Context, before time.Time) ([]*Batch, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+batchCols+` FROM inventory_batch
		WHERE is_active AND available_quantity > 0 AND expiry_date <= $1`+fefoOrder, before)
	if err != nil {
		return nil, fmt.Errorf("list expiring batches: %w", err)
	}
	return r.collect(rows)
}

func (r *batchRepoPG) Totals(ctx context.Context, medicationID uuid.UUID) (*StockTotals, error) {
	var t StockTotals
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity), 0),
			COALESCE(SUM(available_quantity), 0),
			COALESCE(SUM(available_quantity) FILTER (WHERE is_active), 0)
		FROM inventory_batch WHERE medication_id = $1`, medicationID,
	).Scan(&t.Received, &t.Available, &t.ActiveAvailable)
	if err != nil {
		return nil, fmt.Errorf("stock totals: %w", err)
	}
	return &t, nil
}
