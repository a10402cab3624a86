package pharmacy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

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

func translate(err error, what string, id interface{}) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(what, id)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return apperr.Invalidf("%s references a missing record (%s)", what, pgErr.ConstraintName)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// =========== Prescription Repository ===========

type prescriptionRepoPG struct{ pool *pgxpool.Pool }

func NewPrescriptionRepoPG(pool *pgxpool.Pool) PrescriptionRepository {
	return &prescriptionRepoPG{pool: pool}
}

func (r *prescriptionRepoPG) conn(ctx context.Context) queryable {
	return connFor(ctx, r.pool)
}

const rxCols = `id, patient_id, prescriber_id, prescription_date, status, total_amount, balance,
	notes, dispensed_by, dispensed_at, cancelled_by, cancelled_at, created_at, updated_at`

const lineCols = `id, prescription_id, medication_id, line_no, quantity, unit_price, total_price,
	dosage, is_paid, created_at`

func (r *prescriptionRepoPG) scanRx(row pgx.Row) (*Prescription, error) {
	var p Prescription
	err := row.Scan(&p.ID, &p.PatientID, &p.PrescriberID, &p.PrescriptionDate, &p.Status,
		&p.TotalAmount, &p.Balance, &p.Notes, &p.DispensedBy, &p.DispensedAt,
		&p.CancelledBy, &p.CancelledAt, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func (r *prescriptionRepoPG) Create(ctx context.Context, p *Prescription) error {
	p.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO prescription (id, patient_id, prescriber_id, prescription_date, status,
			total_amount, balance, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		p.ID, p.PatientID, p.PrescriberID, p.PrescriptionDate, p.Status,
		p.TotalAmount, p.Balance, p.Notes).Scan(&p.CreatedAt, &p.UpdatedAt)
	return translate(err, "prescription", p.ID)
}

func (r *prescriptionRepoPG) get(ctx context.Context, id uuid.UUID, lock bool) (*Prescription, error) {
	q := `SELECT ` + rxCols + ` FROM prescription WHERE id = $1`
	if lock {
		q += ` FOR UPDATE`
	}
	p, err := r.scanRx(r.conn(ctx).QueryRow(ctx, q, id))
	if err != nil {
		return nil, translate(err, "prescription", id)
	}
	p.Lines, err = r.lines(ctx, id)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *prescriptionRepoPG) lines(ctx context.Context, prescriptionID uuid.UUID) ([]*PrescriptionLine, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+lineCols+` FROM prescription_line
		WHERE prescription_id = $1 ORDER BY line_no`, prescriptionID)
	if err != nil {
		return nil, fmt.Errorf("load prescription lines: %w", err)
	}
	defer rows.Close()
	lines := []*PrescriptionLine{}
	for rows.Next() {
		var l PrescriptionLine
		if err := rows.Scan(&l.ID, &l.PrescriptionID, &l.MedicationID, &l.LineNo, &l.Quantity,
			&l.UnitPrice, &l.TotalPrice, &l.Dosage, &l.IsPaid, &l.CreatedAt); err != nil {
			return nil, err
		}
		lines = append(lines, &l)
	}
	return lines, rows.Err()
}

func (r *prescriptionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return r.get(ctx, id, false)
}

func (r *prescriptionRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return r.get(ctx, id, true)
}

func (r *prescriptionRepoPG) UpdateHeader(ctx context.Context, p *Prescription) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE prescription SET status = $2, total_amount = $3, balance = $4, notes = $5,
			dispensed_by = $6, dispensed_at = $7, cancelled_by = $8, cancelled_at = $9,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, p.Status, p.TotalAmount, p.Balance, p.Notes,
		p.DispensedBy, p.DispensedAt, p.CancelledBy, p.CancelledAt).Scan(&p.UpdatedAt)
	return translate(err, "prescription", p.ID)
}

func (r *prescriptionRepoPG) List(ctx context.Context, f PrescriptionFilter, limit, offset int) ([]*Prescription, int, error) {
	var where []string
	var args []interface{}
	if f.PatientID != nil {
		args = append(args, *f.PatientID)
		where = append(where, fmt.Sprintf("patient_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM prescription`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count prescriptions: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT `+rxCols+` FROM prescription%s ORDER BY prescription_date DESC, id LIMIT $%d OFFSET $%d`,
			clause, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list prescriptions: %w", err)
	}
	var items []*Prescription
	for rows.Next() {
		p, err := r.scanRx(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		items = append(items, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for _, p := range items {
		if p.Lines, err = r.lines(ctx, p.ID); err != nil {
			return nil, 0, err
		}
	}
	return items, total, nil
}

func (r *prescriptionRepoPG) AddLine(ctx context.Context, l *PrescriptionLine) error {
	l.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO prescription_line (id, prescription_id, medication_id, line_no, quantity,
			unit_price, total_price, dosage, is_paid)
		VALUES ($1, $2, $3,
			(SELECT COALESCE(MAX(line_no), 0) + 1 FROM prescription_line WHERE prescription_id = $2),
			$4, $5, $6, $7, $8)
		RETURNING line_no, created_at`,
		l.ID, l.PrescriptionID, l.MedicationID, l.Quantity,
		l.UnitPrice, l.TotalPrice, l.Dosage, l.IsPaid).Scan(&l.LineNo, &l.CreatedAt)
	return translate(err, "prescription line", l.ID)
}

func (r *prescriptionRepoPG) RemoveLine(ctx context.Context, prescriptionID, lineID uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM prescription_line WHERE id = $1 AND prescription_id = $2`, lineID, prescriptionID)
	if err != nil {
		return translate(err, "prescription line", lineID)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("prescription line", lineID)
	}
	return nil
}

func (r *prescriptionRepoPG) MarkLinePaid(ctx context.Context, lineID uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE prescription_line SET is_paid = TRUE WHERE id = $1`, lineID)
	if err != nil {
		return translate(err, "prescription line", lineID)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("prescription line", lineID)
	}
	return nil
}

// =========== Dispense Record Repository ===========

type dispenseRecordRepoPG struct{ pool *pgxpool.Pool }

func NewDispenseRecordRepoPG(pool *pgxpool.Pool) DispenseRecordRepository {
	return &dispenseRecordRepoPG{pool: pool}
}

func (r *dispenseRecordRepoPG) conn(ctx context.Context) queryable {
	return connFor(ctx, r.pool)
}

func (r *dispenseRecordRepoPG) Create(ctx context.Context, rec *DispenseRecord) error {
	rec.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO dispense_record (id, prescription_id, line_id, batch_id, medication_id,
			batch_number, expiry_date, quantity, dispensed_by, dispensed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rec.ID, rec.PrescriptionID, rec.LineID, rec.BatchID, rec.MedicationID,
		rec.BatchNumber, rec.ExpiryDate, rec.Quantity, rec.DispensedBy, rec.DispensedAt)
	return translate(err, "dispense record", rec.ID)
}

func (r *dispenseRecordRepoPG) ListByPrescription(ctx context.Context, prescriptionID uuid.UUID) ([]*DispenseRecord, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT d.id, d.prescription_id, d.line_id, d.batch_id, d.medication_id,
			d.batch_number, d.expiry_date, d.quantity, d.dispensed_by, d.dispensed_at
		FROM dispense_record d
		JOIN prescription_line l ON l.id = d.line_id
		WHERE d.prescription_id = $1
		ORDER BY l.line_no, d.expiry_date, d.id`, prescriptionID)
	if err != nil {
		return nil, fmt.Errorf("list dispense records: %w", err)
	}
	defer rows.Close()
	items := []*DispenseRecord{}
	for rows.Next() {
		var d DispenseRecord
		if err := rows.Scan(&d.ID, &d.PrescriptionID, &d.LineID, &d.BatchID, &d.MedicationID,
			&d.BatchNumber, &d.ExpiryDate, &d.Quantity, &d.DispensedBy, &d.DispensedAt); err != nil {
			return nil, err
		}
		items = append(items, &d)
	}
	return items, rows.Err()
}

func (r *dispenseRecordRepoPG) SumByMedication(ctx context.Context, medicationID uuid.UUID) (int, error) {
	var total int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM dispense_record WHERE medication_id = $1`, medicationID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum dispensed: %w", err)
	}
	return total, nil
}
