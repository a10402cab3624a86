package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ehr/pharmacy/internal/platform/apperr"
	"github.com/ehr/pharmacy/internal/platform/db"
)

// invoiceTotals summarises the non-void invoices of a prescription.
type invoiceTotals struct {
	Count    int
	Invoiced decimal.Decimal // sum of total_amount
	Due      decimal.Decimal // sum of total_amount - amount_paid
}

// balanceSource reads what is owed on a prescription.
type balanceSource interface {
	Invoices(ctx context.Context, prescriptionID uuid.UUID) (invoiceTotals, error)
	// Prescription returns the current total_amount and balance.
	Prescription(ctx context.Context, prescriptionID uuid.UUID) (total, balance decimal.Decimal, err error)
}

// InvoiceGate reports the outstanding balance from the invoice table. A
// prescription that has not been invoiced yet owes its own balance; one that
// grew after invoicing also owes the uninvoiced remainder of its total.
type InvoiceGate struct {
	src balanceSource
}

func NewInvoiceGate(pool *pgxpool.Pool) *InvoiceGate {
	return &InvoiceGate{src: &pgSource{pool: pool}}
}

func (g *InvoiceGate) OutstandingBalance(ctx context.Context, prescriptionID uuid.UUID) (decimal.Decimal, error) {
	total, balance, err := g.src.Prescription(ctx, prescriptionID)
	if err != nil {
		return decimal.Zero, err
	}
	inv, err := g.src.Invoices(ctx, prescriptionID)
	if err != nil {
		return decimal.Zero, err
	}

	owed := balance
	if inv.Count > 0 {
		owed = inv.Due
		if uninvoiced := total.Sub(inv.Invoiced); uninvoiced.IsPositive() {
			owed = owed.Add(uninvoiced)
		}
	}
	if owed.IsNegative() {
		return decimal.Zero, nil
	}
	return owed, nil
}

// NoneGate treats every prescription as settled. Development only.
type NoneGate struct{}

func (NoneGate) OutstandingBalance(context.Context, uuid.UUID) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type queryable interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type pgSource struct{ pool *pgxpool.Pool }

// conn prefers the caller's transaction, then the tenant connection.
func (s *pgSource) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

func (s *pgSource) Invoices(ctx context.Context, prescriptionID uuid.UUID) (invoiceTotals, error) {
	var t invoiceTotals
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_amount), 0), COALESCE(SUM(total_amount - amount_paid), 0)
		FROM invoice
		WHERE prescription_id = $1 AND status <> 'void'`, prescriptionID).Scan(&t.Count, &t.Invoiced, &t.Due)
	if err != nil {
		return invoiceTotals{}, fmt.Errorf("invoice totals: %w", err)
	}
	return t, nil
}

func (s *pgSource) Prescription(ctx context.Context, prescriptionID uuid.UUID) (decimal.Decimal, decimal.Decimal, error) {
	var total, balance decimal.Decimal
	err := s.conn(ctx).QueryRow(ctx, `SELECT total_amount, balance FROM prescription WHERE id = $1`, prescriptionID).
		Scan(&total, &balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, decimal.Zero, apperr.NotFound("prescription", prescriptionID)
	}
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("prescription balance: %w", err)
	}
	return total, balance, nil
}
