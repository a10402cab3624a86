package inventory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type MedicationRepository interface {
	Create(ctx context.Context, m *Medication) error
	GetByID(ctx context.Context, id uuid.UUID) (*Medication, error)
	List(ctx context.Context, f MedicationFilter, limit, offset int) ([]*Medication, int, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

type BatchRepository interface {
	Create(ctx context.Context, b *Batch) error
	GetByID(ctx context.Context, id uuid.UUID) (*Batch, error)
	// ListByMedication returns batches in FEFO order.
	ListByMedication(ctx context.Context, medicationID uuid.UUID, activeOnly bool) ([]*Batch, error)
	// LockForAllocation row-locks every drawable batch of the given
	// medications. Locks are taken in (medication_id, id) order; the result
	// is returned in that order too.
	LockForAllocation(ctx context.Context, medicationIDs []uuid.UUID) ([]*Batch, error)
	// Decrement atomically removes qty from the batch's available stock. It
	// returns apperr.ErrStale when the batch no longer holds qty units.
	Decrement(ctx context.Context, id uuid.UUID, qty int) error
	Restock(ctx context.Context, id uuid.UUID, qty int) (*Batch, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	UpdatePricing(ctx context.Context, id uuid.UUID, unitCost, sellingPrice decimal.Decimal) error
	// ListExpiring returns active batches with stock expiring on or before the given day.
	ListExpiring(ctx context.Context, before time.Time) ([]*Batch, error)
	Totals(ctx context.Context, medicationID uuid.UUID) (*StockTotals, error)
}
