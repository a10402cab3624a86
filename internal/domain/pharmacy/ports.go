package pharmacy

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TxManager runs fn in one all-or-nothing unit of work. Nested calls join
// the outer transaction.
type TxManager interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// PaymentGate reports what is still owed on a prescription. Zero means it
// may be dispensed.
type PaymentGate interface {
	OutstandingBalance(ctx context.Context, prescriptionID uuid.UUID) (decimal.Decimal, error)
}

// Directory answers whether a referenced person exists.
type Directory interface {
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
}
