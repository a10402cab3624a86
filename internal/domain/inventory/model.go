package inventory

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Medication maps to the medication table (drug catalog). Once batches or
// prescriptions reference it only IsActive changes.
type Medication struct {
	ID                   uuid.UUID `db:"id" json:"id"`
	Name                 string    `db:"name" json:"name"`
	GenericName          *string   `db:"generic_name" json:"generic_name,omitempty"`
	Strength             *string   `db:"strength" json:"strength,omitempty"`
	Form                 *string   `db:"form" json:"form,omitempty"`
	DrugCode             *string   `db:"drug_code" json:"drug_code,omitempty"`
	Category             *string   `db:"category" json:"category,omitempty"`
	Controlled           bool      `db:"controlled" json:"controlled_drug"`
	RequiresPrescription bool      `db:"requires_prescription" json:"requires_prescription"`
	IsActive             bool      `db:"is_active" json:"is_active"`
	CreatedAt            time.Time `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time `db:"updated_at" json:"updated_at"`
}

// Batch maps to the inventory_batch table: one received lot of a medication.
// Quantity only grows through Restock; AvailableQuantity stays within [0, Quantity].
type Batch struct {
	ID                uuid.UUID       `db:"id" json:"id"`
	BatchNumber       string          `db:"batch_number" json:"batch_number"`
	MedicationID      uuid.UUID       `db:"medication_id" json:"medication_id"`
	ExpiryDate        time.Time       `db:"expiry_date" json:"expiry_date"`
	Quantity          int             `db:"quantity" json:"quantity"`
	AvailableQuantity int             `db:"available_quantity" json:"available_quantity"`
	UnitCost          decimal.Decimal `db:"unit_cost" json:"unit_cost"`
	SellingPrice      decimal.Decimal `db:"selling_price" json:"selling_price"`
	Supplier          *string         `db:"supplier" json:"supplier,omitempty"`
	IsActive          bool            `db:"is_active" json:"is_active"`
	ReceivedSeq       int64           `db:"received_seq" json:"-"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// Drawable reports whether the allocator may take stock from b.
func (b *Batch) Drawable() bool {
	return b.IsActive && b.AvailableQuantity > 0
}

// FEFOLess orders a before c: soonest expiry first, then receipt order, then id.
func FEFOLess(a, c *Batch) bool {
	if !a.ExpiryDate.Equal(c.ExpiryDate) {
		return a.ExpiryDate.Before(c.ExpiryDate)
	}
	if a.ReceivedSeq != c.ReceivedSeq {
		return a.ReceivedSeq < c.ReceivedSeq
	}
	return a.ID.String() < c.ID.String()
}

// SortFEFO sorts batches in place into first-expire-first-out order.
func SortFEFO(batches []*Batch) {
	sort.SliceStable(batches, func(i, j int) bool {
		return FEFOLess(batches[i], batches[j])
	})
}

// MedicationFilter narrows ListMedications. Zero values match everything.
type MedicationFilter struct {
	Category string
	Active   *bool
	Query    string
}

// ReceiveBatchRequest is the payload for receiving a new lot.
type ReceiveBatchRequest struct {
	BatchNumber  string          `json:"batch_number"`
	ExpiryDate   string          `json:"expiry_date"`
	Quantity     int             `json:"quantity"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	SellingPrice decimal.Decimal `json:"selling_price"`
	Supplier     *string         `json:"supplier,omitempty"`
}

// PricingUpdate replaces the cost and selling price of a batch.
type PricingUpdate struct {
	UnitCost     decimal.Decimal `json:"unit_cost"`
	SellingPrice decimal.Decimal `json:"selling_price"`
}

// Resolution is the quote for a medication at a requested quantity.
type Resolution struct {
	MedicationID      uuid.UUID       `json:"medication_id"`
	MedicationName    string          `json:"medication_name"`
	Requested         int             `json:"requested"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	AvailableQuantity int             `json:"available_quantity"`
	CanFulfill        bool            `json:"can_fulfill"`
}

// StockTotals sums every batch of a medication, active or not.
type StockTotals struct {
	Received        int `json:"received"`
	Available       int `json:"available"`
	ActiveAvailable int `json:"active_available"`
}

// MaxQuantity bounds every stored quantity; the columns are INTEGER.
const MaxQuantity = math.MaxInt32

// DateLayout is the wire format of batch expiry dates.
const DateLayout = "2006-01-02"
