package pharmacy

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the prescription lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusDispensed Status = "DISPENSED"
	StatusCancelled Status = "CANCELLED"
)

// Prescription maps to the prescription table. TotalAmount is always the sum
// of the line totals; Balance starts equal to it.
type Prescription struct {
	ID               uuid.UUID           `db:"id" json:"id"`
	PatientID        uuid.UUID           `db:"patient_id" json:"patient_id"`
	PrescriberID     uuid.UUID           `db:"prescriber_id" json:"prescriber_id"`
	PrescriptionDate time.Time           `db:"prescription_date" json:"prescription_date"`
	Status           Status              `db:"status" json:"status"`
	TotalAmount      decimal.Decimal     `db:"total_amount" json:"total_amount"`
	Balance          decimal.Decimal     `db:"balance" json:"balance"`
	Notes            *string             `db:"notes" json:"notes,omitempty"`
	DispensedBy      *string             `db:"dispensed_by" json:"dispensed_by,omitempty"`
	DispensedAt      *time.Time          `db:"dispensed_at" json:"dispensed_at,omitempty"`
	CancelledBy      *string             `db:"cancelled_by" json:"cancelled_by,omitempty"`
	CancelledAt      *time.Time          `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CreatedAt        time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time           `db:"updated_at" json:"updated_at"`
	Lines            []*PrescriptionLine `json:"lines"`
}

// PrescriptionLine maps to the prescription_line table. UnitPrice is the
// quote at the time the line was added and is never re-derived.
type PrescriptionLine struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	PrescriptionID uuid.UUID       `db:"prescription_id" json:"prescription_id"`
	MedicationID   uuid.UUID       `db:"medication_id" json:"medication_id"`
	LineNo         int             `db:"line_no" json:"line_no"`
	Quantity       int             `db:"quantity" json:"quantity"`
	UnitPrice      decimal.Decimal `db:"unit_price" json:"unit_price"`
	TotalPrice     decimal.Decimal `db:"total_price" json:"total_price"`
	Dosage         *string         `db:"dosage" json:"dosage,omitempty"`
	IsPaid         bool            `db:"is_paid" json:"is_paid"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// DispenseRecord maps to the dispense_record table: one draw of one line
// from one batch. Records are never updated or deleted.
type DispenseRecord struct {
	ID             uuid.UUID `db:"id" json:"id"`
	PrescriptionID uuid.UUID `db:"prescription_id" json:"prescription_id"`
	LineID         uuid.UUID `db:"line_id" json:"line_id"`
	BatchID        uuid.UUID `db:"batch_id" json:"batch_id"`
	MedicationID   uuid.UUID `db:"medication_id" json:"medication_id"`
	BatchNumber    string    `db:"batch_number" json:"batch_number"`
	ExpiryDate     time.Time `db:"expiry_date" json:"expiry_date"`
	Quantity       int       `db:"quantity" json:"quantity"`
	DispensedBy    string    `db:"dispensed_by" json:"dispensed_by"`
	DispensedAt    time.Time `db:"dispensed_at" json:"dispensed_at"`
}

// LineRequest asks for quantity units of a medication.
type LineRequest struct {
	MedicationID uuid.UUID `json:"medication_id"`
	Quantity     int       `json:"quantity"`
	Dosage       *string   `json:"dosage,omitempty"`
}

type CreatePrescriptionRequest struct {
	PatientID    uuid.UUID     `json:"patient_id"`
	PrescriberID uuid.UUID     `json:"prescriber_id"`
	Notes        *string       `json:"notes,omitempty"`
	Lines        []LineRequest `json:"lines"`
}

// PrescriptionFilter narrows ListPrescriptions. Zero values match everything.
type PrescriptionFilter struct {
	PatientID *uuid.UUID
	Status    Status
}

// LineAvailability reports stock for one line. Available is the stock of the
// line's medication across active batches, shared by every line of that medication.
type LineAvailability struct {
	LineID       uuid.UUID `json:"line_id"`
	MedicationID uuid.UUID `json:"medication_id"`
	Required     int       `json:"required"`
	Available    int       `json:"available"`
	CanFulfill   bool      `json:"can_fulfill"`
}

type AvailabilityReport struct {
	PrescriptionID uuid.UUID          `json:"prescription_id"`
	Status         Status             `json:"status"`
	PerLine        []LineAvailability `json:"per_line"`
	CanDispenseAll bool               `json:"can_dispense_all"`
}

type DispenseResult struct {
	Prescription    *Prescription     `json:"prescription"`
	DispenseRecords []*DispenseRecord `json:"dispense_records"`
	Message         string            `json:"message"`
}

// StockReconciliation checks received == available + dispensed for a medication.
type StockReconciliation struct {
	MedicationID uuid.UUID `json:"medication_id"`
	Received     int       `json:"received"`
	Available    int       `json:"available"`
	Dispensed    int       `json:"dispensed"`
	Balanced     bool      `json:"balanced"`
}
