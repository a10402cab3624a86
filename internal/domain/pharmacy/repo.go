package pharmacy

import (
	"context"

	"github.com/google/uuid"
)

type PrescriptionRepository interface {
	// Create inserts the header only; lines are added with AddLine.
	Create(ctx context.Context, p *Prescription) error
	// GetByID loads the header and its lines in line order.
	GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error)
	// GetForUpdate is GetByID with the header row locked until the
	// surrounding transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Prescription, error)
	UpdateHeader(ctx context.Context, p *Prescription) error
	List(ctx context.Context, f PrescriptionFilter, limit, offset int) ([]*Prescription, int, error)
	// AddLine assigns the line id and the next line number.
	AddLine(ctx context.Context, l *PrescriptionLine) error
	RemoveLine(ctx context.Context, prescriptionID, lineID uuid.UUID) error
	MarkLinePaid(ctx context.Context, lineID uuid.UUID) error
}

type DispenseRecordRepository interface {
	Create(ctx context.Context, r *DispenseRecord) error
	ListByPrescription(ctx context.Context, prescriptionID uuid.UUID) ([]*DispenseRecord, error)
	SumByMedication(ctx context.Context, medicationID uuid.UUID) (int, error)
}
