package inventory

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/pharmacy/internal/platform/apperr"
)

type Service struct {
	medications MedicationRepository
	batches     BatchRepository
	now         func() time.Time
}

func NewService(meds MedicationRepository, batches BatchRepository) *Service {
	return &Service{
		medications: meds,
		batches:     batches,
		now:         time.Now,
	}
}

// SetClock replaces the service clock. Used by tests of the expiry window.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// -- Medication --

func (s *Service) CreateMedication(ctx context.Context, m *Medication) error {
	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		return apperr.Invalid("name is required")
	}
	if m.DrugCode != nil && strings.TrimSpace(*m.DrugCode) == "" {
		m.DrugCode = nil
	}
	m.IsActive = true
	return s.medications.Create(ctx, m)
}

func (s *Service) GetMedication(ctx context.Context, id uuid.UUID) (*Medication, error) {
	return s.medications.GetByID(ctx, id)
}

func (s *Service) ListMedications(ctx context.Context, f MedicationFilter, limit, offset int) ([]*Medication, int, error) {
	return s.medications.List(ctx, f, limit, offset)
}

func (s *Service) SetMedicationActive(ctx context.Context, id uuid.UUID, active bool) (*Medication, error) {
	if err := s.medications.SetActive(ctx, id, active); err != nil {
		return nil, err
	}
	return s.medications.GetByID(ctx, id)
}

// -- Batches --

func validPrices(unitCost, sellingPrice decimal.Decimal) error {
	if unitCost.IsNegative() {
		return apperr.Invalid("unit_cost must not be negative")
	}
	if sellingPrice.IsNegative() {
		return apperr.Invalid("selling_price must not be negative")
	}
	return nil
}

// ReceiveBatch records a new lot with all of its units available.
func (s *Service) ReceiveBatch(ctx context.Context, medicationID uuid.UUID, req *ReceiveBatchRequest) (*Batch, error) {
	if _, err := s.medications.GetByID(ctx, medicationID); err != nil {
		return nil, err
	}
	number := strings.TrimSpace(req.BatchNumber)
	if number == "" {
		return nil, apperr.Invalid("batch_number is required")
	}
	if req.Quantity <= 0 || req.Quantity > MaxQuantity {
		return nil, apperr.Invalidf("quantity must be between 1 and %d, got %d", MaxQuantity, req.Quantity)
	}
	if err := validPrices(req.UnitCost, req.SellingPrice); err != nil {
		return nil, err
	}
	expiry, err := time.Parse(DateLayout, req.ExpiryDate)
	if err != nil {
		return nil, apperr.Invalidf("expiry_date must be YYYY-MM-DD, got %q", req.ExpiryDate)
	}

	b := &Batch{
		BatchNumber:       number,
		MedicationID:      medicationID,
		ExpiryDate:        expiry,
		Quantity:          req.Quantity,
		AvailableQuantity: req.Quantity,
		UnitCost:          req.UnitCost,
		SellingPrice:      req.SellingPrice,
		Supplier:          req.Supplier,
		IsActive:          true,
	}
	if err := s.batches.Create(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Restock adds qty units to both the received and the available quantity of a lot.
func (s *Service) Restock(ctx context.Context, batchID uuid.UUID, qty int) (*Batch, error) {
	if qty <= 0 || qty > MaxQuantity {
		return nil, apperr.Invalidf("restock quantity must be between 1 and %d, got %d", MaxQuantity, qty)
	}
	b, err := s.batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Quantity > MaxQuantity-qty {
		return nil, apperr.Invalidf("batch %s holds %d units; restocking %d would exceed %d", b.BatchNumber, b.Quantity, qty, MaxQuantity)
	}
	return s.batches.Restock(ctx, batchID, qty)
}

func (s *Service) SetBatchActive(ctx context.Context, batchID uuid.UUID, active bool) (*Batch, error) {
	if err := s.batches.SetActive(ctx, batchID, active); err != nil {
		return nil, err
	}
	return s.batches.GetByID(ctx, batchID)
}

// UpdateBatchPricing changes future quotes only. Lines already on a
// prescription keep the price they were created with.
func (s *Service) UpdateBatchPricing(ctx context.Context, batchID uuid.UUID, p PricingUpdate) (*Batch, error) {
	if err := validPrices(p.UnitCost, p.SellingPrice); err != nil {
		return nil, err
	}
	if err := s.batches.UpdatePricing(ctx, batchID, p.UnitCost, p.SellingPrice); err != nil {
		return nil, err
	}
	return s.batches.GetByID(ctx, batchID)
}

func (s *Service) GetBatch(ctx context.Context, id uuid.UUID) (*Batch, error) {
	return s.batches.GetByID(ctx, id)
}

func (s *Service) ListBatches(ctx context.Context, medicationID uuid.UUID) ([]*Batch, error) {
	if _, err := s.medications.GetByID(ctx, medicationID); err != nil {
		return nil, err
	}
	return s.batches.ListByMedication(ctx, medicationID, false)
}

// ExpiringBatches lists active stock expiring within the next withinDays days.
func (s *Service) ExpiringBatches(ctx context.Context, withinDays int) ([]*Batch, error) {
	if withinDays < 0 {
		return nil, apperr.Invalidf("days must not be negative, got %d", withinDays)
	}
	y, m, d := s.now().Date()
	cutoff := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, withinDays)
	return s.batches.ListExpiring(ctx, cutoff)
}

func (s *Service) StockTotals(ctx context.Context, medicationID uuid.UUID) (*StockTotals, error) {
	return s.batches.Totals(ctx, medicationID)
}
