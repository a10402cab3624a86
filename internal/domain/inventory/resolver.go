package inventory

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/pharmacy/internal/platform/apperr"
)

// Resolver quotes a medication: the lowest selling price among its active
// batches and the stock those batches hold. Nothing is reserved.
type Resolver struct {
	medications MedicationRepository
	batches     BatchRepository
}

func NewResolver(meds MedicationRepository, batches BatchRepository) *Resolver {
	return &Resolver{medications: meds, batches: batches}
}

// Resolve fails with a not-found error when the medication is missing or inactive.
func (r *Resolver) Resolve(ctx context.Context, medicationID uuid.UUID, requested int) (*Resolution, error) {
	med, err := r.medications.GetByID(ctx, medicationID)
	if err != nil {
		return nil, err
	}
	if !med.IsActive {
		return nil, apperr.NotFound("medication", medicationID)
	}

	batches, err := r.batches.ListByMedication(ctx, medicationID, true)
	if err != nil {
		return nil, err
	}

	res := &Resolution{
		MedicationID:   medicationID,
		MedicationName: med.Name,
		Requested:      requested,
		UnitPrice:      decimal.Zero,
	}
	priced := false
	for _, b := range batches {
		if !b.IsActive {
			continue
		}
		if !priced || b.SellingPrice.LessThan(res.UnitPrice) {
			res.UnitPrice = b.SellingPrice
			priced = true
		}
		res.AvailableQuantity += b.AvailableQuantity
	}
	res.CanFulfill = res.AvailableQuantity >= requested
	return res, nil
}
