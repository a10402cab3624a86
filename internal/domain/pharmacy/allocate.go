package pharmacy

import (
	"github.com/google/uuid"

	"github.com/ehr/pharmacy/internal/domain/inventory"
)

// draw is a planned removal of qty units from one batch.
type draw struct {
	batch *inventory.Batch
	qty   int
}

// allocate walks pool, which must already be in FEFO order, taking
// min(remaining, available) from each drawable batch until need is met.
// It returns the draws and the units it could not place. pool is not modified.
func allocate(pool []*inventory.Batch, need int) ([]draw, int) {
	var draws []draw
	remaining := need
	for _, b := range pool {
		if remaining == 0 {
			break
		}
		if !b.Drawable() {
			continue
		}
		take := b.AvailableQuantity
		if take > remaining {
			take = remaining
		}
		draws = append(draws, draw{batch: b, qty: take})
		remaining -= take
	}
	return draws, remaining
}

// poolsByMedication groups locked batches per medication in FEFO order.
func poolsByMedication(batches []*inventory.Batch) map[uuid.UUID][]*inventory.Batch {
	pools := make(map[uuid.UUID][]*inventory.Batch)
	for _, b := range batches {
		pools[b.MedicationID] = append(pools[b.MedicationID], b)
	}
	for _, pool := range pools {
		inventory.SortFEFO(pool)
	}
	return pools
}
