package pharmacy

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/pharmacy/internal/platform/apperr"
)

// Dispense hands out every line of a paid PENDING prescription from stock in
// FEFO order. It is all-or-nothing: any failure rolls back every decrement and
// record made during the attempt. When batch stock changes underneath an
// attempt the whole transaction is retried, up to maxRetries attempts.
func (s *Service) Dispense(ctx context.Context, prescriptionID uuid.UUID, actorID string) (*DispenseResult, error) {
	if actorID == "" {
		return nil, apperr.Invalid("an actor is required to dispense")
	}

	log := s.logger.With().
		Str("prescription_id", prescriptionID.String()).
		Str("actor", actorID).
		Logger()

	for attempt := 1; ; attempt++ {
		var result *DispenseResult
		err := s.tx.InTx(ctx, func(ctx context.Context) error {
			var err error
			result, err = s.dispenseOnce(ctx, prescriptionID, actorID)
			return err
		})
		if err == nil {
			log.Info().
				Int("records", len(result.DispenseRecords)).
				Int("attempt", attempt).
				Msg("prescription dispensed")
			return result, nil
		}
		if !errors.Is(err, apperr.ErrStale) {
			log.Debug().Err(err).Str("kind", string(apperr.KindOf(err))).Msg("dispense rejected")
			return nil, err
		}
		if attempt >= s.maxRetries {
			log.Warn().Err(err).Int("attempts", attempt).Msg("dispense gave up on concurrent stock changes")
			return nil, apperr.ConcurrencyConflict(attempt)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("stock changed during dispense; retrying")
	}
}

// dispenseOnce is one attempt, run inside a transaction.
func (s *Service) dispenseOnce(ctx context.Context, prescriptionID uuid.UUID, actorID string) (*DispenseResult, error) {
	p, err := s.prescriptions.GetForUpdate(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusPending {
		return nil, apperr.InvalidStatef("prescription %s is %s; only %s prescriptions can be dispensed", p.ID, p.Status, StatusPending)
	}
	if len(p.Lines) == 0 {
		return nil, apperr.InvalidStatef("prescription %s has no lines to dispense", p.ID)
	}

	balance, err := s.gate.OutstandingBalance(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("payment gate: %w", err)
	}
	if balance.GreaterThan(decimal.Zero) {
		return nil, apperr.PaymentRequired(balance)
	}

	medIDs := make([]uuid.UUID, 0, len(p.Lines))
	seen := make(map[uuid.UUID]bool, len(p.Lines))
	for _, l := range p.Lines {
		if !seen[l.MedicationID] {
			seen[l.MedicationID] = true
			medIDs = append(medIDs, l.MedicationID)
		}
	}
	// A deactivated medication reports no stock in CheckAvailability, so it
	// cannot be dispensed either.
	inactive := make(map[uuid.UUID]string)
	for _, id := range medIDs {
		med, err := s.medications.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if !med.IsActive {
			inactive[id] = med.Name
		}
	}
	for _, l := range p.Lines {
		if name, ok := inactive[l.MedicationID]; ok {
			return nil, apperr.InsufficientStock(l.MedicationID, name, l.Quantity, 0)
		}
	}

	locked, err := s.batches.LockForAllocation(ctx, medIDs)
	if err != nil {
		return nil, err
	}
	pools := poolsByMedication(locked)

	now := s.now()
	var records []*DispenseRecord
	for _, line := range p.Lines {
		draws, short := allocate(pools[line.MedicationID], line.Quantity)
		if short > 0 {
			return nil, s.shortfall(ctx, line, line.Quantity-short)
		}
		for _, d := range draws {
			if err := s.batches.Decrement(ctx, d.batch.ID, d.qty); err != nil {
				return nil, err
			}
			d.batch.AvailableQuantity -= d.qty

			rec := &DispenseRecord{
				PrescriptionID: p.ID,
				LineID:         line.ID,
				BatchID:        d.batch.ID,
				MedicationID:   line.MedicationID,
				BatchNumber:    d.batch.BatchNumber,
				ExpiryDate:     d.batch.ExpiryDate,
				Quantity:       d.qty,
				DispensedBy:    actorID,
				DispensedAt:    now,
			}
			if err := s.records.Create(ctx, rec); err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
		if err := s.prescriptions.MarkLinePaid(ctx, line.ID); err != nil {
			return nil, err
		}
		line.IsPaid = true
	}

	if err := CanTransition(p.Status, StatusDispensed); err != nil {
		return nil, err
	}
	p.Status = StatusDispensed
	p.DispensedBy = &actorID
	p.DispensedAt = &now
	if err := s.prescriptions.UpdateHeader(ctx, p); err != nil {
		return nil, err
	}

	return &DispenseResult{
		Prescription:    p,
		DispenseRecords: records,
		Message:         fmt.Sprintf("dispensed %d line(s) from %d batch draw(s)", len(p.Lines), len(records)),
	}, nil
}

// shortfall builds the insufficient-stock error for a line, naming the medication.
func (s *Service) shortfall(ctx context.Context, line *PrescriptionLine, available int) error {
	name := ""
	if med, err := s.medications.GetByID(ctx, line.MedicationID); err == nil {
		name = med.Name
	}
	return apperr.InsufficientStock(line.MedicationID, name, line.Quantity, available)
}
