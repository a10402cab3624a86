package pharmacy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ehr/pharmacy/internal/domain/inventory"
	"github.com/ehr/pharmacy/internal/platform/apperr"
)

const defaultMaxRetries = 3

type Service struct {
	medications   inventory.MedicationRepository
	batches       inventory.BatchRepository
	resolver      *inventory.Resolver
	prescriptions PrescriptionRepository
	records       DispenseRecordRepository
	gate          PaymentGate
	patients      Directory
	staff         Directory
	tx            TxManager
	logger        zerolog.Logger
	maxRetries    int
	now           func() time.Time
}

func NewService(
	meds inventory.MedicationRepository,
	batches inventory.BatchRepository,
	prescriptions PrescriptionRepository,
	records DispenseRecordRepository,
	gate PaymentGate,
	patients Directory,
	staff Directory,
	tx TxManager,
) *Service {
	return &Service{
		medications:   meds,
		batches:       batches,
		resolver:      inventory.NewResolver(meds, batches),
		prescriptions: prescriptions,
		records:       records,
		gate:          gate,
		patients:      patients,
		staff:         staff,
		tx:            tx,
		logger:        zerolog.Nop(),
		maxRetries:    defaultMaxRetries,
		now:           time.Now,
	}
}

func (s *Service) SetLogger(logger zerolog.Logger) {
	s.logger = logger.With().Str("component", "pharmacy").Logger()
}

// SetMaxRetries bounds how many times a dispense transaction is attempted
// when batch stock changes underneath it.
func (s *Service) SetMaxRetries(n int) {
	if n < 1 {
		n = 1
	}
	s.maxRetries = n
}

func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) checkExists(ctx context.Context, dir Directory, kind string, id uuid.UUID) error {
	ok, err := dir.Exists(ctx, id)
	if err != nil {
		return fmt.Errorf("look up %s %s: %w", kind, id, err)
	}
	if !ok {
		return apperr.Invalidf("%s %s does not exist", kind, id)
	}
	return nil
}

// quoteLines prices reqs at the current best active-batch price. Stock is
// checked against total demand per medication, counting existing lines, so
// two lines of one drug cannot each pass on the same units.
func (s *Service) quoteLines(ctx context.Context, reqs []LineRequest, existing []*PrescriptionLine) ([]*PrescriptionLine, error) {
	demand := make(map[uuid.UUID]int)
	for _, l := range existing {
		demand[l.MedicationID] += l.Quantity
	}
	for i, r := range reqs {
		if r.MedicationID == uuid.Nil {
			return nil, apperr.Invalidf("line %d: medication_id is required", i+1)
		}
		if r.Quantity <= 0 || r.Quantity > inventory.MaxQuantity {
			return nil, apperr.Invalidf("line %d: quantity must be between 1 and %d, got %d", i+1, inventory.MaxQuantity, r.Quantity)
		}
		if demand[r.MedicationID] > inventory.MaxQuantity-r.Quantity {
			return nil, apperr.Invalidf("line %d: total quantity of medication %s exceeds %d", i+1, r.MedicationID, inventory.MaxQuantity)
		}
		demand[r.MedicationID] += r.Quantity
	}

	quotes := make(map[uuid.UUID]*inventory.Resolution)
	lines := make([]*PrescriptionLine, 0, len(reqs))
	for _, r := range reqs {
		q, ok := quotes[r.MedicationID]
		if !ok {
			var err error
			q, err = s.resolver.Resolve(ctx, r.MedicationID, demand[r.MedicationID])
			if err != nil {
				return nil, err
			}
			if !q.CanFulfill {
				return nil, apperr.InsufficientStock(r.MedicationID, q.MedicationName, q.Requested, q.AvailableQuantity)
			}
			quotes[r.MedicationID] = q
		}
		lines = append(lines, &PrescriptionLine{
			MedicationID: r.MedicationID,
			Quantity:     r.Quantity,
			UnitPrice:    q.UnitPrice,
			TotalPrice:   q.UnitPrice.Mul(decimal.NewFromInt(int64(r.Quantity))),
			Dosage:       r.Dosage,
		})
	}
	return lines, nil
}

// CreatePrescription validates references, prices every line and stores the
// prescription as PENDING. Stock is checked, not reserved.
func (s *Service) CreatePrescription(ctx context.Context, req *CreatePrescriptionRequest) (*Prescription, error) {
	if req.PatientID == uuid.Nil {
		return nil, apperr.Invalid("patient_id is required")
	}
	if req.PrescriberID == uuid.Nil {
		return nil, apperr.Invalid("prescriber_id is required")
	}
	if len(req.Lines) == 0 {
		return nil, apperr.Invalid("a prescription needs at least one line")
	}
	if err := s.checkExists(ctx, s.patients, "patient", req.PatientID); err != nil {
		return nil, err
	}
	if err := s.checkExists(ctx, s.staff, "prescriber", req.PrescriberID); err != nil {
		return nil, err
	}

	var out *Prescription
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		lines, err := s.quoteLines(ctx, req.Lines, nil)
		if err != nil {
			return err
		}
		total := decimal.Zero
		for _, l := range lines {
			total = total.Add(l.TotalPrice)
		}

		p := &Prescription{
			PatientID:        req.PatientID,
			PrescriberID:     req.PrescriberID,
			PrescriptionDate: s.now(),
			Status:           StatusPending,
			TotalAmount:      total,
			Balance:          total,
			Notes:            req.Notes,
		}
		if err := s.prescriptions.Create(ctx, p); err != nil {
			return err
		}
		for _, l := range lines {
			l.PrescriptionID = p.ID
			if err := s.prescriptions.AddLine(ctx, l); err != nil {
				return err
			}
		}
		p.Lines = lines
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("prescription_id", out.ID.String()).
		Int("lines", len(out.Lines)).
		Str("total", out.TotalAmount.StringFixed(2)).
		Msg("prescription created")
	return out, nil
}

// AddLine appends a priced line to a PENDING prescription.
func (s *Service) AddLine(ctx context.Context, prescriptionID uuid.UUID, req LineRequest) (*PrescriptionLine, error) {
	var out *PrescriptionLine
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.prescriptions.GetForUpdate(ctx, prescriptionID)
		if err != nil {
			return err
		}
		if err := requireEditable(p); err != nil {
			return err
		}
		lines, err := s.quoteLines(ctx, []LineRequest{req}, p.Lines)
		if err != nil {
			return err
		}
		l := lines[0]
		l.PrescriptionID = p.ID
		if err := s.prescriptions.AddLine(ctx, l); err != nil {
			return err
		}
		p.TotalAmount = p.TotalAmount.Add(l.TotalPrice)
		p.Balance = p.Balance.Add(l.TotalPrice)
		if err := s.prescriptions.UpdateHeader(ctx, p); err != nil {
			return err
		}
		out = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RemoveLine drops a line from a PENDING prescription, reducing the totals by
// the line's stored price.
func (s *Service) RemoveLine(ctx context.Context, prescriptionID, lineID uuid.UUID) error {
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.prescriptions.GetForUpdate(ctx, prescriptionID)
		if err != nil {
			return err
		}
		if err := requireEditable(p); err != nil {
			return err
		}
		var line *PrescriptionLine
		for _, l := range p.Lines {
			if l.ID == lineID {
				line = l
				break
			}
		}
		if line == nil {
			return apperr.NotFound("prescription line", lineID)
		}
		if err := s.prescriptions.RemoveLine(ctx, p.ID, lineID); err != nil {
			return err
		}
		p.TotalAmount = p.TotalAmount.Sub(line.TotalPrice)
		p.Balance = p.Balance.Sub(line.TotalPrice)
		if p.Balance.IsNegative() {
			p.Balance = decimal.Zero
		}
		return s.prescriptions.UpdateHeader(ctx, p)
	})
}

// Cancel moves a PENDING prescription to CANCELLED.
func (s *Service) Cancel(ctx context.Context, prescriptionID uuid.UUID, actorID string) (*Prescription, error) {
	if actorID == "" {
		return nil, apperr.Invalid("an actor is required to cancel")
	}
	var out *Prescription
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.prescriptions.GetForUpdate(ctx, prescriptionID)
		if err != nil {
			return err
		}
		if err := CanTransition(p.Status, StatusCancelled); err != nil {
			return err
		}
		now := s.now()
		p.Status = StatusCancelled
		p.CancelledBy = &actorID
		p.CancelledAt = &now
		if err := s.prescriptions.UpdateHeader(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("prescription_id", prescriptionID.String()).Str("actor", actorID).Msg("prescription cancelled")
	return out, nil
}

func (s *Service) GetPrescription(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return s.prescriptions.GetByID(ctx, id)
}

func (s *Service) ListPrescriptions(ctx context.Context, f PrescriptionFilter, limit, offset int) ([]*Prescription, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, apperr.Invalidf("unknown status %q", f.Status)
	}
	return s.prescriptions.List(ctx, f, limit, offset)
}

func (s *Service) ListDispenseRecords(ctx context.Context, prescriptionID uuid.UUID) ([]*DispenseRecord, error) {
	if _, err := s.prescriptions.GetByID(ctx, prescriptionID); err != nil {
		return nil, err
	}
	return s.records.ListByPrescription(ctx, prescriptionID)
}

// CheckAvailability reports current stock against each line. An inactive
// medication counts as having no stock.
func (s *Service) CheckAvailability(ctx context.Context, prescriptionID uuid.UUID) (*AvailabilityReport, error) {
	p, err := s.prescriptions.GetByID(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}

	demand := make(map[uuid.UUID]int)
	for _, l := range p.Lines {
		demand[l.MedicationID] += l.Quantity
	}
	available := make(map[uuid.UUID]int, len(demand))
	for medID, qty := range demand {
		res, err := s.resolver.Resolve(ctx, medID, qty)
		switch {
		case apperr.Is(err, apperr.KindNotFound):
			available[medID] = 0
		case err != nil:
			return nil, err
		default:
			available[medID] = res.AvailableQuantity
		}
	}

	report := &AvailabilityReport{
		PrescriptionID: p.ID,
		Status:         p.Status,
		PerLine:        make([]LineAvailability, 0, len(p.Lines)),
		CanDispenseAll: p.Status == StatusPending && len(p.Lines) > 0,
	}
	for _, l := range p.Lines {
		avail := available[l.MedicationID]
		report.PerLine = append(report.PerLine, LineAvailability{
			LineID:       l.ID,
			MedicationID: l.MedicationID,
			Required:     l.Quantity,
			Available:    avail,
			CanFulfill:   avail >= l.Quantity,
		})
	}
	for medID, qty := range demand {
		if available[medID] < qty {
			report.CanDispenseAll = false
		}
	}
	return report, nil
}

// ReconcileStock checks that every unit received for a medication is either
// still in a batch or recorded as dispensed.
func (s *Service) ReconcileStock(ctx context.Context, medicationID uuid.UUID) (*StockReconciliation, error) {
	if _, err := s.medications.GetByID(ctx, medicationID); err != nil {
		return nil, err
	}
	totals, err := s.batches.Totals(ctx, medicationID)
	if err != nil {
		return nil, err
	}
	dispensed, err := s.records.SumByMedication(ctx, medicationID)
	if err != nil {
		return nil, err
	}
	rec := &StockReconciliation{
		MedicationID: medicationID,
		Received:     totals.Received,
		Available:    totals.Available,
		Dispensed:    dispensed,
		Balanced:     totals.Received == totals.Available+dispensed,
	}
	if !rec.Balanced {
		s.logger.Warn().
			Str("medication_id", medicationID.String()).
			Int("received", rec.Received).
			Int("available", rec.Available).
			Int("dispensed", rec.Dispensed).
			Msg("stock ledger out of balance")
	}
	return rec, nil
}
