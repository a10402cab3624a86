package pharmacy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/pharmacy/internal/domain/inventory"
	"github.com/ehr/pharmacy/internal/platform/apperr"
)

// memStore is an in-memory stand-in for the database. Transactions are
// serialized and roll back by restoring a snapshot taken at begin.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	meds      map[uuid.UUID]*inventory.Medication
	batches   map[uuid.UUID]*inventory.Batch
	rxs       map[uuid.UUID]*Prescription
	lines     map[uuid.UUID]*PrescriptionLine
	records   []*DispenseRecord
	seq       int64
	txCount   int
	rollbacks int
}

func newMemStore() *memStore {
	return &memStore{
		meds:    make(map[uuid.UUID]*inventory.Medication),
		batches: make(map[uuid.UUID]*inventory.Batch),
		rxs:     make(map[uuid.UUID]*Prescription),
		lines:   make(map[uuid.UUID]*PrescriptionLine),
	}
}

type memTxKey struct{}

type memSnapshot struct {
	batches map[uuid.UUID]inventory.Batch
	meds    map[uuid.UUID]inventory.Medication
	rxs     map[uuid.UUID]Prescription
	lines   map[uuid.UUID]PrescriptionLine
	records int
}

func (s *memStore) snapshot() memSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := memSnapshot{
		batches: make(map[uuid.UUID]inventory.Batch, len(s.batches)),
		meds:    make(map[uuid.UUID]inventory.Medication, len(s.meds)),
		rxs:     make(map[uuid.UUID]Prescription, len(s.rxs)),
		lines:   make(map[uuid.UUID]PrescriptionLine, len(s.lines)),
		records: len(s.records),
	}
	for id, b := range s.batches {
		snap.batches[id] = *b
	}
	for id, m := range s.meds {
		snap.meds[id] = *m
	}
	for id, p := range s.rxs {
		snap.rxs[id] = *p
	}
	for id, l := range s.lines {
		snap.lines[id] = *l
	}
	return snap
}

func (s *memStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = make(map[uuid.UUID]*inventory.Batch, len(snap.batches))
	for id, b := range snap.batches {
		b := b
		s.batches[id] = &b
	}
	s.meds = make(map[uuid.UUID]*inventory.Medication, len(snap.meds))
	for id, m := range snap.meds {
		m := m
		s.meds[id] = &m
	}
	s.rxs = make(map[uuid.UUID]*Prescription, len(snap.rxs))
	for id, p := range snap.rxs {
		p := p
		s.rxs[id] = &p
	}
	s.lines = make(map[uuid.UUID]*PrescriptionLine, len(snap.lines))
	for id, l := range snap.lines {
		l := l
		s.lines[id] = &l
	}
	s.records = s.records[:snap.records]
	s.rollbacks++
}

func (s *memStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.txCount++
	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// -- seeding helpers --

func (s *memStore) addMedication(name string) *inventory.Medication {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := &inventory.Medication{ID: uuid.New(), Name: name, IsActive: true, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	s.meds[m.ID] = m
	cp := *m
	return &cp
}

func (s *memStore) addBatch(medID uuid.UUID, number, expiry string, qty int, price string) *inventory.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, err := time.Parse(inventory.DateLayout, expiry)
	if err != nil {
		panic(err)
	}
	s.seq++
	b := &inventory.Batch{
		ID:                uuid.New(),
		BatchNumber:       number,
		MedicationID:      medID,
		ExpiryDate:        exp,
		Quantity:          qty,
		AvailableQuantity: qty,
		UnitCost:          decimal.RequireFromString(price),
		SellingPrice:      decimal.RequireFromString(price),
		IsActive:          true,
		ReceivedSeq:       s.seq,
	}
	s.batches[b.ID] = b
	cp := *b
	return &cp
}

func (s *memStore) batch(id uuid.UUID) inventory.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.batches[id]
}

func (s *memStore) setBatchActive(id uuid.UUID, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[id].IsActive = active
}

func (s *memStore) setMedicationActive(id uuid.UUID, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meds[id].IsActive = active
}

func (s *memStore) recordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// -- inventory.MedicationRepository --

type memMedRepo struct{ s *memStore }

func (r memMedRepo) Create(_ context.Context, m *inventory.Medication) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m.ID = uuid.New()
	cp := *m
	r.s.meds[m.ID] = &cp
	return nil
}

func (r memMedRepo) GetByID(_ context.Context, id uuid.UUID) (*inventory.Medication, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.meds[id]
	if !ok {
		return nil, apperr.NotFound("medication", id)
	}
	cp := *m
	return &cp, nil
}

func (r memMedRepo) List(_ context.Context, f inventory.MedicationFilter, limit, offset int) ([]*inventory.Medication, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*inventory.Medication
	for _, m := range r.s.meds {
		if f.Query != "" && !strings.Contains(strings.ToLower(m.Name), strings.ToLower(f.Query)) {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	return out, len(out), nil
}

func (r memMedRepo) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.meds[id]
	if !ok {
		return apperr.NotFound("medication", id)
	}
	m.IsActive = active
	return nil
}

// -- inventory.BatchRepository --

type memBatchRepo struct{ s *memStore }

func (r memBatchRepo) Create(_ context.Context, b *inventory.Batch) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.seq++
	b.ID = uuid.New()
	b.ReceivedSeq = r.s.seq
	cp := *b
	r.s.batches[b.ID] = &cp
	return nil
}

func (r memBatchRepo) GetByID(_ context.Context, id uuid.UUID) (*inventory.Batch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.batches[id]
	if !ok {
		return nil, apperr.NotFound("batch", id)
	}
	cp := *b
	return &cp, nil
}

func (r memBatchRepo) ListByMedication(_ context.Context, medicationID uuid.UUID, activeOnly bool) ([]*inventory.Batch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*inventory.Batch
	for _, b := range r.s.batches {
		if b.MedicationID == medicationID && (!activeOnly || b.IsActive) {
			cp := *b
			out = append(out, &cp)
		}
	}
	inventory.SortFEFO(out)
	return out, nil
}

// LockForAllocation returns copies so the caller's bookkeeping cannot leak
// into the store without going through Decrement.
func (r memBatchRepo) LockForAllocation(_ context.Context, medicationIDs []uuid.UUID) ([]*inventory.Batch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(medicationIDs))
	for _, id := range medicationIDs {
		want[id] = true
	}
	var out []*inventory.Batch
	for _, b := range r.s.batches {
		if want[b.MedicationID] && b.Drawable() {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (r memBatchRepo) Decrement(_ context.Context, id uuid.UUID, qty int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.batches[id]
	if !ok || !b.IsActive || b.AvailableQuantity < qty {
		return fmt.Errorf("%w: batch %s", apperr.ErrStale, id)
	}
	b.AvailableQuantity -= qty
	return nil
}

func (r memBatchRepo) Restock(_ context.Context, id uuid.UUID, qty int) (*inventory.Batch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.batches[id]
	if !ok {
		return nil, apperr.NotFound("batch", id)
	}
	b.Quantity += qty
	b.AvailableQuantity += qty
	cp := *b
	return &cp, nil
}

func (r memBatchRepo) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.batches[id]
	if !ok {
		return apperr.NotFound("batch", id)
	}
	b.IsActive = active
	return nil
}

func (r memBatchRepo) UpdatePricing(_ context.Context, id uuid.UUID, unitCost, sellingPrice decimal.Decimal) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.batches[id]
	if !ok {
		return apperr.NotFound("batch", id)
	}
	b.UnitCost = unitCost
	b.SellingPrice = sellingPrice
	return nil
}

func (r memBatchRepo) ListExpiring(_ context.Context, before time.Time) ([]*inventory.Batch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*inventory.Batch
	for _, b := range r.s.batches {
		if b.IsActive && b.AvailableQuantity > 0 && !b.ExpiryDate.After(before) {
			cp := *b
			out = append(out, &cp)
		}
	}
	inventory.SortFEFO(out)
	return out, nil
}

func (r memBatchRepo) Totals(_ context.Context, medicationID uuid.UUID) (*inventory.StockTotals, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t := &inventory.StockTotals{}
	for _, b := range r.s.batches {
		if b.MedicationID != medicationID {
			continue
		}
		t.Received += b.Quantity
		t.Available += b.AvailableQuantity
		if b.IsActive {
			t.ActiveAvailable += b.AvailableQuantity
		}
	}
	return t, nil
}

// -- PrescriptionRepository --

type memRxRepo struct{ s *memStore }

func (r memRxRepo) Create(_ context.Context, p *Prescription) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	cp.Lines = nil
	r.s.rxs[p.ID] = &cp
	return nil
}

func (r memRxRepo) load(id uuid.UUID) (*Prescription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.rxs[id]
	if !ok {
		return nil, apperr.NotFound("prescription", id)
	}
	cp := *p
	cp.Lines = []*PrescriptionLine{}
	for _, l := range r.s.lines {
		if l.PrescriptionID == id {
			lc := *l
			cp.Lines = append(cp.Lines, &lc)
		}
	}
	sort.Slice(cp.Lines, func(i, j int) bool { return cp.Lines[i].LineNo < cp.Lines[j].LineNo })
	return &cp, nil
}

func (r memRxRepo) GetByID(_ context.Context, id uuid.UUID) (*Prescription, error) {
	return r.load(id)
}

func (r memRxRepo) GetForUpdate(_ context.Context, id uuid.UUID) (*Prescription, error) {
	return r.load(id)
}

func (r memRxRepo) UpdateHeader(_ context.Context, p *Prescription) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.rxs[p.ID]; !ok {
		return apperr.NotFound("prescription", p.ID)
	}
	cp := *p
	cp.Lines = nil
	cp.UpdatedAt = time.Now()
	r.s.rxs[p.ID] = &cp
	return nil
}

func (r memRxRepo) List(_ context.Context, f PrescriptionFilter, limit, offset int) ([]*Prescription, int, error) {
	r.s.mu.Lock()
	var ids []uuid.UUID
	for id, p := range r.s.rxs {
		if f.PatientID != nil && p.PatientID != *f.PatientID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		ids = append(ids, id)
	}
	r.s.mu.Unlock()

	var out []*Prescription
	for _, id := range ids {
		p, err := r.load(id)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (r memRxRepo) AddLine(_ context.Context, l *PrescriptionLine) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.rxs[l.PrescriptionID]; !ok {
		return apperr.Invalidf("prescription %s does not exist", l.PrescriptionID)
	}
	next := 1
	for _, existing := range r.s.lines {
		if existing.PrescriptionID == l.PrescriptionID && existing.LineNo >= next {
			next = existing.LineNo + 1
		}
	}
	l.ID = uuid.New()
	l.LineNo = next
	l.CreatedAt = time.Now()
	cp := *l
	r.s.lines[l.ID] = &cp
	return nil
}

func (r memRxRepo) RemoveLine(_ context.Context, prescriptionID, lineID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.lines[lineID]
	if !ok || l.PrescriptionID != prescriptionID {
		return apperr.NotFound("prescription line", lineID)
	}
	delete(r.s.lines, lineID)
	return nil
}

func (r memRxRepo) MarkLinePaid(_ context.Context, lineID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.lines[lineID]
	if !ok {
		return apperr.NotFound("prescription line", lineID)
	}
	l.IsPaid = true
	return nil
}

// -- DispenseRecordRepository --

type memRecordRepo struct{ s *memStore }

func (r memRecordRepo) Create(_ context.Context, rec *DispenseRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec.ID = uuid.New()
	cp := *rec
	r.s.records = append(r.s.records, &cp)
	return nil
}

func (r memRecordRepo) ListByPrescription(_ context.Context, prescriptionID uuid.UUID) ([]*DispenseRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*DispenseRecord
	for _, rec := range r.s.records {
		if rec.PrescriptionID == prescriptionID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r memRecordRepo) SumByMedication(_ context.Context, medicationID uuid.UUID) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sum := 0
	for _, rec := range r.s.records {
		if rec.MedicationID == medicationID {
			sum += rec.Quantity
		}
	}
	return sum, nil
}

// -- collaborators --

// fakeGate reports a fixed outstanding balance per prescription; unknown
// prescriptions are fully paid.
type fakeGate struct {
	mu       sync.Mutex
	balances map[uuid.UUID]decimal.Decimal
	err      error
}

func newFakeGate() *fakeGate {
	return &fakeGate{balances: make(map[uuid.UUID]decimal.Decimal)}
}

func (g *fakeGate) set(id uuid.UUID, amount string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balances[id] = decimal.RequireFromString(amount)
}

func (g *fakeGate) OutstandingBalance(_ context.Context, id uuid.UUID) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return decimal.Zero, g.err
	}
	return g.balances[id], nil
}

// fakeDirectory knows a fixed set of people.
type fakeDirectory map[uuid.UUID]bool

func (d fakeDirectory) Exists(_ context.Context, id uuid.UUID) (bool, error) {
	return d[id], nil
}

// staleBatchRepo fails the first n decrements as if another transaction had
// taken the stock.
type staleBatchRepo struct {
	memBatchRepo
	mu    sync.Mutex
	n     int
	calls int
}

func (r *staleBatchRepo) Decrement(ctx context.Context, id uuid.UUID, qty int) error {
	r.mu.Lock()
	r.calls++
	fail := r.calls <= r.n
	r.mu.Unlock()
	if fail {
		return fmt.Errorf("%w: batch %s", apperr.ErrStale, id)
	}
	return r.memBatchRepo.Decrement(ctx, id, qty)
}

// fixture bundles a service over a fresh memStore with one known patient and prescriber.
type fixture struct {
	store      *memStore
	gate       *fakeGate
	svc        *Service
	patient    uuid.UUID
	prescriber uuid.UUID
}

func newFixture() *fixture {
	return newFixtureWithBatches(nil)
}

func newFixtureWithBatches(batches inventory.BatchRepository) *fixture {
	store := newMemStore()
	if batches == nil {
		batches = memBatchRepo{s: store}
	}
	gate := newFakeGate()
	patient, prescriber := uuid.New(), uuid.New()
	svc := NewService(
		memMedRepo{s: store},
		batches,
		memRxRepo{s: store},
		memRecordRepo{s: store},
		gate,
		fakeDirectory{patient: true},
		fakeDirectory{prescriber: true},
		store,
	)
	svc.SetClock(func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) })
	return &fixture{store: store, gate: gate, svc: svc, patient: patient, prescriber: prescriber}
}

func (f *fixture) create(ctx context.Context, lines ...LineRequest) (*Prescription, error) {
	return f.svc.CreatePrescription(ctx, &CreatePrescriptionRequest{
		PatientID:    f.patient,
		PrescriberID: f.prescriber,
		Lines:        lines,
	})
}

func line(medID uuid.UUID, qty int) LineRequest {
	return LineRequest{MedicationID: medID, Quantity: qty}
}
