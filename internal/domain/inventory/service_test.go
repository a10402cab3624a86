package inventory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/pharmacy/internal/platform/apperr"
)

// -- Mock Repositories --

type mockMedRepo struct {
	meds map[uuid.UUID]*Medication
}

func newMockMedRepo() *mockMedRepo {
	return &mockMedRepo{meds: make(map[uuid.UUID]*Medication)}
}

func (m *mockMedRepo) Create(_ context.Context, med *Medication) error {
	if med.DrugCode != nil {
		for _, existing := range m.meds {
			if existing.DrugCode != nil && *existing.DrugCode == *med.DrugCode {
				return apperr.Invalidf("medication already exists (drug_code)")
			}
		}
	}
	med.ID = uuid.New()
	med.CreatedAt = time.Now()
	med.UpdatedAt = time.Now()
	m.meds[med.ID] = med
	return nil
}

func (m *mockMedRepo) GetByID(_ context.Context, id uuid.UUID) (*Medication, error) {
	med, ok := m.meds[id]
	if !ok {
		return nil, apperr.NotFound("medication", id)
	}
	return med, nil
}

func (m *mockMedRepo) List(_ context.Context, f MedicationFilter, limit, offset int) ([]*Medication, int, error) {
	var result []*Medication
	for _, med := range m.meds {
		if f.Active != nil && med.IsActive != *f.Active {
			continue
		}
		if f.Query != "" && !strings.Contains(strings.ToLower(med.Name), strings.ToLower(f.Query)) {
			continue
		}
		result = append(result, med)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	total := len(result)
	if offset >= len(result) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(result) {
		end = len(result)
	}
	return result[offset:end], total, nil
}

func (m *mockMedRepo) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	med, ok := m.meds[id]
	if !ok {
		return apperr.NotFound("medication", id)
	}
	med.IsActive = active
	return nil
}

type mockBatchRepo struct {
	batches map[uuid.UUID]*Batch
	seq     int64
}

func newMockBatchRepo() *mockBatchRepo {
	return &mockBatchRepo{batches: make(map[uuid.UUID]*Batch)}
}

func (m *mockBatchRepo) Create(_ context.Context, b *Batch) error {
	for _, existing := range m.batches {
		if existing.BatchNumber == b.BatchNumber {
			return apperr.Invalidf("batch already exists (batch_number)")
		}
	}
	m.seq++
	b.ID = uuid.New()
	b.ReceivedSeq = m.seq
	m.batches[b.ID] = b
	return nil
}

func (m *mockBatchRepo) GetByID(_ context.Context, id uuid.UUID) (*Batch, error) {
	b, ok := m.batches[id]
	if !ok {
		return nil, apperr.NotFound("batch", id)
	}
	return b, nil
}

func (m *mockBatchRepo) ListByMedication(_ context.Context, medicationID uuid.UUID, activeOnly bool) ([]*Batch, error) {
	var out []*Batch
	for _, b := range m.batches {
		if b.MedicationID == medicationID && (!activeOnly || b.IsActive) {
			out = append(out, b)
		}
	}
	SortFEFO(out)
	return out, nil
}

func (m *mockBatchRepo) LockForAllocation(_ context.Context, medicationIDs []uuid.UUID) ([]*Batch, error) {
	want := map[uuid.UUID]bool{}
	for _, id := range medicationIDs {
		want[id] = true
	}
	var out []*Batch
	for _, b := range m.batches {
		if want[b.MedicationID] && b.Drawable() {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *mockBatchRepo) Decrement(_ context.Context, id uuid.UUID, qty int) error {
	b, ok := m.batches[id]
	if !ok || !b.IsActive || b.AvailableQuantity < qty {
		return fmt.Errorf("%w: batch %s", apperr.ErrStale, id)
	}
	b.AvailableQuantity -= qty
	return nil
}

func (m *mockBatchRepo) Restock(_ context.Context, id uuid.UUID, qty int) (*Batch, error) {
	b, ok := m.batches[id]
	if !ok {
		return nil, apperr.NotFound("batch", id)
	}
	b.Quantity += qty
	b.AvailableQuantity += qty
	return b, nil
}

func (m *mockBatchRepo) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	b, ok := m.batches[id]
	if !ok {
		return apperr.NotFound("batch", id)
	}
	b.IsActive = active
	return nil
}

func (m *mockBatchRepo) UpdatePricing(_ context.Context, id uuid.UUID, unitCost, sellingPrice decimal.Decimal) error {
	b, ok := m.batches[id]
	if !ok {
		return apperr.NotFound("batch", id)
	}
	b.UnitCost = unitCost
	b.SellingPrice = sellingPrice
	return nil
}

func (m *mockBatchRepo) ListExpiring(_ context.Context, before time.Time) ([]*Batch, error) {
	var out []*Batch
	for _, b := range m.batches {
		if b.Drawable() && !b.ExpiryDate.After(before) {
			out = append(out, b)
		}
	}
	SortFEFO(out)
	return out, nil
}

func (m *mockBatchRepo) Totals(_ context.Context, medicationID uuid.UUID) (*StockTotals, error) {
	var t StockTotals
	for _, b := range m.batches {
		if b.MedicationID != medicationID {
			continue
		}
		t.Received += b.Quantity
		t.Available += b.AvailableQuantity
		if b.IsActive {
			t.ActiveAvailable += b.AvailableQuantity
		}
	}
	return &t, nil
}

func newTestService() (*Service, *mockMedRepo, *mockBatchRepo) {
	meds := newMockMedRepo()
	batches := newMockBatchRepo()
	return NewService(meds, batches), meds, batches
}

func mustMedication(t *testing.T, svc *Service, name string) *Medication {
	t.Helper()
	m := &Medication{Name: name}
	if err := svc.CreateMedication(context.Background(), m); err != nil {
		t.Fatalf("create medication: %v", err)
	}
	return m
}

func mustBatch(t *testing.T, svc *Service, medID uuid.UUID, number, expiry string, qty int, price string) *Batch {
	t.Helper()
	b, err := svc.ReceiveBatch(context.Background(), medID, &ReceiveBatchRequest{
		BatchNumber:  number,
		ExpiryDate:   expiry,
		Quantity:     qty,
		UnitCost:     decimal.RequireFromString("1.00"),
		SellingPrice: decimal.RequireFromString(price),
	})
	if err != nil {
		t.Fatalf("receive batch %s: %v", number, err)
	}
	return b
}

// -- Medication --

func TestCreateMedication(t *testing.T) {
	svc, _, _ := newTestService()
	m := &Medication{Name: "  Amoxicillin 500mg "}
	if err := svc.CreateMedication(context.Background(), m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.ID == uuid.Nil {
		t.Error("expected ID to be set")
	}
	if !m.IsActive {
		t.Error("expected new medication to be active")
	}
	if m.Name != "Amoxicillin 500mg" {
		t.Errorf("expected trimmed name, got %q", m.Name)
	}
}

func TestCreateMedication_NameRequired(t *testing.T) {
	svc, _, _ := newTestService()
	err := svc.CreateMedication(context.Background(), &Medication{})
	if !apperr.Is(err, apperr.KindInvalid) {
		t.Errorf("expected invalid error, got %v", err)
	}
}

func TestCreateMedication_DuplicateDrugCode(t *testing.T) {
	svc, _, _ := newTestService()
	code := "AMX-500"
	if err := svc.CreateMedication(context.Background(), &Medication{Name: "Amoxicillin", DrugCode: &code}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dup := code
	err := svc.CreateMedication(context.Background(), &Medication{Name: "Amoxil", DrugCode: &dup})
	if !apperr.Is(err, apperr.KindInvalid) {
		t.Errorf("expected invalid error for duplicate code, got %v", err)
	}
}

func TestSetMedicationActive(t *testing.T) {
	svc, _, _ := newTestService()
	m := mustMedication(t, svc, "Ibuprofen")

	got, err := svc.SetMedicationActive(context.Background(), m.ID, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.IsActive {
		t.Error("expected medication to be inactive")
	}

	_, err = svc.SetMedicationActive(context.Background(), uuid.New(), true)
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestListMedications_ActiveFilter(t *testing.T) {
	svc, _, _ := newTestService()
	mustMedication(t, svc, "Paracetamol")
	off := mustMedication(t, svc, "Codeine")
	if _, err := svc.SetMedicationActive(context.Background(), off.ID, false); err != nil {
		t.Fatal(err)
	}

	active := true
	items, total, err := svc.ListMedications(context.Background(), MedicationFilter{Active: &active}, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || items[0].Name != "Paracetamol" {
		t.Errorf("expected only Paracetamol, got %d items", total)
	}
}

// -- Batches --

func TestReceiveBatch(t *testing.T) {
	svc, _, _ := newTestService()
	m := mustMedication(t, svc, "Metformin")

	b := mustBatch(t, svc, m.ID, "MET-001", "2026-03-31", 100, "2.00")
	if b.AvailableQuantity != 100 || b.Quantity != 100 {
		t.Errorf("expected 100/100, got %d/%d", b.AvailableQuantity, b.Quantity)
	}
	if !b.IsActive {
		t.Error("expected received batch to be active")
	}
	if b.ExpiryDate.Format(DateLayout) != "2026-03-31" {
		t.Errorf("unexpected expiry %v", b.ExpiryDate)
	}
}

func TestReceiveBatch_Validation(t *testing.T) {
	svc, _, _ := newTestService()
	m := mustMedication(t, svc, "Metformin")

	tests := []struct {
		name string
		req  ReceiveBatchRequest
	}{
		{"missing number", ReceiveBatchRequest{ExpiryDate: "2026-01-01", Quantity: 1}},
		{"zero quantity", ReceiveBatchRequest{BatchNumber: "A", ExpiryDate: "2026-01-01"}},
		{"negative quantity", ReceiveBatchRequest{BatchNumber: "A", ExpiryDate: "2026-01-01", Quantity: -4}},
		{"quantity above limit", ReceiveBatchRequest{BatchNumber: "A", ExpiryDate: "2026-01-01", Quantity: MaxQuantity + 1}},
		{"bad expiry", ReceiveBatchRequest{BatchNumber: "A", ExpiryDate: "31/01/2026", Quantity: 1}},
		{"negative price", ReceiveBatchRequest{BatchNumber: "A", ExpiryDate: "2026-01-01", Quantity: 1, SellingPrice: decimal.NewFromInt(-1)}},
		{"negative cost", ReceiveBatchRequest{BatchNumber: "A", ExpiryDate: "2026-01-01", Quantity: 1, UnitCost: decimal.NewFromInt(-1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			_, err := svc.ReceiveBatch(context.Background(), m.ID, &req)
			if !apperr.Is(err, apperr.KindInvalid) {
				t.Errorf("expected invalid error, got %v", err)
			}
		})
	}
}

func TestReceiveBatch_UnknownMedication(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.ReceiveBatch(context.Background(), uuid.New(), &ReceiveBatchRequest{
		BatchNumber: "X", ExpiryDate: "2026-01-01", Quantity: 1,
	})
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestRestock_KeepsBounds(t *testing.T) {
	svc, _, batches := newTestService()
	m := mustMedication(t, svc, "Atorvastatin")
	b := mustBatch(t, svc, m.ID, "ATV-1", "2026-05-01", 10, "1.50")
	if err := batches.Decrement(context.Background(), b.ID, 4); err != nil {
		t.Fatal(err)
	}

	got, err := svc.Restock(context.Background(), b.ID, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Quantity != 15 || got.AvailableQuantity != 11 {
		t.Errorf("expected 15 received / 11 available, got %d / %d", got.Quantity, got.AvailableQuantity)
	}

	if _, err := svc.Restock(context.Background(), b.ID, 0); !apperr.Is(err, apperr.KindInvalid) {
		t.Errorf("expected invalid for zero restock, got %v", err)
	}
}

func TestRestock_QuantityLimit(t *testing.T) {
	svc, _, _ := newTestService()
	m := mustMedication(t, svc, "Atorvastatin")
	b := mustBatch(t, svc, m.ID, "ATV-1", "2026-05-01", 10, "1.50")

	tests := []struct {
		name string
		qty  int
	}{
		{"above column limit", MaxQuantity + 1},
		{"sum above column limit", MaxQuantity - 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Restock(context.Background(), b.ID, tt.qty); !apperr.Is(err, apperr.KindInvalid) {
				t.Errorf("expected invalid, got %v", err)
			}
		})
	}

	got, err := svc.GetBatch(context.Background(), b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Quantity != 10 || got.AvailableQuantity != 10 {
		t.Errorf("expected batch untouched, got %d / %d", got.Quantity, got.AvailableQuantity)
	}

	if _, err := svc.Restock(context.Background(), b.ID, MaxQuantity-10); err != nil {
		t.Errorf("expected restock up to the limit to succeed, got %v", err)
	}
}

func TestListBatches_FEFOOrder(t *testing.T) {
	svc, _, _ := newTestService()
	m := mustMedication(t, svc, "Insulin")
	late := mustBatch(t, svc, m.ID, "INS-LATE", "2026-06-01", 10, "9.00")
	first := mustBatch(t, svc, m.ID, "INS-A", "2026-01-01", 5, "9.50")
	second := mustBatch(t, svc, m.ID, "INS-B", "2026-01-01", 5, "9.50")

	got, err := svc.ListBatches(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []uuid.UUID{first.ID, second.ID, late.ID}
	for i, b := range got {
		if b.ID != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], b.BatchNumber)
		}
	}
}

func TestUpdateBatchPricing(t *testing.T) {
	svc, _, _ := newTestService()
	m := mustMedication(t, svc, "Omeprazole")
	b := mustBatch(t, svc, m.ID, "OME-1", "2026-02-01", 10, "3.00")

	got, err := svc.UpdateBatchPricing(context.Background(), b.ID, PricingUpdate{
		UnitCost:     decimal.RequireFromString("1.10"),
		SellingPrice: decimal.RequireFromString("2.75"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.SellingPrice.Equal(decimal.RequireFromString("2.75")) {
		t.Errorf("expected 2.75, got %s", got.SellingPrice)
	}

	_, err = svc.UpdateBatchPricing(context.Background(), b.ID, PricingUpdate{SellingPrice: decimal.NewFromInt(-2)})
	if !apperr.Is(err, apperr.KindInvalid) {
		t.Errorf("expected invalid, got %v", err)
	}
}

func TestExpiringBatches(t *testing.T) {
	svc, _, _ := newTestService()
	svc.SetClock(func() time.Time { return time.Date(2026, 1, 10, 15, 0, 0, 0, time.UTC) })
	m := mustMedication(t, svc, "Vaccine")
	soon := mustBatch(t, svc, m.ID, "VAC-1", "2026-01-20", 5, "10.00")
	mustBatch(t, svc, m.ID, "VAC-2", "2026-03-01", 5, "10.00")
	empty := mustBatch(t, svc, m.ID, "VAC-3", "2026-01-12", 5, "10.00")
	empty.AvailableQuantity = 0

	got, err := svc.ExpiringBatches(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != soon.ID {
		t.Fatalf("expected only VAC-1, got %d batches", len(got))
	}

	if _, err := svc.ExpiringBatches(context.Background(), -1); !apperr.Is(err, apperr.KindInvalid) {
		t.Errorf("expected invalid for negative window, got %v", err)
	}
}
