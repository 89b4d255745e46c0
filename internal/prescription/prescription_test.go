package prescription

import (
	"errors"
	"testing"
	"time"
)

func TestComputeTotalsWithoutInsurance(t *testing.T) {
	items := []*Item{
		{DrugID: "a", Quantity: 10, TotalPrice: 50000},
		{DrugID: "b", Quantity: 2, TotalPrice: 120000},
	}

	got := ComputeTotals(items, false, func(string) *int64 { return nil })

	if got.Total != 170000 {
		t.Errorf("total: got %d, want 170000", got.Total)
	}
	if got.InsuranceCovered != 0 {
		t.Errorf("insurance covered: got %d, want 0", got.InsuranceCovered)
	}
	if got.PatientPayment != 170000 {
		t.Errorf("patient payment: got %d, want 170000", got.PatientPayment)
	}
}

func TestComputeTotalsWithInsurance(t *testing.T) {
	items := []*Item{
		{DrugID: "covered", Quantity: 10, UnitPrice: 5000, TotalPrice: 50000},
		{DrugID: "uncovered", Quantity: 2, UnitPrice: 60000, TotalPrice: 120000},
	}
	schedule := map[string]int64{"covered": 3000}
	lookup := func(drugID string) *int64 {
		if p, ok := schedule[drugID]; ok {
			return &p
		}
		return nil
	}

	got := ComputeTotals(items, true, lookup)

	if got.Total != 170000 {
		t.Errorf("total: got %d, want 170000", got.Total)
	}
	// 10 x 3000 on the covered item, nothing on the uncovered one.
	if got.InsuranceCovered != 30000 {
		t.Errorf("insurance covered: got %d, want 30000", got.InsuranceCovered)
	}
	if got.PatientPayment != 140000 {
		t.Errorf("patient payment: got %d, want 140000", got.PatientPayment)
	}
	if got.InsuranceCovered+got.PatientPayment != got.Total {
		t.Error("split does not add up to total")
	}
}

func TestComputeTotalsCoverageCappedAtItemTotal(t *testing.T) {
	items := []*Item{
		{DrugID: "a", Quantity: 10, UnitPrice: 2000, TotalPrice: 20000},
	}
	generous := int64(5000)
	lookup := func(string) *int64 { return &generous }

	got := ComputeTotals(items, true, lookup)

	if got.InsuranceCovered != 20000 {
		t.Errorf("coverage must be capped at item total: got %d", got.InsuranceCovered)
	}
	if got.PatientPayment != 0 {
		t.Errorf("patient payment must not go negative: got %d", got.PatientPayment)
	}
}

func TestComputeTotalsEmpty(t *testing.T) {
	got := ComputeTotals(nil, true, func(string) *int64 { return nil })
	if got.Total != 0 || got.InsuranceCovered != 0 || got.PatientPayment != 0 {
		t.Errorf("expected zero totals, got %+v", got)
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusDraft, StatusActive, true},
		{StatusDraft, StatusCancelled, true},
		{StatusDraft, StatusFullyDispensed, false},
		{StatusActive, StatusPartiallyDispensed, true},
		{StatusActive, StatusFullyDispensed, true},
		{StatusActive, StatusExpired, true},
		{StatusActive, StatusCancelled, true},
		{StatusPartiallyDispensed, StatusFullyDispensed, true},
		{StatusPartiallyDispensed, StatusPartiallyDispensed, true},
		{StatusPartiallyDispensed, StatusCancelled, true},
		{StatusPartiallyDispensed, StatusActive, false},
		{StatusFullyDispensed, StatusCancelled, false},
		{StatusFullyDispensed, StatusActive, false},
		{StatusCancelled, StatusActive, false},
		{StatusCancelled, StatusCancelled, false},
		{StatusExpired, StatusCancelled, true},
		{StatusExpired, StatusActive, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestEffectiveStatus(t *testing.T) {
	now := time.Now()
	p := &Prescription{
		Status:     StatusActive,
		ValidFrom:  now.Add(-48 * time.Hour),
		ValidUntil: now.Add(-time.Hour),
	}

	if got := p.EffectiveStatus(now); got != StatusExpired {
		t.Errorf("past validity window: got %s, want %s", got, StatusExpired)
	}

	p.ValidUntil = now.Add(time.Hour)
	if got := p.EffectiveStatus(now); got != StatusActive {
		t.Errorf("inside validity window: got %s, want %s", got, StatusActive)
	}

	// Non-active statuses pass through even past the window.
	p.Status = StatusCancelled
	p.ValidUntil = now.Add(-time.Hour)
	if got := p.EffectiveStatus(now); got != StatusCancelled {
		t.Errorf("cancelled: got %s, want %s", got, StatusCancelled)
	}
}

func TestIsValid(t *testing.T) {
	now := time.Now()
	p := &Prescription{
		Status:     StatusActive,
		ValidFrom:  now.Add(-time.Hour),
		ValidUntil: now.Add(time.Hour),
	}

	if !p.IsValid(now) {
		t.Error("active prescription inside window should be valid")
	}
	if p.IsValid(now.Add(2 * time.Hour)) {
		t.Error("prescription past window should be invalid")
	}
	if p.IsValid(now.Add(-2 * time.Hour)) {
		t.Error("prescription before window should be invalid")
	}

	p.Status = StatusCancelled
	if p.IsValid(now) {
		t.Error("cancelled prescription should be invalid")
	}
}

func TestItemProgress(t *testing.T) {
	item := &Item{Quantity: 10, QuantityDispensed: 4}
	if got := item.QuantityRemaining(); got != 6 {
		t.Errorf("remaining: got %d, want 6", got)
	}
	if item.IsFullyDispensed() {
		t.Error("item with remainder should not be fully dispensed")
	}

	item.QuantityDispensed = 10
	if !item.IsFullyDispensed() {
		t.Error("item dispensed in full should report fully dispensed")
	}
}

func TestNextNumber(t *testing.T) {
	cases := []struct {
		prefix string
		last   string
		want   string
	}{
		{"DT20240102", "", "DT20240102000001"},
		{"DT20240102", "DT20240102000001", "DT20240102000002"},
		{"DT20240102", "DT20240102000099", "DT20240102000100"},
		// A number from another day does not continue the sequence.
		{"DT20240103", "DT20240102000042", "DT20240103000001"},
		{"PT20240102", "PT20240102004999", "PT20240102005000"},
	}
	for _, tc := range cases {
		if got := NextNumber(tc.prefix, tc.last); got != tc.want {
			t.Errorf("NextNumber(%s, %s) = %s, want %s", tc.prefix, tc.last, got, tc.want)
		}
	}
}

func TestCreateInputValidate(t *testing.T) {
	now := time.Now()
	valid := func() *CreateInput {
		return &CreateInput{
			PatientID:  "patient-1",
			DoctorID:   "doctor-1",
			ValidFrom:  now,
			ValidUntil: now.Add(30 * 24 * time.Hour),
			Items:      []CreateItemInput{{DrugID: "drug-1", Quantity: 10}},
		}
	}

	if err := valid().validate(); err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}

	in := valid()
	in.Items = nil
	assertValidationError(t, in.validate(), "items")

	in = valid()
	in.ValidUntil = in.ValidFrom
	assertValidationError(t, in.validate(), "valid_until")

	in = valid()
	in.ValidUntil = in.ValidFrom.Add((MaxValidityDays + 1) * 24 * time.Hour)
	assertValidationError(t, in.validate(), "valid_until")

	in = valid()
	in.Items[0].DrugID = ""
	assertValidationError(t, in.validate(), "items[0].drug_id")

	in = valid()
	in.Items[0].Quantity = 0
	assertValidationError(t, in.validate(), "items[0].quantity")
}

func assertValidationError(t *testing.T, err error, field string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected validation error on %s, got nil", field)
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T: %v", err, err)
	}
	if verr.Field != field {
		t.Errorf("validation error on field %s, want %s", verr.Field, field)
	}
}
