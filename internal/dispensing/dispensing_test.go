package dispensing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vietcare/rxpay/internal/prescription"
)

func TestRollupStatus(t *testing.T) {
	cases := []struct {
		name  string
		items []itemProgress
		want  prescription.Status
	}{
		{
			name: "nothing dispensed keeps stored status",
			items: []itemProgress{
				{quantity: 10, dispensed: 0},
				{quantity: 5, dispensed: 0},
			},
			want: "",
		},
		{
			name: "one item partially delivered",
			items: []itemProgress{
				{quantity: 10, dispensed: 4},
				{quantity: 5, dispensed: 0},
			},
			want: prescription.StatusPartiallyDispensed,
		},
		{
			name: "one item full, one untouched",
			items: []itemProgress{
				{quantity: 10, dispensed: 10},
				{quantity: 5, dispensed: 0},
			},
			want: prescription.StatusPartiallyDispensed,
		},
		{
			name: "all items delivered in full",
			items: []itemProgress{
				{quantity: 10, dispensed: 10},
				{quantity: 5, dispensed: 5},
			},
			want: prescription.StatusFullyDispensed,
		},
		{
			name:  "no items",
			items: nil,
			want:  "",
		},
	}
	for _, tc := range cases {
		if got := rollupStatus(tc.items); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestDispenseRejectsExpiredBatch(t *testing.T) {
	tracker := NewTracker(nil, nil, nil, nil)

	past := time.Now().UTC().AddDate(0, -1, 0)
	_, err := tracker.Dispense(context.Background(), &DispenseInput{
		PrescriptionItemID: "item-1",
		Quantity:           1,
		BatchNumber:        "LOT-OLD",
		ExpiryDate:         &past,
	})

	var verr *prescription.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if verr.Field != "expiry_date" {
		t.Errorf("validation error on %s, want expiry_date", verr.Field)
	}
}

func TestMarkDispensedRejectsExpiredBatch(t *testing.T) {
	tracker := NewTracker(nil, nil, nil, nil)

	past := time.Now().UTC().AddDate(0, -1, 0)
	_, err := tracker.MarkDispensed(context.Background(), "rec-1", "user-1", BatchInfo{
		BatchNumber: "LOT-OLD",
		ExpiryDate:  &past,
	})

	var verr *prescription.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
}
