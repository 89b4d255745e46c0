package payment

import "testing"

func TestStatusFinal(t *testing.T) {
	cases := []struct {
		status Status
		want   bool
	}{
		{StatusPending, false},
		{StatusPaid, true},
		{StatusFailed, true},
		{StatusCancelled, true},
		{StatusRefunded, true},
	}
	for _, tc := range cases {
		if got := tc.status.Final(); got != tc.want {
			t.Errorf("%s.Final() = %v, want %v", tc.status, got, tc.want)
		}
	}
}
