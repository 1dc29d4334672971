package app

import (
	"testing"
	"time"
)

func TestNewOperation(t *testing.T) {
	tests := []struct {
		name   string
		op     string
		now    time.Time
		wantID string
	}{
		{
			name:   "utc time",
			op:     "SyncNow",
			now:    time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
			wantID: "20240115T103000Z",
		},
		{
			name:   "local time is converted",
			op:     "AddDesign",
			now:    time.Date(2024, 1, 15, 12, 30, 0, 0, time.FixedZone("CEST", 2*60*60)),
			wantID: "20240115T103000Z",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := NewOperation(tt.op, tt.now)

			if op.ID != tt.wantID {
				t.Errorf("ID = %q, want %q", op.ID, tt.wantID)
			}
			if op.Name != tt.op {
				t.Errorf("Name = %q, want %q", op.Name, tt.op)
			}
			if op.Status != "success" {
				t.Errorf("Status = %q, want %q", op.Status, "success")
			}
		})
	}
}

func TestOperation_FailAndElapsed(t *testing.T) {
	start := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	op := NewOperation("SyncNow", start)

	op.Fail()

	if op.Status != "error" {
		t.Errorf("Status = %q, want %q", op.Status, "error")
	}
	if got := op.Elapsed(start.Add(90 * time.Second)); got != 90*time.Second {
		t.Errorf("Elapsed() = %v, want 90s", got)
	}
}
