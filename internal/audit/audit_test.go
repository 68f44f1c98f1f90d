package audit

import (
	"testing"
	"time"
)

func TestFormatBytes(t *testing.T) {
	cases := map[int64]string{
		0:           "0 B",
		512:         "512 B",
		1024:        "1.0 KB",
		5 * 1 << 20: "5.0 MB",
	}
	for in, want := range cases {
		if got := formatBytes(in); got != want {
			t.Errorf("formatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestPrintHistoryHandlesEmptyAndPopulated(t *testing.T) {
	PrintHistory(nil) // must not panic

	PrintHistory([]Summary{
		{
			ID:        "11111111-1111-1111-1111-111111111111",
			CreatedAt: time.Now(),
			Direction: "incoming",
			PeerIP:    "10.0.0.5",
			FileCount: 3,
			TotalSize: 4096,
			Completed: 2,
			Failed:    1,
		},
	})
}

func TestPrintDetailDoesNotPanic(t *testing.T) {
	PrintDetail(Summary{
		ID:        "22222222-2222-2222-2222-222222222222",
		CreatedAt: time.Now(),
		Direction: "outgoing",
		PeerIP:    "10.0.0.9",
		FileCount: 1,
		TotalSize: 1024,
		Completed: 1,
	})
}
