package worker

import (
	"strings"
	"testing"
	"time"
)

func TestProgressSummary(t *testing.T) {
	p := NewProgress(100, false)
	p.Update(100, 100, 3)

	summary := p.Summary()
	if !strings.Contains(summary, "97/100") {
		t.Errorf("summary %q missing success count", summary)
	}
	if !strings.Contains(summary, "3 failed") {
		t.Errorf("summary %q missing failure count", summary)
	}
}

func TestProgressDisabledIsSilent(t *testing.T) {
	p := NewProgress(10, false)
	var sb strings.Builder
	p.output = &sb

	p.Update(5, 10, 0)
	p.Done()

	if sb.Len() != 0 {
		t.Errorf("disabled progress wrote %q", sb.String())
	}
}

func TestProgressPrintsBar(t *testing.T) {
	p := NewProgress(10, true)
	var sb strings.Builder
	p.output = &sb

	p.Update(10, 10, 0)

	out := sb.String()
	if !strings.Contains(out, "10/10 tiles") {
		t.Errorf("output %q missing counts", out)
	}
	if !strings.Contains(out, "Done in") {
		t.Errorf("output %q missing completion note", out)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{90 * time.Second, "1m30s"},
		{2 * time.Hour, "2h0m"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
