package output

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tanq16/vodkeeper/internal/utils"
)

func TestFormatSpeed(t *testing.T) {
	tests := []struct {
		bytes   int64
		elapsed time.Duration
		want    string
	}{
		{0, time.Second, "0 B/s"},
		{1024, 0, "0 B/s"},
		{2 * 1024 * 1024, time.Second, "2.0 MiB/s"},
		{512, 2 * time.Second, "256 B/s"},
	}
	for _, tt := range tests {
		if got := FormatSpeed(tt.bytes, tt.elapsed); got != tt.want {
			t.Errorf("FormatSpeed(%d, %s) = %q, want %q", tt.bytes, tt.elapsed, got, tt.want)
		}
	}
}

func TestProgressBar(t *testing.T) {
	if got := ProgressBar(50, 100, 10); !strings.Contains(got, "50.0%") {
		t.Errorf("half bar = %q", got)
	}
	if got := ProgressBar(500, 100, 10); !strings.Contains(got, "100.0%") {
		t.Errorf("overfull bar = %q", got)
	}
	if got := ProgressBar(5, 0, 10); strings.Contains(got, "%") {
		t.Errorf("unknown total should have no percentage: %q", got)
	}
}

func TestErrorLine(t *testing.T) {
	err := utils.Errorf(utils.KindNetwork, "twitch/gql", "status 503")
	if got := ErrorLine(err); got != "[network] twitch/gql: status 503" {
		t.Errorf("ErrorLine = %q", got)
	}
	if got := ErrorLine(errors.New("boom")); got != "[unknown] boom" {
		t.Errorf("ErrorLine = %q", got)
	}
}

func TestManagerPlainOutput(t *testing.T) {
	var buf bytes.Buffer
	m := NewManager()
	m.live = false
	m.out = &buf
	m.StartDisplay()
	ok := m.Register("VOD 1")
	bad := m.Register("VOD 2")
	m.SetMessage(ok, "downloading")
	m.SetTransfer(ok, 1024, 4096, time.Now(), "3/10 segments")
	m.Complete(ok, "uploaded as https://youtu.be/abc")
	m.ReportError(bad, utils.Errorf(utils.KindAuthentication, "youtube/open", "status 401"))
	m.StopDisplay()

	out := buf.String()
	for _, want := range []string{"VOD 1", "https://youtu.be/abc", "[authentication] youtube/open: status 401", "Archived 1 of 2"} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
}
