package cmd

import (
	"fmt"
	"sync"
	"time"

	"github.com/tanq16/vodkeeper/internal/output"
	"github.com/tanq16/vodkeeper/internal/pipeline"
)

// tracker maps pipeline progress onto display rows, one row per VOD.
type tracker struct {
	display *output.Manager
	mu      sync.Mutex
	rows    map[string]int
	stages  map[string]pipeline.Stage
	since   map[string]time.Time
}

func newTracker(display *output.Manager) *tracker {
	return &tracker{
		display: display,
		rows:    make(map[string]int),
		stages:  make(map[string]pipeline.Stage),
		since:   make(map[string]time.Time),
	}
}

func (t *tracker) begin(vodID string) int {
	row := t.display.Register(runLabel(vodID))
	t.mu.Lock()
	t.rows[vodID] = row
	t.mu.Unlock()
	return row
}

func (t *tracker) progress(p pipeline.Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.rows[p.VODID]
	if !ok {
		return
	}
	if prev, seen := t.stages[p.VODID]; !seen || prev != p.Stage {
		t.stages[p.VODID] = p.Stage
		t.since[p.VODID] = time.Now()
		t.display.SetMessage(row, stageMessage(p.Stage))
	}
	switch p.Stage {
	case pipeline.Downloading:
		t.display.SetTransfer(row, p.Done, p.Total, t.since[p.VODID], fmt.Sprintf("%d/%d segments", p.Segments, p.SegmentsTotal))
	case pipeline.Uploading:
		if p.Total > 0 {
			t.display.SetTransfer(row, p.Done, p.Total, t.since[p.VODID], "")
		}
	}
}

func (t *tracker) finish(row int, res *pipeline.Result, err error) {
	if err != nil {
		t.display.ReportError(row, err)
	} else {
		t.display.Complete(row, fmt.Sprintf("Uploaded as https://youtu.be/%s in %s", res.VideoID, res.Elapsed.Round(time.Second)))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for vodID, r := range t.rows {
		if r == row {
			delete(t.rows, vodID)
			delete(t.stages, vodID)
			delete(t.since, vodID)
		}
	}
}

func stageMessage(s pipeline.Stage) string {
	switch s {
	case pipeline.Resolving:
		return "Resolving playlist"
	case pipeline.Downloading:
		return "Downloading segments"
	case pipeline.Concatenating:
		return "Joining segments"
	case pipeline.Uploading:
		return "Uploading to YouTube"
	}
	return s.String()
}
