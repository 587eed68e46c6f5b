package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

type runStatus string

const (
	statusPending runStatus = "pending"
	statusActive  runStatus = "active"
	statusSuccess runStatus = "success"
	statusError   runStatus = "error"
)

// RunOutput is the display state of one archive run.
type RunOutput struct {
	ID          int
	Label       string
	Status      runStatus
	Message     string
	StreamLines []string
	StartTime   time.Time
	LastUpdated time.Time
	Error       error
}

type ErrorReport struct {
	Label string
	Error error
	Time  time.Time
}

// Manager redraws the state of every registered run on a ticker. When
// stdout is not a terminal it prints one line per completed run instead.
type Manager struct {
	mu          sync.RWMutex
	out         io.Writer
	runs        map[int]*RunOutput
	nextID      int
	numLines    int
	maxStreams  int
	errors      []ErrorReport
	live        bool
	displayTick time.Duration
	doneCh      chan struct{}
	displayWg   sync.WaitGroup
}

func NewManager() *Manager {
	return &Manager{
		out:         os.Stdout,
		runs:        make(map[int]*RunOutput),
		maxStreams:  4,
		live:        IsTerminal(),
		displayTick: 300 * time.Millisecond,
		doneCh:      make(chan struct{}),
	}
}

func (m *Manager) Register(label string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.runs[m.nextID] = &RunOutput{
		ID:          m.nextID,
		Label:       label,
		Status:      statusPending,
		StartTime:   time.Now(),
		LastUpdated: time.Now(),
	}
	return m.nextID
}

func (m *Manager) SetMessage(id int, message string) {
	m.update(id, func(r *RunOutput) {
		r.Status = statusActive
		r.Message = message
	})
}

// SetTransfer replaces the stream lines of id with a progress line.
func (m *Manager) SetTransfer(id int, done, total int64, since time.Time, text string) {
	m.update(id, func(r *RunOutput) {
		r.StreamLines = []string{TransferLine(done, total, time.Since(since), text)}
	})
}

func (m *Manager) AddStreamLine(id int, line string) {
	m.update(id, func(r *RunOutput) {
		r.StreamLines = append(r.StreamLines, wrapText(line, 6)...)
		if len(r.StreamLines) > m.maxStreams {
			r.StreamLines = r.StreamLines[len(r.StreamLines)-m.maxStreams:]
		}
	})
}

func (m *Manager) Complete(id int, message string) {
	m.update(id, func(r *RunOutput) {
		r.StreamLines = nil
		r.Message = message
		r.Status = statusSuccess
	})
	m.printPlain(id)
}

func (m *Manager) ReportError(id int, err error) {
	m.update(id, func(r *RunOutput) {
		r.StreamLines = nil
		r.Status = statusError
		r.Error = err
		r.Message = ErrorLine(err)
		m.errors = append(m.errors, ErrorReport{Label: r.Label, Error: err, Time: time.Now()})
	})
	m.printPlain(id)
}

func (m *Manager) update(id int, fn func(r *RunOutput)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[id]; ok {
		fn(r)
		r.LastUpdated = time.Now()
	}
}

// printPlain reports a finished run when there is no live display.
func (m *Manager) printPlain(id int) {
	if m.live {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.runs[id]; ok {
		fmt.Fprintf(m.out, "%s %s %s\n", statusIndicator(r.Status), r.Label, r.Message)
	}
}

func statusIndicator(status runStatus) string {
	switch status {
	case statusSuccess:
		return successStyle.Render(StyleSymbols["pass"])
	case statusError:
		return errorStyle.Render(StyleSymbols["fail"])
	case statusPending:
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["bullet"])
	}
}

func styleMessage(status runStatus, msg string) string {
	switch status {
	case statusSuccess:
		return successStyle.Render(msg)
	case statusError:
		return errorStyle.Render(msg)
	default:
		return pendingStyle.Render(msg)
	}
}

func (m *Manager) ordered() []*RunOutput {
	runs := make([]*RunOutput, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	// Active runs first, then finished ones, each in registration order.
	sort.Slice(runs, func(i, j int) bool {
		fi, fj := runs[i].finished(), runs[j].finished()
		if fi != fj {
			return !fi
		}
		return runs[i].ID < runs[j].ID
	})
	return runs
}

func (r *RunOutput) finished() bool {
	return r.Status == statusSuccess || r.Status == statusError
}

func (m *Manager) updateDisplay() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, height := terminalSize()
	available := height - 3
	if m.numLines > 0 {
		fmt.Fprintf(m.out, "\033[%dA\033[J", m.numLines)
	}
	lines := 0
	indent := strings.Repeat(" ", 6)
	for _, r := range m.ordered() {
		if lines >= available {
			break
		}
		elapsed := time.Since(r.StartTime)
		if r.finished() {
			elapsed = r.LastUpdated.Sub(r.StartTime)
		}
		msg := r.Message
		if msg == "" {
			msg = "Waiting..."
		}
		fmt.Fprintf(m.out, "  %s %s %s %s\n", statusIndicator(r.Status), debugStyle.Render(elapsed.Round(time.Second).String()), headerStyle.Render(r.Label), styleMessage(r.Status, msg))
		lines++
		for _, line := range r.StreamLines {
			if lines >= available {
				break
			}
			fmt.Fprintf(m.out, "%s%s\n", indent, streamStyle.Render(line))
			lines++
		}
	}
	m.numLines = lines
}

func (m *Manager) StartDisplay() {
	if !m.live {
		return
	}
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		ticker := time.NewTicker(m.displayTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.updateDisplay()
			case <-m.doneCh:
				m.updateDisplay()
				return
			}
		}
	}()
}

// StopDisplay draws the final state and the error summary.
func (m *Manager) StopDisplay() {
	close(m.doneCh)
	m.displayWg.Wait()
	m.showSummary()
}

func (m *Manager) showSummary() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.runs) < 2 && len(m.errors) == 0 {
		return
	}
	var success int
	for _, r := range m.runs {
		if r.Status == statusSuccess {
			success++
		}
	}
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, "  "+successStyle.Render(fmt.Sprintf("Archived %d of %d", success, len(m.runs))))
	if len(m.errors) == 0 {
		return
	}
	fmt.Fprintln(m.out, "  "+errorStyle.Bold(true).Render("Errors:"))
	for i, e := range m.errors {
		fmt.Fprintf(m.out, "    %s %s %s\n",
			errorStyle.Render(fmt.Sprintf("%d.", i+1)),
			debugStyle.Render(fmt.Sprintf("[%s]", e.Time.Format("15:04:05"))),
			errorStyle.Render(e.Label))
		fmt.Fprintf(m.out, "      %s\n", errorStyle.Render(ErrorLine(e.Error)))
	}
}
