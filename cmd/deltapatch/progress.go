package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"deltapatch/internal/manifest"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/dustin/go-humanize"
)

// progressDisplay receives Apply progress and is stopped once Apply returns.
type progressDisplay interface {
	Report(fraction float64)
	Stop()
}

var (
	spinnerStyle = lipgloss.NewStyle().
			Foreground(secondaryColor)

	countStyle = lipgloss.NewStyle().
			Foreground(dimColor)

	containerStyle = lipgloss.NewStyle().
			Padding(0, 2)
)

const pathColumns = 48

// fileAt returns the path of the entry being downloaded when fraction of the
// diff's bytes are complete.
func fileAt(diff []manifest.FileEntry, fraction float64) string {
	if len(diff) == 0 {
		return ""
	}
	target := fraction * float64(manifest.TotalSize(diff))
	var done float64
	for _, f := range diff {
		done += float64(f.Size)
		if target < done {
			return f.Path
		}
	}
	return diff[len(diff)-1].Path
}

// plainProgress prints a line each time another tenth of the download completes.
type plainProgress struct {
	w    io.Writer
	diff []manifest.FileEntry

	mu   sync.Mutex
	last int
}

func newPlainProgress(w io.Writer, diff []manifest.FileEntry) *plainProgress {
	return &plainProgress{w: w, diff: diff, last: -1}
}

func (p *plainProgress) Report(fraction float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	step := int(fraction * 10)
	if step <= p.last {
		return
	}
	p.last = step
	fmt.Fprintf(p.w, "%3d%% %s\n", step*10, fileAt(p.diff, fraction))
}

func (p *plainProgress) Stop() {}

// applyModel is the bubbletea model for the download screen.
type applyModel struct {
	spinner  spinner.Model
	progress progress.Model

	diff    []manifest.FileEntry
	total   int64
	percent float64
	file    string
	done    bool

	cancel  func()
	updates chan applyUpdate
}

type applyUpdate struct {
	percent float64
	done    bool
}

type applyUpdateMsg applyUpdate

func newApplyModel(diff []manifest.FileEntry, cancel func()) *applyModel {
	s := spinner.New()
	s.Spinner = spinner.Points
	s.Style = spinnerStyle

	p := progress.New(
		progress.WithDefaultGradient(),
		progress.WithWidth(40),
	)

	return &applyModel{
		spinner:  s,
		progress: p,
		diff:     diff,
		total:    manifest.TotalSize(diff),
		cancel:   cancel,
		updates:  make(chan applyUpdate, 64),
	}
}

func (m *applyModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.waitForUpdate(),
	)
}

func (m *applyModel) waitForUpdate() tea.Cmd {
	return func() tea.Msg {
		return applyUpdateMsg(<-m.updates)
	}
}

func (m *applyModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case applyUpdateMsg:
		if msg.done {
			m.done = true
			return m, tea.Quit
		}
		m.percent = msg.percent
		m.file = fileAt(m.diff, msg.percent)
		return m, tea.Batch(m.progress.SetPercent(m.percent), m.waitForUpdate())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		return m, cmd

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m *applyModel) View() string {
	if m.done {
		return ""
	}
	var b strings.Builder
	b.WriteString(m.spinner.View())
	b.WriteString(" ")
	b.WriteString(ansi.Truncate(m.file, pathColumns, "…"))
	b.WriteString("\n")
	b.WriteString(m.progress.View())
	b.WriteString("\n")
	completed := uint64(m.percent * float64(m.total))
	b.WriteString(countStyle.Render(fmt.Sprintf("%s / %s", humanize.Bytes(completed), humanize.Bytes(uint64(m.total)))))
	return containerStyle.Render(b.String())
}

func (m *applyModel) send(u applyUpdate) {
	select {
	case m.updates <- u:
	default:
	}
}

// applyDisplay runs the download screen inline while Apply works.
type applyDisplay struct {
	w       io.Writer
	program *tea.Program
	model   *applyModel
	done    chan struct{}
	mu      sync.Mutex
	stopped bool
}

// stopTimeout bounds how long Stop waits for the program to quit on its own.
const stopTimeout = 500 * time.Millisecond

func newApplyDisplay(w io.Writer, diff []manifest.FileEntry, cancel func(), opts ...tea.ProgramOption) *applyDisplay {
	model := newApplyModel(diff, cancel)
	opts = append([]tea.ProgramOption{
		tea.WithOutput(w),
		tea.WithoutSignalHandler(),
	}, opts...)
	program := tea.NewProgram(model, opts...)
	d := &applyDisplay{
		w:       w,
		program: program,
		model:   model,
		done:    make(chan struct{}),
	}
	go func() {
		_, _ = program.Run()
		close(d.done)
	}()
	return d
}

func (d *applyDisplay) Report(fraction float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.model.send(applyUpdate{percent: fraction})
}

func (d *applyDisplay) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	// Progress ticks may be dropped when the buffer is full; the final
	// message goes straight to the program so it is never lost.
	timer := time.NewTimer(stopTimeout)
	defer timer.Stop()
	sent := make(chan struct{})
	go func() {
		d.program.Send(applyUpdateMsg{done: true})
		close(sent)
	}()
	select {
	case <-sent:
	case <-d.done:
		return
	case <-timer.C:
		d.program.Kill()
		return
	}
	select {
	case <-d.done:
	case <-timer.C:
		d.program.Kill()
	}
}
