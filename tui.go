package main

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"dikt/log"
)

// TUI message types
type RecordingStartMsg struct{}
type RecordingStopMsg struct{}
type RecordingTickMsg struct{ Duration float64 }
type AudioLevelMsg struct{ Level float64 }
type NoVoiceWarningMsg struct{}
type VoiceClearedMsg struct{}
type LogMsg struct{ Text string }
type TranscriptionMsg struct {
	Text     string
	Metrics  []string
	Copied   bool
	NoSpeech bool // true when no speech was detected
}
type ModeLineMsg struct{ Text string }   // format/provider info
type DeviceLineMsg struct{ Text string } // microphone device name
type TriggerLineMsg struct{ Trigger string }
type HybridHelpMsg struct{ Enabled bool }
type RateLimitMsg struct{ Text string }
type tickMsg time.Time

type tuiState int

const (
	tuiStateIdle tuiState = iota
	tuiStateRecording
)

type tuiModel struct {
	state             tuiState
	frame             int
	recordingDuration float64
	audioLevel        float64
	noVoice           bool
	msgCount          int
	width, height     int
	modeLine          string
	deviceLine        string
	trigger           string
	hybrid            bool
	rateLimit         string
	lastText          string
	lastMetrics       []string
	copiedToClipboard bool
	noSpeech          bool
	lastLog           string
}

var (
	tuiProgram   *tea.Program
	tuiMu        sync.Mutex
	tuiReady     = make(chan struct{})
	tuiReadyOnce sync.Once
)

var (
	styleRec     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	styleStandby = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	styleWarn    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	styleDim     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	styleInfo    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	styleText    = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	styleCopied  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleTitle   = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	styleHelp    = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	styleHelpKey = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
	styleMeterOn = lipgloss.NewStyle().Foreground(lipgloss.Color("120"))
	styleMeterHi = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func startTUI() {
	tuiMu.Lock()
	tuiProgram = NewTUIProgram()
	tuiMu.Unlock()

	go func() {
		if _, err := tuiProgram.Run(); err != nil {
			log.Errorf("TUI error: %v", err)
			os.Exit(1)
		}
		gracefulShutdown()
	}()

	<-tuiReady
}

func tuiProg() *tea.Program {
	tuiMu.Lock()
	defer tuiMu.Unlock()
	return tuiProgram
}

func tuiSend(msg tea.Msg) {
	if p := tuiProg(); p != nil {
		p.Send(msg)
	}
}

func NewTUIProgram() *tea.Program {
	m := tuiModel{}
	return tea.NewProgram(m, tea.WithAltScreen())
}

func tuiTick() tea.Cmd {
	return tea.Tick(60*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	tuiReadyOnce.Do(func() { close(tuiReady) })
	return tuiTick()
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "ctrl+g":
			select {
			case deviceSelectChan <- struct{}{}:
			default:
			}
		}

	case tickMsg:
		m.frame++
		return m, tuiTick()

	case RecordingStartMsg:
		m.state = tuiStateRecording
		m.recordingDuration = 0
		m.audioLevel = 0
		m.noVoice = false

	case RecordingStopMsg:
		m.state = tuiStateIdle
		m.audioLevel = 0
		m.noVoice = false

	case RecordingTickMsg:
		m.recordingDuration = msg.Duration

	case AudioLevelMsg:
		if m.state == tuiStateRecording {
			m.audioLevel = m.audioLevel*0.6 + msg.Level*0.4
		}

	case NoVoiceWarningMsg:
		m.noVoice = true

	case VoiceClearedMsg:
		m.noVoice = false

	case LogMsg:
		m.lastLog = msg.Text

	case TranscriptionMsg:
		m.msgCount++
		m.lastText = msg.Text
		m.lastMetrics = msg.Metrics
		m.copiedToClipboard = msg.Copied
		m.noSpeech = msg.NoSpeech
		m.lastLog = ""

	case ModeLineMsg:
		m.modeLine = msg.Text

	case DeviceLineMsg:
		m.deviceLine = msg.Text

	case TriggerLineMsg:
		m.trigger = msg.Trigger

	case HybridHelpMsg:
		m.hybrid = msg.Enabled

	case RateLimitMsg:
		m.rateLimit = msg.Text
	}
	return m, nil
}

const statusWidth = 34

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	recording := m.state == tuiStateRecording

	var statusLines []string
	if recording {
		statusLines = append(statusLines,
			styleRec.Render(fmt.Sprintf("● REC %.1fs", m.recordingDuration)))
		statusLines = append(statusLines, renderLevelMeter(m.audioLevel))
		if m.noVoice {
			statusLines = append(statusLines, styleWarn.Render("⚠ no voice detected"))
		}
	} else {
		statusLines = append(statusLines, styleStandby.Render("○ STANDBY"))
		statusLines = append(statusLines, renderLevelMeter(0))
	}
	statusLines = append(statusLines, "")

	if m.modeLine != "" {
		statusLines = append(statusLines, styleInfo.Render(m.modeLine))
	}
	if m.deviceLine != "" {
		statusLines = append(statusLines, styleDim.Render(m.deviceLine))
	}
	if m.rateLimit != "" {
		statusLines = append(statusLines, styleDim.Render(m.rateLimit))
	}

	if table := renderPercentileTable(); table != "" {
		statusLines = append(statusLines, "")
		for _, line := range strings.Split(table, "\n") {
			statusLines = append(statusLines, styleDim.Render(line))
		}
	}

	statusLines = append(statusLines, "")

	trigger := m.trigger
	if trigger == "" {
		trigger = "Ctrl+Shift+Space"
	}
	action := " to record"
	if m.hybrid {
		action = " tap=toggle, hold=PTT"
	}
	statusLines = append(statusLines, styleHelpKey.Render(trigger)+styleHelp.Render(action))
	statusLines = append(statusLines, styleHelp.Render("dikt "+version))

	// Right panel: the last transcription
	logWidth := m.width - statusWidth - 1
	if logWidth < 20 {
		logWidth = 20
	}
	wrapWidth := logWidth - 2
	if wrapWidth < 10 {
		wrapWidth = 10
	}

	var logContent strings.Builder
	if m.lastText != "" {
		logContent.WriteString(styleTitle.Render(fmt.Sprintf("Last transcription (#%d)", m.msgCount)) + "\n\n")

		textStyle := styleText
		if m.noSpeech {
			textStyle = styleWarn
		}
		lines := wrapText(m.lastText, wrapWidth)
		for i, line := range lines {
			logContent.WriteString(textStyle.Render(line))
			if i == len(lines)-1 && m.copiedToClipboard && !m.noSpeech {
				logContent.WriteString(" " + styleCopied.Render("[✓ copied]"))
			}
			logContent.WriteString("\n")
		}

		if len(m.lastMetrics) > 0 {
			logContent.WriteString("\n")
			for _, metric := range m.lastMetrics {
				logContent.WriteString(styleDim.Render(metric) + "\n")
			}
		}
	} else {
		logContent.WriteString(styleDim.Render("No transcriptions yet"))
	}
	if m.lastLog != "" {
		logContent.WriteString("\n\n" + styleWarn.Render(m.lastLog))
	}

	statusPanel := lipgloss.NewStyle().
		Width(statusWidth - 1).
		Height(m.height).
		PaddingLeft(1).
		Render(strings.Join(statusLines, "\n"))

	logPanel := lipgloss.NewStyle().
		Width(logWidth).
		Height(m.height).
		PaddingLeft(1).
		Render(logContent.String())

	return lipgloss.JoinHorizontal(lipgloss.Top, statusPanel, logPanel)
}

// renderLevelMeter draws a fixed-width VU bar. Input RMS rarely
// exceeds ~0.3 for speech, so the scale saturates early.
func renderLevelMeter(level float64) string {
	const cells = 24
	lit := int(level * 4 * cells)
	if lit > cells {
		lit = cells
	}

	var b strings.Builder
	for i := 0; i < cells; i++ {
		switch {
		case i < lit && i >= cells*3/4:
			b.WriteString(styleMeterHi.Render("▮"))
		case i < lit:
			b.WriteString(styleMeterOn.Render("▮"))
		default:
			b.WriteString(styleDim.Render("▯"))
		}
	}
	return b.String()
}

func logToTUI(format string, args ...interface{}) {
	if p := tuiProg(); p != nil {
		p.Send(LogMsg{Text: fmt.Sprintf(format, args...)})
	}
}

func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	var lines []string
	for len(text) > width {
		// Find last space within width
		splitAt := width
		for i := width; i > 0; i-- {
			if text[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, text[:splitAt])
		text = strings.TrimLeft(text[splitAt:], " ")
	}
	if len(text) > 0 {
		lines = append(lines, text)
	}
	return lines
}

func renderPercentileTable() string {
	transcriptionsMu.Lock()
	defer transcriptionsMu.Unlock()

	if len(transcriptions) == 0 {
		return ""
	}

	ts := percentileStats.TotalMs
	es := percentileStats.EncodeMs
	cs := percentileStats.CompPct

	return fmt.Sprintf(
		"        %5s %5s %5s %5s %5s\n"+
			"total   %5.0f %5.0f %5.0f %5.0f %5.0f\n"+
			"encode  %5.0f %5.0f %5.0f %5.0f %5.0f\n"+
			"comp    %4.0f%% %4.0f%% %4.0f%% %4.0f%% %4.0f%%",
		"min", "p50", "p90", "p95", "max",
		ts[0], ts[1], ts[2], ts[3], ts[4],
		es[0], es[1], es[2], es[3], es[4],
		cs[0], cs[1], cs[2], cs[3], cs[4],
	)
}
