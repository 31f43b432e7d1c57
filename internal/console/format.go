package console

import (
	"fmt"
	"strings"

	"github.com/lachart/steptest/internal/engine"
	"github.com/lachart/steptest/internal/lactate"
	"github.com/lachart/steptest/internal/telemetry"
	"github.com/lachart/steptest/internal/trainerctl"
)

// formatClock formats whole seconds as MM:SS, or H:MM:SS past an hour.
func formatClock(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h, m, s := seconds/3600, seconds/60%60, seconds%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

func formatState(s engine.State, lastStep int) string {
	var b strings.Builder
	b.WriteString("\n")
	switch s.Mode {
	case engine.ModeIdle:
		b.WriteString("  [gray]Ready[white]\n\n")
		fmt.Fprintf(&b, "  First step: [yellow]%d[white] W for %s\n\n", s.Step.TargetPower, formatClock(s.Step.Duration))
		b.WriteString("  Press [yellow]S[white] to start the test\n")
		return b.String()
	case engine.ModeCompleted:
		b.WriteString("  [green]Test completed[white]\n\n")
		fmt.Fprintf(&b, "  [gray]Duration:[white] %s\n\n", formatClock(s.TotalElapsed))
		b.WriteString("  Press [yellow]C[white] to clear\n")
		return b.String()
	}

	status := "[green]RUNNING[white]"
	if s.Mode == engine.ModePaused {
		status = "[yellow]PAUSED[white]"
	}
	fmt.Fprintf(&b, "  %s  [gray]Total:[white] %s\n\n", status, formatClock(s.TotalElapsed))
	fmt.Fprintf(&b, "  [cyan]Step %d[white] of %d  [yellow]%d[white] W\n", s.CurrentStep+1, lastStep+1, s.Step.TargetPower)

	switch s.Phase {
	case engine.PhaseWork:
		fmt.Fprintf(&b, "  [gray]Work:[white]     %s / %s  (%s left)\n",
			formatClock(s.PhaseElapsed), formatClock(s.Step.Duration), formatClock(s.Step.Duration-s.PhaseElapsed))
	case engine.PhaseRecovery:
		fmt.Fprintf(&b, "  [gray]Recovery:[white] %s / %s  (%s left)\n",
			formatClock(s.PhaseElapsed), formatClock(s.Step.RecoveryDuration), formatClock(s.Step.RecoveryDuration-s.PhaseElapsed))
	case engine.PhaseCountdown:
		fmt.Fprintf(&b, "  [gray]Next step in[white] [yellow]%d[white]\n", s.Countdown)
	}

	b.WriteString("\n  [gray]─────────────────────────[white]\n")
	if s.Mode == engine.ModePaused {
		b.WriteString("  [yellow]S[white] Resume  |  [yellow]X[white] Stop\n")
	} else {
		b.WriteString("  [yellow]S[white] Pause  |  [yellow]K[white] Skip  |  [yellow]I[white] Next interval  |  [yellow]X[white] Stop\n")
	}
	return b.String()
}

var metricRows = []struct {
	metric telemetry.Metric
	label  string
	format string
	unit   string
}{
	{telemetry.MetricPower, "Power", "%.0f", "W"},
	{telemetry.MetricHeartRate, "Heart Rate", "%.0f", "bpm"},
	{telemetry.MetricCadence, "Cadence", "%.0f", "rpm"},
	{telemetry.MetricSpeed, "Speed", "%.1f", "km/h"},
	{telemetry.MetricCoreTemp, "Core Temp", "%.2f", "°C"},
	{telemetry.MetricSmO2, "SmO2", "%.1f", "%"},
	{telemetry.MetricTHb, "tHb", "%.2f", "g/dl"},
	{telemetry.MetricVO2, "VO2", "%.0f", "ml/min"},
	{telemetry.MetricVCO2, "VCO2", "%.0f", "ml/min"},
	{telemetry.MetricVentilation, "VE", "%.1f", "l/min"},
}

func formatSnapshot(s telemetry.Snapshot) string {
	var b strings.Builder
	b.WriteString("\n")
	for _, r := range metricRows {
		if _, ok := s.Get(r.metric); !ok {
			continue
		}
		fmt.Fprintf(&b, "  %-11s [yellow]%s[white] %s\n", r.label+":", s.Format(r.metric, r.format), r.unit)
	}
	if b.Len() == 1 {
		return "\n  [gray]Waiting for data...[white]"
	}
	return b.String()
}

func formatDevices(devices []telemetry.DeviceStatus, trainer trainerctl.Status) string {
	var b strings.Builder
	b.WriteString("\n")
	if len(devices) == 0 {
		b.WriteString("  [gray]No devices configured[white]\n")
	}
	for _, d := range devices {
		dot := "[gray]○[white]"
		switch d.State {
		case telemetry.StateConnected:
			dot = "[green]●[white]"
		case telemetry.StateConnecting:
			dot = "[yellow]●[white]"
		}
		fmt.Fprintf(&b, "  %s %-12s %s\n", dot, d.Type, d.Name)
		if d.State == telemetry.StateDisconnected && d.LastError != "" {
			fmt.Fprintf(&b, "      [red]%s[white]\n", d.LastError)
		}
	}
	fmt.Fprintf(&b, "\n  [gray]Trainer:[white] %s\n", trainer)
	return b.String()
}

func formatLactate(entries []lactate.Entry, prompt *engine.LactatePrompt) string {
	var b strings.Builder
	b.WriteString("\n")
	if prompt != nil {
		fmt.Fprintf(&b, "  [yellow]Take a sample for step %d[white] (press [yellow]L[white])\n\n", prompt.Step.StepNumber)
	}
	if len(entries) == 0 {
		b.WriteString("  [gray]No lactate values yet[white]\n")
		return b.String()
	}
	b.WriteString("  [gray]Step   Power  Lactate  Borg   Time[white]\n")
	for _, e := range entries {
		borg := "-"
		if e.Borg != nil {
			borg = fmt.Sprintf("%d", *e.Borg)
		}
		fmt.Fprintf(&b, "  %4d  %5.0f  %7.1f  %4s  %s\n", e.Step, e.Power, e.Lactate, borg, formatClock(e.Time))
	}
	return b.String()
}
