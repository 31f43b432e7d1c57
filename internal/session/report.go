package session

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/lachart/steptest/internal/engine"
	"github.com/lachart/steptest/internal/recorder"
	"github.com/olekukonko/tablewriter"
)

// StepSummary condenses the work interval of one step.
type StepSummary struct {
	Step        int
	TargetPower int
	MeanPower   *float64
	MeanHR      *float64
	Lactate     []float64
	Borg        *int
}

// Summarize computes per-step figures from work-phase samples and the
// lactate entries of a result.
func Summarize(r engine.Result) []StepSummary {
	out := make([]StepSummary, len(r.Protocol.Steps))
	for i, st := range r.Protocol.Steps {
		out[i] = StepSummary{Step: st.StepNumber, TargetPower: st.TargetPower}
		out[i].MeanPower = mean(r.Samples, i, func(s recorder.Sample) *float64 { return s.Power })
		out[i].MeanHR = mean(r.Samples, i, func(s recorder.Sample) *float64 { return s.HeartRate })
	}
	for _, e := range r.LactateEntries {
		i := e.Step - 1
		if i < 0 || i >= len(out) {
			continue
		}
		out[i].Lactate = append(out[i].Lactate, e.Lactate)
		if e.Borg != nil {
			b := *e.Borg
			out[i].Borg = &b
		}
	}
	return out
}

func mean(samples []recorder.Sample, step int, field func(recorder.Sample) *float64) *float64 {
	var sum float64
	var n int
	for _, s := range samples {
		if s.Step != step || s.Phase != engine.PhaseWork.String() {
			continue
		}
		if v := field(s); v != nil {
			sum += *v
			n++
		}
	}
	if n == 0 {
		return nil
	}
	m := sum / float64(n)
	return &m
}

// WriteReport prints a session with one table row per step.
func WriteReport(w io.Writer, s Session) error {
	if _, err := fmt.Fprintf(w, "Session %s\nStarted %s, duration %s, %d samples\n\n",
		s.ID, s.StartedAt.Local().Format("2006-01-02 15:04"), s.Duration, s.Samples); err != nil {
		return err
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Step", "Target W", "Mean W", "Mean HR", "Lactate", "Borg"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	for _, st := range Summarize(s.Result) {
		lac := make([]string, len(st.Lactate))
		for i, v := range st.Lactate {
			lac[i] = strconv.FormatFloat(v, 'f', 1, 64)
		}
		borg := "-"
		if st.Borg != nil {
			borg = strconv.Itoa(*st.Borg)
		}
		table.Append([]string{
			strconv.Itoa(st.Step),
			strconv.Itoa(st.TargetPower),
			formatOptional(st.MeanPower),
			formatOptional(st.MeanHR),
			orDash(strings.Join(lac, " / ")),
			borg,
		})
	}
	table.Render()
	return nil
}

// WriteList prints one row per stored session.
func WriteList(w io.Writer, sessions []Summary) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Started", "Duration", "Steps", "Samples", "Lactate"})
	for _, s := range sessions {
		table.Append([]string{
			s.ID,
			s.StartedAt.Local().Format("2006-01-02 15:04"),
			s.Duration.String(),
			strconv.Itoa(s.Steps),
			strconv.Itoa(s.Samples),
			strconv.Itoa(s.LactateEntries),
		})
	}
	table.Render()
}

func formatOptional(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 0, 64)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
