package protocol

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// Diff renders a unified diff of the step tables of a and b, or "" when they
// are equal.
func Diff(a, b Protocol) (string, error) {
	before, after := table(a), table(b)
	if before == after {
		return "", nil
	}
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "before",
		ToFile:   "after",
		Context:  1,
	}
	out, err := difflib.GetUnifiedDiffString(ud)
	if err != nil {
		return "", fmt.Errorf("diff protocol: %w", err)
	}
	return out, nil
}

func table(p Protocol) string {
	var b strings.Builder
	for _, s := range p.Steps {
		fmt.Fprintf(&b, "step %2d  %4d W  work %4ds  recovery %4ds\n",
			s.StepNumber, s.TargetPower, s.Duration, s.RecoveryDuration)
	}
	return b.String()
}
