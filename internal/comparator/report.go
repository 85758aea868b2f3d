package comparator

import (
	"fmt"
	"strings"

	"github.com/wudi/migrator/internal/migration"
)

// Report renders a deterministic, human-readable text version of result
// used by logs and tests. Identical inputs always yield a byte-identical
// report: no timestamps, map iteration, or other non-deterministic
// content is included.
func Report(result migration.ComparisonResult) string {
	var b strings.Builder

	b.WriteString("SUMMARY\n")
	fmt.Fprintf(&b, "  overall_match: %v\n", result.OverallMatch)
	fmt.Fprintf(&b, "  critical: %d  warning: %d  info: %d\n", len(result.Critical), len(result.Warning), len(result.Info))

	b.WriteString("CRITICAL\n")
	writeDiscrepancies(&b, result.Critical)

	b.WriteString("WARNING\n")
	writeDiscrepancies(&b, result.Warning)

	b.WriteString("PERFORMANCE\n")
	fmt.Fprintf(&b, "  legacy_ms: %.1f  new_ms: %.1f  delta_ms: %.1f  regression: %v\n",
		result.PerformanceAnalysis.LegacyMillis,
		result.PerformanceAnalysis.NewMillis,
		result.PerformanceAnalysis.DeltaMillis,
		result.PerformanceAnalysis.Regression,
	)

	b.WriteString("FILES\n")
	for _, fc := range result.FileComparisons {
		status := "match"
		if !fc.Matched {
			status = "mismatch(" + fc.Reason + ")"
		}
		fmt.Fprintf(&b, "  %s: %s\n", fc.Path, status)
	}

	return b.String()
}

func writeDiscrepancies(b *strings.Builder, ds []migration.Discrepancy) {
	for _, d := range ds {
		fmt.Fprintf(b, "  [%s] %s: %s\n", d.Severity, d.Kind, d.Message)
	}
}
