// Package comparator performs canary dual-execution analysis: it diffs
// two GenerationResults structurally and by content, classifies every
// difference as critical, warning, or info, and renders a deterministic
// text report for logs and tests.
package comparator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/wudi/migrator/internal/migration"
)

// Options tunes the comparator's tolerances. Zero-value Options matches
// the documented defaults except where noted.
type Options struct {
	AcceptableModelCountDifference    int
	AcceptableFileCountDifference     int
	MaxFileSizeForContentComparison   int64 // bytes; default 1 MiB when zero
	IgnoreWhitespaceDifferences       bool
	IgnoreTimestampDifferences        bool
	PerformanceToleranceMillis        float64
	PerformanceRegressionThreshold    float64 // default 1.2 when zero
}

const defaultMaxFileSize = 1 << 20 // 1 MiB
const defaultRegressionThreshold = 1.2

func (o Options) maxFileSize() int64 {
	if o.MaxFileSizeForContentComparison > 0 {
		return o.MaxFileSizeForContentComparison
	}
	return defaultMaxFileSize
}

func (o Options) regressionThreshold() float64 {
	if o.PerformanceRegressionThreshold > 0 {
		return o.PerformanceRegressionThreshold
	}
	return defaultRegressionThreshold
}

// Comparator compares legacy and new GenerationResults.
type Comparator struct {
	opts Options
}

// New constructs a Comparator with opts.
func New(opts Options) *Comparator {
	return &Comparator{opts: opts}
}

// Compare never panics to the caller: a panic inside diff logic is
// recovered and turned into a critical comparison_error discrepancy.
func (c *Comparator) Compare(legacy, newRes migration.GenerationResult) (result migration.ComparisonResult) {
	defer func() {
		if rec := recover(); rec != nil {
			result = migration.ComparisonResult{
				OverallMatch: false,
				Critical: []migration.Discrepancy{{
					Severity: migration.SeverityCritical,
					Kind:     migration.KindComparisonError,
					Message:  fmt.Sprintf("comparison panicked: %v", rec),
				}},
			}
		}
	}()

	result = c.compare(legacy, newRes)
	return result
}

func (c *Comparator) compare(legacy, newRes migration.GenerationResult) migration.ComparisonResult {
	var critical, warning, info []migration.Discrepancy

	if legacy.Success != newRes.Success {
		critical = append(critical, migration.Discrepancy{
			Severity: migration.SeverityCritical,
			Kind:     migration.KindSuccessStatus,
			Message:  fmt.Sprintf("success status differs: legacy=%v new=%v", legacy.Success, newRes.Success),
		})
	}

	modelDelta := len(newRes.GeneratedModels) - len(legacy.GeneratedModels)
	if abs(modelDelta) > c.opts.AcceptableModelCountDifference {
		critical = append(critical, migration.Discrepancy{
			Severity: migration.SeverityCritical,
			Kind:     migration.KindModelCount,
			Message:  fmt.Sprintf("model count differs: legacy=%d new=%d", len(legacy.GeneratedModels), len(newRes.GeneratedModels)),
		})
	}

	fileDelta := len(newRes.GeneratedFiles) - len(legacy.GeneratedFiles)
	if abs(fileDelta) > c.opts.AcceptableFileCountDifference {
		critical = append(critical, migration.Discrepancy{
			Severity: migration.SeverityCritical,
			Kind:     migration.KindFileCount,
			Message:  fmt.Sprintf("file count differs: legacy=%d new=%d", len(legacy.GeneratedFiles), len(newRes.GeneratedFiles)),
		})
	}

	modelComparisons, modelDiscrepancies := compareModels(legacy.GeneratedModels, newRes.GeneratedModels)
	critical = append(critical, modelDiscrepancies...)

	fileComparisons, fileDiscrepancies := c.compareFiles(legacy.GeneratedFiles, newRes.GeneratedFiles)
	critical = append(critical, fileDiscrepancies...)

	perf, perfDiscrepancy := c.analyzePerformance(legacy.ExecutionTime, newRes.ExecutionTime)
	if perfDiscrepancy != nil {
		if perf.Regression {
			warning = append(warning, *perfDiscrepancy)
		} else {
			info = append(info, *perfDiscrepancy)
		}
	}

	return migration.ComparisonResult{
		OverallMatch:        len(critical) == 0,
		Critical:            critical,
		Warning:             warning,
		Info:                info,
		FileComparisons:      fileComparisons,
		ModelComparisons:     modelComparisons,
		PerformanceAnalysis: perf,
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// compareModels matches models by table name and flags structural
// mismatches and models present on only one side.
func compareModels(legacy, newModels []migration.ModelDescriptor) ([]migration.ModelComparison, []migration.Discrepancy) {
	legacyByTable := make(map[string]migration.ModelDescriptor, len(legacy))
	for _, m := range legacy {
		legacyByTable[m.TableName] = m
	}
	newByTable := make(map[string]migration.ModelDescriptor, len(newModels))
	for _, m := range newModels {
		newByTable[m.TableName] = m
	}

	tables := make(map[string]struct{}, len(legacyByTable)+len(newByTable))
	for t := range legacyByTable {
		tables[t] = struct{}{}
	}
	for t := range newByTable {
		tables[t] = struct{}{}
	}

	sorted := make([]string, 0, len(tables))
	for t := range tables {
		sorted = append(sorted, t)
	}
	sort.Strings(sorted)

	var comparisons []migration.ModelComparison
	var discrepancies []migration.Discrepancy

	for _, table := range sorted {
		l, lok := legacyByTable[table]
		n, nok := newByTable[table]
		switch {
		case !lok || !nok:
			discrepancies = append(discrepancies, migration.Discrepancy{
				Severity: migration.SeverityCritical,
				Kind:     migration.KindModelMissing,
				Message:  fmt.Sprintf("model %s present on only one side", table),
				Details:  map[string]any{"table_name": table, "legacy_present": lok, "new_present": nok},
			})
			comparisons = append(comparisons, migration.ModelComparison{TableName: table, Matched: false, Reason: "missing_on_one_side"})
		case l.ClassName != n.ClassName || l.KebabName != n.KebabName || l.FileCount != n.FileCount:
			discrepancies = append(discrepancies, migration.Discrepancy{
				Severity: migration.SeverityCritical,
				Kind:     migration.KindModelStructure,
				Message:  fmt.Sprintf("model %s structure differs", table),
				Details: map[string]any{
					"table_name":      table,
					"legacy_class":    l.ClassName,
					"new_class":       n.ClassName,
					"legacy_kebab":    l.KebabName,
					"new_kebab":       n.KebabName,
					"legacy_files":    l.FileCount,
					"new_files":       n.FileCount,
				},
			})
			comparisons = append(comparisons, migration.ModelComparison{TableName: table, Matched: false, Reason: "structure_mismatch"})
		default:
			comparisons = append(comparisons, migration.ModelComparison{TableName: table, Matched: true})
		}
	}

	return comparisons, discrepancies
}

var (
	iso8601Pattern   = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?`)
	generatedPattern = regexp.MustCompile(`Generated: \S+ \S+`)
	whitespaceRun    = regexp.MustCompile(`\s+`)
)

// normalize applies timestamp/whitespace normalization per Options.
func (c *Comparator) normalize(content string) string {
	if c.opts.IgnoreTimestampDifferences {
		content = iso8601Pattern.ReplaceAllString(content, "")
		content = generatedPattern.ReplaceAllString(content, "")
	}
	if c.opts.IgnoreWhitespaceDifferences {
		content = whitespaceRun.ReplaceAllString(content, " ")
		content = strings.TrimSpace(content)
	}
	return content
}

func contentHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// compareFiles matches files by path.
func (c *Comparator) compareFiles(legacy, newFiles []migration.GeneratedFile) ([]migration.FileComparison, []migration.Discrepancy) {
	legacyByPath := make(map[string]migration.GeneratedFile, len(legacy))
	for _, f := range legacy {
		legacyByPath[f.Path] = f
	}
	newByPath := make(map[string]migration.GeneratedFile, len(newFiles))
	for _, f := range newFiles {
		newByPath[f.Path] = f
	}

	paths := make(map[string]struct{}, len(legacyByPath)+len(newByPath))
	for p := range legacyByPath {
		paths[p] = struct{}{}
	}
	for p := range newByPath {
		paths[p] = struct{}{}
	}
	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	var comparisons []migration.FileComparison
	var discrepancies []migration.Discrepancy

	for _, path := range sorted {
		l, lok := legacyByPath[path]
		n, nok := newByPath[path]

		switch {
		case lok && !nok:
			discrepancies = append(discrepancies, migration.Discrepancy{
				Severity: migration.SeverityCritical,
				Kind:     migration.KindFileMissing,
				Message:  fmt.Sprintf("file %s present only in legacy", path),
				Details:  map[string]any{"path": path, "side": "legacy_only"},
			})
			comparisons = append(comparisons, migration.FileComparison{Path: path, Matched: false, Reason: "legacy_only"})

		case !lok && nok:
			discrepancies = append(discrepancies, migration.Discrepancy{
				Severity: migration.SeverityCritical,
				Kind:     migration.KindFileMissing,
				Message:  fmt.Sprintf("file %s present only in new", path),
				Details:  map[string]any{"path": path, "side": "new_only"},
			})
			comparisons = append(comparisons, migration.FileComparison{Path: path, Matched: false, Reason: "new_only"})

		default:
			if int64(len(l.Content)) > c.opts.maxFileSize() || int64(len(n.Content)) > c.opts.maxFileSize() {
				if len(l.Content) == len(n.Content) {
					comparisons = append(comparisons, migration.FileComparison{Path: path, Matched: true, Reason: "size_only"})
				} else {
					discrepancies = append(discrepancies, migration.Discrepancy{
						Severity: migration.SeverityCritical,
						Kind:     migration.KindFileContent,
						Message:  fmt.Sprintf("file %s sizes differ (content comparison skipped, over size limit)", path),
						Details:  map[string]any{"path": path, "legacy_size": len(l.Content), "new_size": len(n.Content)},
					})
					comparisons = append(comparisons, migration.FileComparison{Path: path, Matched: false, Reason: "size_mismatch"})
				}
				continue
			}

			lNorm := c.normalize(l.Content)
			nNorm := c.normalize(n.Content)
			if contentHash(lNorm) == contentHash(nNorm) {
				comparisons = append(comparisons, migration.FileComparison{Path: path, Matched: true})
			} else {
				discrepancies = append(discrepancies, migration.Discrepancy{
					Severity: migration.SeverityCritical,
					Kind:     migration.KindFileContent,
					Message:  fmt.Sprintf("file %s content differs", path),
					Details:  map[string]any{"path": path},
				})
				comparisons = append(comparisons, migration.FileComparison{Path: path, Matched: false, Reason: "content_mismatch"})
			}
		}
	}

	return comparisons, discrepancies
}

// analyzePerformance computes the legacy/new timing delta and, when the
// new engine is both absolutely and proportionally slower than the
// configured tolerances, returns a performance_regression discrepancy.
func (c *Comparator) analyzePerformance(legacyTime, newTime time.Duration) (migration.PerformanceAnalysis, *migration.Discrepancy) {
	legacyMs := float64(legacyTime) / float64(time.Millisecond)
	newMs := float64(newTime) / float64(time.Millisecond)
	delta := newMs - legacyMs

	analysis := migration.PerformanceAnalysis{
		LegacyMillis: legacyMs,
		NewMillis:    newMs,
		DeltaMillis:  delta,
	}

	if legacyMs <= 0 {
		return analysis, nil
	}

	ratio := newMs / legacyMs
	if delta > c.opts.PerformanceToleranceMillis && ratio > c.opts.regressionThreshold() {
		analysis.Regression = true
		return analysis, &migration.Discrepancy{
			Severity: migration.SeverityWarning,
			Kind:     migration.KindPerformanceRegression,
			Message:  fmt.Sprintf("new engine %.1fms slower than legacy (%.2fx)", delta, ratio),
			Details:  map[string]any{"legacy_ms": legacyMs, "new_ms": newMs, "delta_ms": delta, "ratio": ratio},
		}
	}

	return analysis, &migration.Discrepancy{
		Severity: migration.SeverityInfo,
		Kind:     migration.KindPerformanceRegression,
		Message:  fmt.Sprintf("performance within tolerance: legacy=%.1fms new=%.1fms", legacyMs, newMs),
		Details:  map[string]any{"legacy_ms": legacyMs, "new_ms": newMs, "delta_ms": delta, "ratio": ratio},
	}
}
