// Package alerts evaluates alert rules against live metrics and the
// stage error stream, aggregates recurring alerts by key, and fans
// notifications out to the configured sinks.
package alerts

// Severity levels, highest first.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
	SeverityInfo     = "info"
)

var severityRank = map[string]int{
	SeverityCritical: 4,
	SeverityHigh:     3,
	SeverityMedium:   2,
	SeverityLow:      1,
	SeverityInfo:     0,
}

// SeverityAtLeast reports whether severity meets or exceeds threshold.
// Unknown severities rank below info.
func SeverityAtLeast(severity, threshold string) bool {
	sev, ok := severityRank[severity]
	if !ok {
		sev = -1
	}
	min, ok := severityRank[threshold]
	if !ok {
		min = 0
	}
	return sev >= min
}
