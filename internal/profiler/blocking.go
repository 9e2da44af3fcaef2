package profiler

import (
	"sort"
	"time"

	"github.com/schedscope/schedscope/pkg/report"
)

// Severity multipliers over the blocking threshold, in the spirit of the
// usual minor/major/critical latency tiers.
const (
	severityMajorFactor    = 4
	severityCriticalFactor = 10
)

// DetectBlockingCalls flags functions that likely stalled the scheduler:
// non-coroutine entries whose average duration meets the threshold. Coroutine
// entries are excluded because suspension is not blocking. This is a
// heuristic over averages, not a proof of blocking.
func DetectBlockingCalls(stats []report.FunctionStat, threshold time.Duration) []report.BlockingCallRecord {
	var out []report.BlockingCallRecord
	for _, st := range stats {
		if st.Coroutine {
			continue
		}
		if st.AverageTime < threshold {
			continue
		}
		out = append(out, report.BlockingCallRecord{
			Function:    st.Name,
			File:        st.File,
			Line:        st.Line,
			AverageTime: st.AverageTime,
			CallCount:   st.CallCount,
			Severity:    blockingSeverity(st.AverageTime, threshold),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AverageTime > out[j].AverageTime })
	return out
}

// blockingSeverity tiers a blocking call by how far its average sits above
// the threshold.
func blockingSeverity(avg, threshold time.Duration) string {
	switch {
	case avg >= severityCriticalFactor*threshold:
		return report.SeverityCritical
	case avg >= severityMajorFactor*threshold:
		return report.SeverityMajor
	default:
		return report.SeverityMinor
	}
}
