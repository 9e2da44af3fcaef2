package profiler

import (
	"sort"
	"time"

	"github.com/schedscope/schedscope/pkg/report"
)

// aggregateInput bundles everything the report builder combines.
type aggregateInput struct {
	sessionID   string
	backendName string
	startedAt   time.Time
	duration    time.Duration
	overhead    time.Duration
	stats       []report.FunctionStat
	records     []*TaskRecord
	lagSamples  []report.LagSample
	threshold   time.Duration
	topLimit    int
	health      *report.ProcessHealth
}

// buildReport is the pure combination step: no side effects, one immutable
// report out.
func buildReport(in aggregateInput) *report.Report {
	return &report.Report{
		SessionID:    in.sessionID,
		Backend:      in.backendName,
		StartedAt:    in.startedAt,
		Duration:     in.duration,
		Overhead:     in.overhead,
		Tasks:        buildTaskTree(in.records),
		TaskCount:    len(in.records),
		Blocking:     DetectBlockingCalls(in.stats, in.threshold),
		Lag:          ComputeLagStats(in.lagSamples),
		TopFunctions: topFunctions(in.stats, in.topLimit),
		Health:       in.health,
	}
}

// buildTaskTree reconstructs the hierarchy from parent pointers. Records with
// no parent are roots; records pointing at an unknown parent are promoted to
// roots rather than dropped, since a missing parent is a recoverable
// inconsistency, not a fatal one. Children attach in creation-time order.
func buildTaskTree(records []*TaskRecord) []*report.TaskNode {
	nodes := make(map[uint64]*report.TaskNode, len(records))
	ordered := make([]*report.TaskNode, 0, len(records))

	for _, rec := range records {
		node := &report.TaskNode{
			ID:        rec.ID,
			Name:      rec.Name,
			FuncName:  rec.FuncName,
			ParentID:  rec.ParentID,
			CreatedAt: rec.CreatedAt,
			Cancelled: rec.Cancelled,
			Error:     rec.ErrMsg,
		}
		if rec.CompletedAt.IsZero() {
			node.Incomplete = true
		} else {
			completed := rec.CompletedAt
			node.CompletedAt = &completed
			node.Duration = completed.Sub(rec.CreatedAt)
		}
		nodes[rec.ID] = node
		ordered = append(ordered, node)
	}

	var roots []*report.TaskNode
	for _, node := range ordered {
		if node.ParentID == nil {
			roots = append(roots, node)
			continue
		}
		parent, ok := nodes[*node.ParentID]
		if !ok {
			roots = append(roots, node)
			continue
		}
		parent.Children = append(parent.Children, node)
	}

	// Records arrive in creation order, but completion callbacks do not;
	// keep the ordering explicit anyway.
	var sortChildren func(nodes []*report.TaskNode)
	sortChildren = func(nodes []*report.TaskNode) {
		sort.SliceStable(nodes, func(i, j int) bool {
			return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
		})
		for _, n := range nodes {
			sortChildren(n.Children)
		}
	}
	sortChildren(roots)
	return roots
}

// topFunctions returns the statistics sorted descending by total time,
// capped at limit.
func topFunctions(stats []report.FunctionStat, limit int) []report.FunctionStat {
	out := make([]report.FunctionStat, len(stats))
	copy(out, stats)
	sort.SliceStable(out, func(i, j int) bool { return out[i].TotalTime > out[j].TotalTime })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
