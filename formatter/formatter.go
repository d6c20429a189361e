package formatter

import (
	"appointment-optimizer/models"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Report is what every output format renders.
type Report struct {
	Schedule        *models.Schedule
	Simulation      *models.SimulationResult
	Recommendations []models.Recommendation
	Unplaced        []string
	Optimization    *OptimizationInfo
	Live            *LiveInfo
}

// OptimizationInfo describes how an optimized schedule was produced.
type OptimizationInfo struct {
	Strategy   models.Strategy            `json:"strategy"`
	Score      float64                    `json:"score"`
	Converged  bool                       `json:"converged"`
	Degraded   string                     `json:"degraded,omitempty"`
	Nodes      int64                      `json:"nodes_explored"`
	ElapsedMs  int64                      `json:"elapsed_ms"`
	Overbooked []models.OverbookPair      `json:"overbooked,omitempty"`
	Relaxed    []models.RelaxedConstraint `json:"relaxed,omitempty"`
}

// LiveInfo describes the event that produced a live update.
type LiveInfo struct {
	Session     string           `json:"session"`
	Event       models.EventKind `json:"event"`
	Version     int              `json:"version"`
	Reoptimized bool             `json:"reoptimized"`
	Reason      string           `json:"reason,omitempty"`
	Urgent      bool             `json:"urgent"`
}

// FromResult builds a report from an optimization result.
func FromResult(r *models.OptimizationResult) *Report {
	info := &OptimizationInfo{
		Strategy:   r.Strategy,
		Score:      r.Score,
		Converged:  r.Converged,
		Nodes:      r.NodesExplored,
		ElapsedMs:  r.Elapsed.Milliseconds(),
		Overbooked: r.Overbooked,
		Relaxed:    r.Relaxed,
	}
	if r.Degraded != nil {
		info.Degraded = r.Degraded.Error()
	}
	return &Report{
		Schedule:        r.Schedule,
		Simulation:      r.Simulation,
		Recommendations: r.Recommendations,
		Unplaced:        r.Unplaced,
		Optimization:    info,
	}
}

// reportData holds prepared rows used by all formatters
type reportData struct {
	Optimization    *OptimizationInfo `json:"optimization,omitempty"`
	Live            *LiveInfo         `json:"live,omitempty"`
	Resources       []ResourceRow     `json:"resources"`
	Unplaced        []string          `json:"unplaced,omitempty"`
	Recommendations []RecommendRow    `json:"recommendations,omitempty"`
}

// ResourceRow groups one resource's timeline.
type ResourceRow struct {
	ResourceID     string    `json:"resource_id"`
	WaitingMinutes float64   `json:"waiting_minutes"`
	MaxDelay       float64   `json:"max_delay_minutes"`
	IdleMinutes    float64   `json:"idle_minutes"`
	OverrunMinutes float64   `json:"overrun_minutes"`
	Workload       float64   `json:"workload_minutes"`
	Tasks          []TaskRow `json:"tasks"`
}

// TaskRow is one task with its simulated timing.
type TaskRow struct {
	TaskID         string            `json:"task_id"`
	Priority       int               `json:"priority"`
	Status         models.TaskStatus `json:"status"`
	Scheduled      string            `json:"scheduled"`
	Start          string            `json:"start,omitempty"`
	End            string            `json:"end,omitempty"`
	WaitingMinutes float64           `json:"waiting_minutes"`
	AtRisk         bool              `json:"at_risk"`
	OverbookOf     string            `json:"overbook_of,omitempty"`
	Fixed          bool              `json:"fixed,omitempty"`
	Pinned         bool              `json:"pinned,omitempty"`
}

// RecommendRow is a recommendation flattened for output.
type RecommendRow struct {
	ID                      string  `json:"id"`
	TaskID                  string  `json:"task_id"`
	From                    string  `json:"from"`
	To                      string  `json:"to"`
	WaitingReductionMinutes float64 `json:"waiting_reduction_minutes"`
	ObjectiveImprovement    float64 `json:"objective_improvement"`
	RequiresApproval        bool    `json:"requires_approval"`
}

func prepareReport(r *Report) *reportData {
	data := &reportData{
		Optimization: r.Optimization,
		Live:         r.Live,
		Unplaced:     append([]string(nil), r.Unplaced...),
	}
	sort.Strings(data.Unplaced)

	if r.Schedule != nil {
		byResource := r.Schedule.ByResource()
		for _, id := range getSortedResources(r.Schedule, byResource) {
			row := ResourceRow{ResourceID: id}
			if r.Simulation != nil {
				if s, ok := r.Simulation.Resources[id]; ok {
					row.WaitingMinutes = s.Waiting.Minutes()
					row.MaxDelay = s.MaxDelay.Minutes()
					row.IdleMinutes = s.Idle.Minutes()
					row.OverrunMinutes = s.Overrun.Minutes()
					row.Workload = s.Workload.Minutes()
				}
			}
			for _, i := range byResource[id] {
				row.Tasks = append(row.Tasks, taskRow(r.Schedule.Tasks[i], r.Simulation))
			}
			data.Resources = append(data.Resources, row)
		}
	}

	for _, rec := range r.Recommendations {
		data.Recommendations = append(data.Recommendations, RecommendRow{
			ID:                      rec.ID.String(),
			TaskID:                  rec.TaskID,
			From:                    slot(rec.From),
			To:                      slot(rec.To),
			WaitingReductionMinutes: rec.WaitingReduction.Minutes(),
			ObjectiveImprovement:    rec.ObjectiveImprovement,
			RequiresApproval:        rec.RequiresApproval,
		})
	}
	return data
}

func taskRow(t models.Task, sim *models.SimulationResult) TaskRow {
	row := TaskRow{
		TaskID:     t.ID,
		Priority:   t.Priority,
		Status:     t.Status,
		Scheduled:  clock(t.ScheduledStart),
		OverbookOf: t.OverbookOf,
		Fixed:      t.Fixed,
		Pinned:     t.Pinned,
	}
	if sim == nil {
		return row
	}
	if o, ok := sim.Outcome(t.ID); ok {
		row.Start = clock(o.RealizedStart)
		row.End = clock(o.RealizedEnd)
		row.WaitingMinutes = o.Waiting.Minutes()
		row.AtRisk = o.AtRisk
	}
	return row
}

// FormatText returns the text representation of the report
func FormatText(r *Report) string {
	data := prepareReport(r)
	var sb strings.Builder

	if info := data.Optimization; info != nil {
		sb.WriteString(fmt.Sprintf("strategy=%s score=%.2f converged=%t nodes=%d elapsed=%dms\n",
			info.Strategy, info.Score, info.Converged, info.Nodes, info.ElapsedMs))
		if info.Degraded != "" {
			sb.WriteString(fmt.Sprintf("  ⚠️  DEGRADED: %s\n", info.Degraded))
		}
	}
	if live := data.Live; live != nil {
		sb.WriteString(fmt.Sprintf("%s v%d : %s", live.Session, live.Version, live.Event))
		if live.Urgent {
			sb.WriteString(" [urgent]")
		}
		if live.Reoptimized {
			sb.WriteString(fmt.Sprintf(" ; reoptimized (%s)", live.Reason))
		}
		sb.WriteString("\n")
	}

	for _, res := range data.Resources {
		sb.WriteString(formatResourceLine(res))
		sb.WriteString("\n")
		for _, t := range res.Tasks {
			sb.WriteString(formatTaskLine(t))
			sb.WriteString("\n")
		}
	}

	if info := data.Optimization; info != nil {
		for _, p := range info.Overbooked {
			sb.WriteString(fmt.Sprintf("overbooked: %s shares %s on %s\n", p.SecondaryID, p.PrimaryID, p.ResourceID))
		}
		for _, rc := range info.Relaxed {
			sb.WriteString(fmt.Sprintf("relaxed: %s %s (%s)\n", rc.TaskID, rc.Constraint, rc.Detail))
		}
	}
	if len(data.Unplaced) > 0 {
		sb.WriteString(fmt.Sprintf("unplaced: %s\n", strings.Join(data.Unplaced, ", ")))
	}
	for _, rec := range data.Recommendations {
		sb.WriteString(fmt.Sprintf("recommend %s: move %s %s -> %s, waiting -%.0fm, objective +%.2f",
			rec.ID, rec.TaskID, rec.From, rec.To, rec.WaitingReductionMinutes, rec.ObjectiveImprovement))
		if rec.RequiresApproval {
			sb.WriteString(" (approval required)")
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// FormatJSON returns the JSON representation of the report
func FormatJSON(r *Report) string {
	data := prepareReport(r)
	jsonBytes, _ := json.MarshalIndent(data, "", "  ")
	return string(jsonBytes)
}

// FormatCSV returns one CSV row per task.
func FormatCSV(r *Report) string {
	data := prepareReport(r)
	var sb strings.Builder
	writer := csv.NewWriter(&sb)

	writer.Write([]string{
		"Resource", "Task", "Priority", "Status", "Scheduled", "Start", "End",
		"Waiting (min)", "At Risk", "Overbook Of", "Recommendation",
	})

	recs := make(map[string]RecommendRow, len(data.Recommendations))
	for _, rec := range data.Recommendations {
		recs[rec.TaskID] = rec
	}
	for _, res := range data.Resources {
		for _, t := range res.Tasks {
			writeTaskToCSV(writer, res.ResourceID, t, recs)
		}
	}

	writer.Flush()
	return sb.String()
}

func writeTaskToCSV(writer *csv.Writer, resource string, t TaskRow, recs map[string]RecommendRow) {
	atRisk := "No"
	if t.AtRisk {
		atRisk = "Yes"
	}
	var rec string
	if r, ok := recs[t.TaskID]; ok {
		rec = fmt.Sprintf("%s(waiting=-%.0fm,objective=+%.2f)", r.To, r.WaitingReductionMinutes, r.ObjectiveImprovement)
	}
	writer.Write([]string{
		resource,
		t.TaskID,
		strconv.Itoa(t.Priority),
		string(t.Status),
		t.Scheduled,
		t.Start,
		t.End,
		strconv.FormatFloat(t.WaitingMinutes, 'f', -1, 64),
		atRisk,
		t.OverbookOf,
		rec,
	})
}

func formatResourceLine(r ResourceRow) string {
	return fmt.Sprintf("%s : tasks=%d ; waiting=%.0fm, max_delay=%.0fm, idle=%.0fm, overrun=%.0fm, workload=%.0fm",
		r.ResourceID, len(r.Tasks), r.WaitingMinutes, r.MaxDelay, r.IdleMinutes, r.OverrunMinutes, r.Workload)
}

func formatTaskLine(t TaskRow) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("  %s %s [p%d] %s", t.Scheduled, t.TaskID, t.Priority, t.Status))
	if t.Start != "" {
		sb.WriteString(fmt.Sprintf(" ; start=%s end=%s wait=%.0fm", t.Start, t.End, t.WaitingMinutes))
	}
	var flags []string
	if t.Fixed {
		flags = append(flags, "fixed")
	}
	if t.Pinned {
		flags = append(flags, "pinned")
	}
	if t.OverbookOf != "" {
		flags = append(flags, "overbooks "+t.OverbookOf)
	}
	if len(flags) > 0 {
		sb.WriteString(" (" + strings.Join(flags, ", ") + ")")
	}
	if t.AtRisk {
		sb.WriteString(" ⚠️  AT RISK")
	}
	return sb.String()
}

// getSortedResources returns every resource with a calendar or a task, sorted
func getSortedResources(s *models.Schedule, byResource map[string][]int) []string {
	seen := make(map[string]bool)
	var ids []string
	for id := range s.Calendars {
		seen[id] = true
		ids = append(ids, id)
	}
	for id := range byResource {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func clock(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("15:04")
}

func slot(s models.Slot) string {
	return s.ResourceID + " " + clock(s.Start)
}
