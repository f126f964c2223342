package query

import (
	"context"
	"sort"
	"time"

	"github.com/hiveboard/hiveboard/internal/storage"
)

// AgentInsight ranks one agent by spend with fleet comparison.
type AgentInsight struct {
	AgentID        string  `json:"agent_id"`
	LLMCalls       int64   `json:"llm_calls"`
	TokensIn       int64   `json:"tokens_in"`
	TokensOut      int64   `json:"tokens_out"`
	Cost           float64 `json:"cost"`
	CostShare      float64 `json:"cost_share"`
	VsFleetAverage float64 `json:"vs_fleet_average"`
	TasksCompleted int64   `json:"tasks_completed"`
	TasksFailed    int64   `json:"tasks_failed"`
}

// AgentInsights ranks agents by cost over the range.
func (e *Engine) AgentInsights(ctx context.Context, tenantID string, r Range) ([]AgentInsight, error) {
	r = e.normalizeRange(r)
	buckets, err := e.backend.ListAgentBuckets(ctx, storage.BucketFilter{TenantID: tenantID, Since: r.Since, Until: r.Until})
	if err != nil {
		return nil, err
	}

	byAgent := map[string]*AgentInsight{}
	var totalCost float64
	for i := range buckets {
		b := &buckets[i]
		ins, ok := byAgent[b.AgentID]
		if !ok {
			ins = &AgentInsight{AgentID: b.AgentID}
			byAgent[b.AgentID] = ins
		}
		ins.LLMCalls += b.LLMCalls
		ins.TokensIn += b.TokensIn
		ins.TokensOut += b.TokensOut
		ins.Cost += b.Cost
		ins.TasksCompleted += b.TasksCompleted
		ins.TasksFailed += b.TasksFailed
		totalCost += b.Cost
	}

	out := make([]AgentInsight, 0, len(byAgent))
	avg := 0.0
	if len(byAgent) > 0 {
		avg = totalCost / float64(len(byAgent))
	}
	for _, ins := range byAgent {
		if totalCost > 0 {
			ins.CostShare = ins.Cost / totalCost
		}
		if avg > 0 {
			ins.VsFleetAverage = ins.Cost / avg
		}
		out = append(out, *ins)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cost > out[j].Cost })
	return out, nil
}

// ModelInsight summarizes one model's usage.
type ModelInsight struct {
	Model         string  `json:"model"`
	Calls         int64   `json:"calls"`
	TokensIn      int64   `json:"tokens_in"`
	TokensOut     int64   `json:"tokens_out"`
	Cost          float64 `json:"cost"`
	CostShare     float64 `json:"cost_share"`
	AvgDurationMS int64   `json:"avg_duration_ms"`
}

// ModelInsights ranks models by cost over the range.
func (e *Engine) ModelInsights(ctx context.Context, tenantID string, r Range) ([]ModelInsight, error) {
	r = e.normalizeRange(r)
	buckets, err := e.backend.ListModelBuckets(ctx, storage.BucketFilter{TenantID: tenantID, Since: r.Since, Until: r.Until})
	if err != nil {
		return nil, err
	}

	byModel := map[string]*ModelInsight{}
	durations := map[string]int64{}
	var totalCost float64
	for i := range buckets {
		b := &buckets[i]
		ins, ok := byModel[b.Model]
		if !ok {
			ins = &ModelInsight{Model: b.Model}
			byModel[b.Model] = ins
		}
		ins.Calls += b.Calls
		ins.TokensIn += b.TokensIn
		ins.TokensOut += b.TokensOut
		ins.Cost += b.Cost
		durations[b.Model] += b.DurationSumMS
		totalCost += b.Cost
	}

	out := make([]ModelInsight, 0, len(byModel))
	for model, ins := range byModel {
		if totalCost > 0 {
			ins.CostShare = ins.Cost / totalCost
		}
		if ins.Calls > 0 {
			ins.AvgDurationMS = durations[model] / ins.Calls
		}
		out = append(out, *ins)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cost > out[j].Cost })
	return out, nil
}

// TimeseriesInsight is the hourly activity series for charts.
func (e *Engine) TimeseriesInsight(ctx context.Context, tenantID string, r Range) ([]MetricsPoint, error) {
	m, err := e.Metrics(ctx, tenantID, "", r)
	if err != nil {
		return nil, err
	}
	return m.Series, nil
}

// ErrorInsight is the error breakdown over the range.
type ErrorInsight struct {
	TotalErrors int64            `json:"total_errors"`
	ByType      map[string]int64 `json:"by_type"`
	ByCategory  map[string]int64 `json:"by_category"`
	Series      []ErrorPoint     `json:"series"`
}

// ErrorPoint is one hour of failures.
type ErrorPoint struct {
	Hour     time.Time `json:"hour"`
	Failures int64     `json:"failures"`
}

// ErrorInsights sums failure counters and composes an hourly series,
// zero-filled.
func (e *Engine) ErrorInsights(ctx context.Context, tenantID string, r Range) (ErrorInsight, error) {
	r = e.normalizeRange(r)
	buckets, err := e.backend.ListAgentBuckets(ctx, storage.BucketFilter{TenantID: tenantID, Since: r.Since, Until: r.Until})
	if err != nil {
		return ErrorInsight{}, err
	}

	ins := ErrorInsight{ByType: map[string]int64{}, ByCategory: map[string]int64{}}
	byHour := map[time.Time]int64{}
	for i := range buckets {
		b := &buckets[i]
		failures := b.TasksFailed + b.ActionsFailed
		ins.TotalErrors += failures
		byHour[b.Hour.UTC()] += failures
		for typ, n := range b.ErrorsByType {
			ins.ByType[typ] += n
		}
		for cat, n := range b.ErrorsByCat {
			ins.ByCategory[cat] += n
		}
	}

	start := r.Since.UTC().Truncate(time.Hour)
	for hour := start; hour.Before(r.Until); hour = hour.Add(time.Hour) {
		ins.Series = append(ins.Series, ErrorPoint{Hour: hour, Failures: byHour[hour]})
	}
	return ins, nil
}

// PromptInsight ranks the biggest prompts seen in the range.
type PromptInsight struct {
	AgentID  string `json:"agent_id"`
	CallName string `json:"call_name,omitempty"`
	TokensIn int64  `json:"tokens_in"`
}

// PromptInsights ranks the largest prompt per agent over the range.
func (e *Engine) PromptInsights(ctx context.Context, tenantID string, r Range) ([]PromptInsight, error) {
	r = e.normalizeRange(r)
	buckets, err := e.backend.ListAgentBuckets(ctx, storage.BucketFilter{TenantID: tenantID, Since: r.Since, Until: r.Until})
	if err != nil {
		return nil, err
	}

	best := map[string]*PromptInsight{}
	for i := range buckets {
		b := &buckets[i]
		if b.MaxTokensIn == 0 {
			continue
		}
		cur, ok := best[b.AgentID]
		if !ok || b.MaxTokensIn > cur.TokensIn {
			best[b.AgentID] = &PromptInsight{
				AgentID:  b.AgentID,
				CallName: b.MaxTokensInCall,
				TokensIn: b.MaxTokensIn,
			}
		}
	}

	out := make([]PromptInsight, 0, len(best))
	for _, ins := range best {
		out = append(out, *ins)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokensIn > out[j].TokensIn })
	return out, nil
}

// ActionInsight is one action name's usage distribution entry.
type ActionInsight struct {
	Name  string  `json:"name"`
	Count int64   `json:"count"`
	Share float64 `json:"share"`
}

// ActionInsights ranks action names by usage over the range.
func (e *Engine) ActionInsights(ctx context.Context, tenantID string, r Range) ([]ActionInsight, error) {
	r = e.normalizeRange(r)
	buckets, err := e.backend.ListAgentBuckets(ctx, storage.BucketFilter{TenantID: tenantID, Since: r.Since, Until: r.Until})
	if err != nil {
		return nil, err
	}

	counts := map[string]int64{}
	var total int64
	for i := range buckets {
		for name, n := range buckets[i].ByActionName {
			counts[name] += n
			total += n
		}
	}

	out := make([]ActionInsight, 0, len(counts))
	for name, n := range counts {
		ins := ActionInsight{Name: name, Count: n}
		if total > 0 {
			ins.Share = float64(n) / float64(total)
		}
		out = append(out, ins)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out, nil
}
