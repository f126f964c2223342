package query

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hiveboard/hiveboard/internal/event"
	"github.com/hiveboard/hiveboard/internal/storage"
)

// Range is a half-open [Since, Until) hour range for metrics queries. A zero
// range defaults to the trailing 24 hours.
type Range struct {
	Since time.Time
	Until time.Time
}

func (e *Engine) normalizeRange(r Range) Range {
	if r.Until.IsZero() {
		r.Until = e.now().Truncate(time.Hour).Add(time.Hour)
	}
	if r.Since.IsZero() {
		r.Since = r.Until.Add(-24 * time.Hour)
	}
	return r
}

// Metrics is the fleet activity summary over a range.
type Metrics struct {
	TasksStarted   int64   `json:"tasks_started"`
	TasksCompleted int64   `json:"tasks_completed"`
	TasksFailed    int64   `json:"tasks_failed"`
	SuccessRate    float64 `json:"success_rate"`
	AvgDurationMS  int64   `json:"avg_duration_ms"`
	ActionsStarted int64   `json:"actions_started"`
	ActionsFailed  int64   `json:"actions_failed"`
	Retries        int64   `json:"retries"`
	Escalations    int64   `json:"escalations"`
	LLMCalls       int64   `json:"llm_calls"`
	TokensIn       int64   `json:"tokens_in"`
	TokensOut      int64   `json:"tokens_out"`
	Cost           float64 `json:"cost"`

	Series []MetricsPoint `json:"series"`
}

// MetricsPoint is one interval in the metrics series.
type MetricsPoint struct {
	Hour           time.Time `json:"hour"`
	TasksCompleted int64     `json:"tasks_completed"`
	TasksFailed    int64     `json:"tasks_failed"`
	LLMCalls       int64     `json:"llm_calls"`
	Cost           float64   `json:"cost"`
}

// Metrics sums agent buckets over the range and produces an hourly series,
// zero-filled for chart continuity.
func (e *Engine) Metrics(ctx context.Context, tenantID, agentID string, r Range) (Metrics, error) {
	r = e.normalizeRange(r)
	buckets, err := e.backend.ListAgentBuckets(ctx, storage.BucketFilter{
		TenantID: tenantID,
		AgentID:  agentID,
		Since:    r.Since,
		Until:    r.Until,
	})
	if err != nil {
		return Metrics{}, err
	}

	var m Metrics
	byHour := map[time.Time]*MetricsPoint{}
	var durationSum int64
	for i := range buckets {
		b := &buckets[i]
		m.TasksStarted += b.TasksStarted
		m.TasksCompleted += b.TasksCompleted
		m.TasksFailed += b.TasksFailed
		durationSum += b.TaskDurationSumMS
		m.ActionsStarted += b.ActionsStarted
		m.ActionsFailed += b.ActionsFailed
		m.Retries += b.Retries
		m.Escalations += b.Escalations
		m.LLMCalls += b.LLMCalls
		m.TokensIn += b.TokensIn
		m.TokensOut += b.TokensOut
		m.Cost += b.Cost

		hour := b.Hour.UTC()
		pt, ok := byHour[hour]
		if !ok {
			pt = &MetricsPoint{Hour: hour}
			byHour[hour] = pt
		}
		pt.TasksCompleted += b.TasksCompleted
		pt.TasksFailed += b.TasksFailed
		pt.LLMCalls += b.LLMCalls
		pt.Cost += b.Cost
	}

	if total := m.TasksCompleted + m.TasksFailed; total > 0 {
		m.SuccessRate = float64(m.TasksCompleted) / float64(total)
		m.AvgDurationMS = durationSum / total
	}
	m.Series = fillHours(r, byHour)
	return m, nil
}

// fillHours produces one point per hour in the range, zero-valued where no
// bucket exists.
func fillHours(r Range, byHour map[time.Time]*MetricsPoint) []MetricsPoint {
	start := r.Since.UTC().Truncate(time.Hour)
	var series []MetricsPoint
	for hour := start; hour.Before(r.Until); hour = hour.Add(time.Hour) {
		if pt, ok := byHour[hour]; ok {
			series = append(series, *pt)
			continue
		}
		series = append(series, MetricsPoint{Hour: hour})
	}
	return series
}

// CostGroup is one row of a cost summary.
type CostGroup struct {
	Key       string  `json:"key"`
	Calls     int64   `json:"calls"`
	TokensIn  int64   `json:"tokens_in"`
	TokensOut int64   `json:"tokens_out"`
	Cost      float64 `json:"cost"`
}

// CostSummary groups LLM spend over the range by agent, model or call name.
func (e *Engine) CostSummary(ctx context.Context, tenantID, groupBy string, r Range) ([]CostGroup, error) {
	r = e.normalizeRange(r)
	groups := map[string]*CostGroup{}

	add := func(key string, u *storage.Usage) {
		g, ok := groups[key]
		if !ok {
			g = &CostGroup{Key: key}
			groups[key] = g
		}
		g.Calls += u.Calls
		g.TokensIn += u.TokensIn
		g.TokensOut += u.TokensOut
		g.Cost += u.Cost
	}

	switch groupBy {
	case "agent", "":
		buckets, err := e.backend.ListAgentBuckets(ctx, storage.BucketFilter{TenantID: tenantID, Since: r.Since, Until: r.Until})
		if err != nil {
			return nil, err
		}
		for i := range buckets {
			b := &buckets[i]
			if b.LLMCalls == 0 {
				continue
			}
			add(b.AgentID, &storage.Usage{Calls: b.LLMCalls, TokensIn: b.TokensIn, TokensOut: b.TokensOut, Cost: b.Cost})
		}
	case "model":
		buckets, err := e.backend.ListModelBuckets(ctx, storage.BucketFilter{TenantID: tenantID, Since: r.Since, Until: r.Until})
		if err != nil {
			return nil, err
		}
		for i := range buckets {
			b := &buckets[i]
			add(b.Model, &storage.Usage{Calls: b.Calls, TokensIn: b.TokensIn, TokensOut: b.TokensOut, Cost: b.Cost})
		}
	case "call_name":
		buckets, err := e.backend.ListAgentBuckets(ctx, storage.BucketFilter{TenantID: tenantID, Since: r.Since, Until: r.Until})
		if err != nil {
			return nil, err
		}
		for i := range buckets {
			for name, u := range buckets[i].ByCallName {
				add(name, u)
			}
		}
	default:
		return nil, fmt.Errorf("unknown group_by %q: %w", groupBy, storage.ErrValidation)
	}

	out := make([]CostGroup, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cost > out[j].Cost })
	return out, nil
}

// CostCalls ranks call names by spend, with per-call averages.
type CostCall struct {
	Name        string  `json:"name"`
	Calls       int64   `json:"calls"`
	TokensIn    int64   `json:"tokens_in"`
	TokensOut   int64   `json:"tokens_out"`
	Cost        float64 `json:"cost"`
	AvgCost     float64 `json:"avg_cost"`
	AvgTokensIn int64   `json:"avg_tokens_in"`
}

func (e *Engine) CostCalls(ctx context.Context, tenantID string, r Range) ([]CostCall, error) {
	groups, err := e.CostSummary(ctx, tenantID, "call_name", r)
	if err != nil {
		return nil, err
	}
	out := make([]CostCall, 0, len(groups))
	for _, g := range groups {
		c := CostCall{Name: g.Key, Calls: g.Calls, TokensIn: g.TokensIn, TokensOut: g.TokensOut, Cost: g.Cost}
		if g.Calls > 0 {
			c.AvgCost = g.Cost / float64(g.Calls)
			c.AvgTokensIn = g.TokensIn / g.Calls
		}
		out = append(out, c)
	}
	return out, nil
}

// CostPoint is one hour of spend.
type CostPoint struct {
	Hour     time.Time `json:"hour"`
	Calls    int64     `json:"calls"`
	TokensIn int64     `json:"tokens_in"`
	Cost     float64   `json:"cost"`
}

// CostTimeseries returns hourly spend over the range, zero-filled.
func (e *Engine) CostTimeseries(ctx context.Context, tenantID string, r Range) ([]CostPoint, error) {
	r = e.normalizeRange(r)
	buckets, err := e.backend.ListAgentBuckets(ctx, storage.BucketFilter{TenantID: tenantID, Since: r.Since, Until: r.Until})
	if err != nil {
		return nil, err
	}

	byHour := map[time.Time]*CostPoint{}
	for i := range buckets {
		b := &buckets[i]
		hour := b.Hour.UTC()
		pt, ok := byHour[hour]
		if !ok {
			pt = &CostPoint{Hour: hour}
			byHour[hour] = pt
		}
		pt.Calls += b.LLMCalls
		pt.TokensIn += b.TokensIn
		pt.Cost += b.Cost
	}

	start := r.Since.UTC().Truncate(time.Hour)
	var series []CostPoint
	for hour := start; hour.Before(r.Until); hour = hour.Add(time.Hour) {
		if pt, ok := byHour[hour]; ok {
			series = append(series, *pt)
			continue
		}
		series = append(series, CostPoint{Hour: hour})
	}
	return series, nil
}

// LLMCallView is one raw llm_call event flattened for listing.
type LLMCallView struct {
	EventID    string    `json:"event_id"`
	AgentID    string    `json:"agent_id"`
	TaskID     string    `json:"task_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Name       string    `json:"name"`
	Model      string    `json:"model"`
	TokensIn   int64     `json:"tokens_in"`
	TokensOut  int64     `json:"tokens_out"`
	Cost       float64   `json:"cost"`
	DurationMS int64     `json:"duration_ms"`
}

// LLMCalls lists raw llm_call events newest-first with cursor pagination.
func (e *Engine) LLMCalls(ctx context.Context, tenantID, agentID, cursor string, limit int) ([]LLMCallView, string, error) {
	beforeTime, beforeID, err := DecodeCursor(cursor)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", err, storage.ErrValidation)
	}
	limit = ClampLimit(limit)

	evs, err := e.backend.ListEvents(ctx, storage.EventFilter{
		TenantID:      tenantID,
		AgentID:       agentID,
		Types:         []event.Type{event.TypeCustom},
		BeforeTime:    beforeTime,
		BeforeEventID: beforeID,
	})
	if err != nil {
		return nil, "", err
	}

	var out []LLMCallView
	next := ""
	for i := range evs {
		ev := &evs[i]
		p, perr := event.ParsePayload(ev.Payload)
		if perr != nil {
			continue
		}
		call, ok := p.LLMCall()
		if !ok {
			continue
		}
		out = append(out, LLMCallView{
			EventID:    ev.EventID,
			AgentID:    ev.AgentID,
			TaskID:     ev.TaskID,
			Timestamp:  ev.Timestamp,
			Name:       call.Name,
			Model:      call.Model,
			TokensIn:   call.TokensIn,
			TokensOut:  call.TokensOut,
			Cost:       call.Cost,
			DurationMS: call.DurationMS,
		})
		if len(out) == limit {
			next = EncodeCursor(ev.Timestamp, ev.EventID)
			break
		}
	}
	return out, next, nil
}
