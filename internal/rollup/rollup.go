// Package rollup holds the pure hourly-aggregate update logic. The same
// Apply function runs inside the ingest commit and inside the admin rebuild,
// so a rebuilt tenant always matches what incremental ingest would have
// produced.
package rollup

import (
	"github.com/hiveboard/hiveboard/internal/event"
	"github.com/hiveboard/hiveboard/internal/storage"
)

// Apply folds one accepted event into its agent bucket and, for LLM calls,
// the per-model bucket. It is the storage.BucketApply passed to ApplyIngest.
func Apply(ev event.Event, agent *storage.AgentBucket, model func(model string) *storage.ModelBucket) {
	switch ev.Type {
	case event.TypeTaskStarted:
		agent.TasksStarted++
	case event.TypeTaskCompleted:
		agent.TasksCompleted++
		if ev.DurationMS != nil {
			agent.TaskDurationSumMS += *ev.DurationMS
		}
	case event.TypeTaskFailed:
		agent.TasksFailed++
		if ev.DurationMS != nil {
			agent.TaskDurationSumMS += *ev.DurationMS
		}
		countError(agent, ev.ErrorType)
	case event.TypeActionStarted:
		agent.ActionsStarted++
	case event.TypeActionCompleted:
		agent.ActionsCompleted++
	case event.TypeActionFailed:
		agent.ActionsFailed++
		countError(agent, ev.ErrorType)
	case event.TypeRetryStarted:
		agent.Retries++
	case event.TypeEscalated:
		agent.Escalations++
	case event.TypeApprovalRequested:
		agent.ApprovalsReq++
	case event.TypeApprovalReceived:
		agent.ApprovalsRecv++
	case event.TypeHeartbeat:
		agent.Heartbeats++
	}

	p, err := event.ParsePayload(ev.Payload)
	if err != nil || p == nil {
		return
	}

	if name := actionName(ev, p); name != "" {
		if agent.ByActionName == nil {
			agent.ByActionName = map[string]int64{}
		}
		agent.ByActionName[name]++
	}

	if issue, ok := p.Issue(); ok && issue.Action == "reported" {
		agent.IssuesReported++
		if issue.Category != "" {
			if agent.ErrorsByCat == nil {
				agent.ErrorsByCat = map[string]int64{}
			}
			agent.ErrorsByCat[issue.Category]++
		}
	}

	if call, ok := p.LLMCall(); ok {
		applyLLMCall(ev, call, agent, model)
	}
}

// actionName extracts the grouping name for action events: the event status
// field is the action outcome, the payload summary names the action.
func actionName(ev event.Event, p *event.Payload) string {
	switch ev.Type {
	case event.TypeActionStarted, event.TypeActionCompleted, event.TypeActionFailed:
	default:
		return ""
	}
	if name := p.String("name"); name != "" {
		return name
	}
	return p.Summary
}

func countError(agent *storage.AgentBucket, errorType string) {
	if errorType == "" {
		errorType = "unknown"
	}
	if agent.ErrorsByType == nil {
		agent.ErrorsByType = map[string]int64{}
	}
	agent.ErrorsByType[errorType]++
}

func applyLLMCall(ev event.Event, call event.LLMCall, agent *storage.AgentBucket, model func(model string) *storage.ModelBucket) {
	agent.LLMCalls++
	agent.TokensIn += call.TokensIn
	agent.TokensOut += call.TokensOut
	agent.Cost += call.Cost
	agent.LLMDurationSumMS += call.DurationMS
	if call.TokensIn > agent.MaxTokensIn {
		agent.MaxTokensIn = call.TokensIn
		agent.MaxTokensInCall = call.Name
	}

	if call.Model != "" {
		if agent.ByModel == nil {
			agent.ByModel = map[string]*storage.Usage{}
		}
		addUsage(agent.ByModel, call.Model, call)
	}
	if call.Name != "" {
		if agent.ByCallName == nil {
			agent.ByCallName = map[string]*storage.Usage{}
		}
		addUsage(agent.ByCallName, call.Name, call)
	}

	if call.Model == "" {
		return
	}
	mb := model(call.Model)
	mb.Calls++
	mb.TokensIn += call.TokensIn
	mb.TokensOut += call.TokensOut
	mb.Cost += call.Cost
	mb.DurationSumMS += call.DurationMS
	if call.TokensIn > mb.MaxTokensIn {
		mb.MaxTokensIn = call.TokensIn
		mb.MaxTokensInAgent = ev.AgentID
		mb.MaxTokensInCall = call.Name
	}
	if mb.ByAgent == nil {
		mb.ByAgent = map[string]*storage.Usage{}
	}
	addUsage(mb.ByAgent, ev.AgentID, call)
	if call.Name != "" {
		if mb.ByCallName == nil {
			mb.ByCallName = map[string]*storage.Usage{}
		}
		addUsage(mb.ByCallName, call.Name, call)
	}
}

func addUsage(m map[string]*storage.Usage, key string, call event.LLMCall) {
	u, ok := m[key]
	if !ok {
		u = &storage.Usage{}
		m[key] = u
	}
	u.Calls++
	u.TokensIn += call.TokensIn
	u.TokensOut += call.TokensOut
	u.Cost += call.Cost
}
