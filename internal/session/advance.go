package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pairit/pairit/internal/apperr"
	"github.com/pairit/pairit/internal/expr"
	"github.com/pairit/pairit/pkg/types"
)

// validateAndComputeDeltas applies the action's server-computed assigns
// and, if this is a survey submission, validates and projects the
// answers into user_state writes — in that order.
// It returns the deltas without mutating the session; Advance applies them
// inside the storage transaction.
func validateAndComputeDeltas(page *types.Page, btn *types.Button, ev ClientEvent, sess *types.Session, cfg *types.ExperimentConfig) ([]types.StateDelta, error) {
	var deltas []types.StateDelta

	evalCtx := expr.Context{
		UserState: sess.UserState,
		Event:     map[string]any{"payload": toAny(ev.Payload)},
		Run:       map[string]any{"currentPageId": sess.CurrentPageID},
	}
	for _, a := range btn.Action.Assigns {
		node, ok := a.Expr.(expr.Node)
		if !ok {
			continue
		}
		val := expr.Evaluate(node, evalCtx)
		field := fieldFromPath(a.Path)
		schema, ok := cfg.UserStateSchema[field]
		if !ok {
			return nil, apperr.New(apperr.CodeForbiddenWrite, fmt.Sprintf("assign to undeclared path %q", a.Path))
		}
		if !valueMatchesSchema(val, schema) {
			return nil, apperr.New(apperr.CodeSchemaMismatch, fmt.Sprintf("assign value for %q does not match declared type", a.Path))
		}
		deltas = append(deltas, types.StateDelta{Path: a.Path, Before: sess.UserState[field], After: val})
	}

	if ev.Type == "survey_submission" || hasSurveyComponent(page) {
		surveyDeltas, err := validateSurveyAnswers(page, ev, cfg)
		if err != nil {
			return nil, err
		}
		deltas = append(deltas, surveyDeltas...)
	}

	return deltas, nil
}

type surveyQuestion struct {
	ID      string   `json:"id"`
	Type    string   `json:"type"`
	Choices []string `json:"choices,omitempty"`
}

func hasSurveyComponent(page *types.Page) bool {
	for _, c := range page.Components {
		if c.Type == "survey" {
			return true
		}
	}
	return false
}

func surveyQuestions(page *types.Page) []surveyQuestion {
	for _, c := range page.Components {
		if c.Type != "survey" {
			continue
		}
		var props struct {
			Questions []surveyQuestion `json:"questions"`
		}
		if err := json.Unmarshal(c.Props, &props); err == nil {
			return props.Questions
		}
	}
	return nil
}

// validateSurveyAnswers checks the client-submitted answers map against the
// page's survey question schema, returning a forbidden_write/schema_mismatch
// error on the first problem.
func validateSurveyAnswers(page *types.Page, ev ClientEvent, cfg *types.ExperimentConfig) ([]types.StateDelta, error) {
	questions := surveyQuestions(page)
	if len(questions) == 0 {
		return nil, nil
	}
	answersRaw, _ := ev.Payload["answers"].(map[string]any)
	var deltas []types.StateDelta
	for _, q := range questions {
		val, present := answersRaw[q.ID]
		if !present {
			continue
		}
		schema, ok := cfg.UserStateSchema[q.ID]
		if !ok {
			return nil, apperr.New(apperr.CodeForbiddenWrite, fmt.Sprintf("no declared user_state field for question %q", q.ID))
		}
		if !questionAnswerValid(q, val) || !valueMatchesSchema(val, schema) {
			return nil, apperr.New(apperr.CodeSchemaMismatch, fmt.Sprintf("answer for question %q does not conform to schema", q.ID))
		}
		deltas = append(deltas, types.StateDelta{Path: "user_state." + q.ID, After: val})
	}
	return deltas, nil
}

func questionAnswerValid(q surveyQuestion, val any) bool {
	switch q.Type {
	case "likert5":
		f, ok := numberOf(val)
		return ok && f >= 1 && f <= 5
	case "multiple_choice":
		s, ok := val.(string)
		if !ok {
			return false
		}
		for _, c := range q.Choices {
			if c == s {
				return true
			}
		}
		return false
	default:
		return true
	}
}

func numberOf(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

func valueMatchesSchema(val any, schema types.FieldSchema) bool {
	switch schema.Type {
	case "int":
		_, ok := numberOf(val)
		return ok
	case "bool":
		_, ok := val.(bool)
		return ok
	case "string":
		_, ok := val.(string)
		return ok
	case "enum":
		s, ok := val.(string)
		if !ok {
			return false
		}
		for _, e := range schema.Enum {
			if e == s {
				return true
			}
		}
		return false
	case "object", "array":
		return true // structural validation only; shape is experimenter-defined
	default:
		return true
	}
}

// applyDeltas returns a copy of state with deltas applied, used to build
// the expression-evaluation context for branch conditions: branches
// observe the post-assign state.
func applyDeltas(state map[string]any, deltas []types.StateDelta) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = v
	}
	for _, d := range deltas {
		setUserStatePath(out, d.Path, d.After)
	}
	return out
}

func setUserStatePath(state map[string]any, path string, value any) {
	field := fieldFromPath(path)
	state[field] = value
}

func fieldFromPath(path string) string {
	const prefix = "user_state."
	if strings.HasPrefix(path, prefix) {
		return strings.TrimPrefix(path, prefix)
	}
	return path
}

// resolveTarget evaluates an action's branches in order, returning the
// first truthy branch's target, falling back to an unconditional branch,
// then to action.Target. No match yields no_branch_matched.
func resolveTarget(action types.Action, ctx expr.Context) (string, error) {
	fallback := ""
	for _, br := range action.Branches {
		if br.When == "" {
			if fallback == "" {
				fallback = br.Target
			}
			continue
		}
		if node, ok := br.Expr.(expr.Node); ok && expr.EvaluateBool(node, ctx) {
			return br.Target, nil
		}
	}
	if fallback != "" {
		return fallback, nil
	}
	if action.Target != "" {
		return action.Target, nil
	}
	return "", apperr.New(apperr.CodeNoBranchMatched, "no branch matched and no default target")
}

// buildAdvanceEvents constructs the ordered event batch for one Advance
// call: button_click, an optional survey_submission, state_updated when
// there are deltas, and session_ended if this transition terminates the
// session. All receive contiguous sequence numbers; all but session_ended
// carry the idempotency key.
func buildAdvanceEvents(startSeq int64, sessionID, pageID string, ev ClientEvent, btn *types.Button, deltas []types.StateDelta, targetPage *types.Page, idempotencyKey string, now int64) []types.Event {
	var events []types.Event
	seq := startSeq

	events = append(events, types.Event{
		Sequence:       seq,
		SessionID:      sessionID,
		Type:           types.EventButtonClick,
		PageID:         pageID,
		ComponentID:    btn.ID,
		Timestamp:      now,
		IdempotencyKey: idempotencyKey,
		Data:           types.ButtonClickData{ButtonID: btn.ID, PageID: pageID, Label: btn.Label},
	})
	seq++

	if answers, ok := ev.Payload["answers"].(map[string]any); ok && len(answers) > 0 {
		events = append(events, types.Event{
			Sequence:       seq,
			SessionID:      sessionID,
			Type:           types.EventSurveySubmission,
			PageID:         pageID,
			Timestamp:      now,
			IdempotencyKey: idempotencyKey,
			Data:           types.SurveySubmissionData{Answers: answers, PageID: pageID},
		})
		seq++
	}

	if len(deltas) > 0 {
		events = append(events, types.Event{
			Sequence:       seq,
			SessionID:      sessionID,
			Type:           types.EventStateUpdated,
			PageID:         pageID,
			Timestamp:      now,
			IdempotencyKey: idempotencyKey,
			Data:           types.StateUpdatedData{Deltas: deltas},
		})
		seq++
	}

	if targetPage.End {
		events = append(events, types.Event{
			Sequence:  seq,
			SessionID: sessionID,
			Type:      types.EventSessionEnded,
			PageID:    targetPage.ID,
			Timestamp: now,
		})
	}

	return events
}

func hasMatchmakingComponent(page *types.Page) bool {
	return matchmakingPoolID(page) != ""
}

func matchmakingPoolID(page *types.Page) string {
	for _, c := range page.Components {
		if c.Type != "matchmaking" {
			continue
		}
		var props struct {
			PoolID string `json:"poolId"`
		}
		if err := json.Unmarshal(c.Props, &props); err == nil {
			return props.PoolID
		}
	}
	return ""
}
