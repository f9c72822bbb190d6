// Package compiler turns a declarative experiment document into a
// canonical, content-addressed ExperimentConfig: comment stripping,
// shorthand desugaring, structural validation, reference resolution and
// expression pre-parsing happen here, so the runtime only ever consumes
// the canonical form.
package compiler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tidwall/jsonc"

	"github.com/pairit/pairit/internal/expr"
	"github.com/pairit/pairit/pkg/types"
)

// LintDiagnostic is a non-fatal structural finding surfaced alongside a
// successful compile.
type LintDiagnostic struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// document is the loosely-typed shape accepted as input, matching the
// declarative document's shorthands.
type document struct {
	ConfigID        string                       `json:"configId"`
	OwnerID         string                       `json:"ownerId"`
	InitialPageID   string                       `json:"initialPageId"`
	Pages           []pageDoc                    `json:"pages"`
	UserStateSchema map[string]types.FieldSchema `json:"userStateSchema"`
	Agents          []types.AgentConfig          `json:"agents,omitempty"`
	Matchmaking     []types.PoolConfig           `json:"matchmaking,omitempty"`
	AllowRetake     bool                         `json:"allowRetake"`
	RequireAuth     bool                         `json:"requireAuth"`
}

type pageDoc struct {
	ID             string            `json:"id"`
	Text           *textShorthand    `json:"text,omitempty"`
	Survey         *surveyShorthand  `json:"survey,omitempty"`
	Components     []componentDoc    `json:"components,omitempty"`
	Buttons        []buttonDoc       `json:"buttons,omitempty"`
	End            bool              `json:"end,omitempty"`
	EndRedirectURL string            `json:"endRedirectUrl,omitempty"`
}

type textShorthand struct {
	Body string `json:"body"`
}

type surveyShorthand struct {
	Questions []questionDoc `json:"questions"`
}

type questionDoc struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"` // "likert5" | "multiple_choice" | "text" | ...
	Prompt   string         `json:"prompt"`
	Choices  []string       `json:"choices,omitempty"`
	Answer   map[string]any `json:"answer,omitempty"`
}

type componentDoc struct {
	ID    string          `json:"id,omitempty"`
	Type  string          `json:"type"`
	Props json.RawMessage `json:"props"`
}

type buttonDoc struct {
	ID     string        `json:"id"`
	Label  string        `json:"label,omitempty"`
	Action *actionDoc    `json:"action,omitempty"`
}

type actionDoc struct {
	Type     string        `json:"type,omitempty"` // shorthand: "next" | "end", or omitted with Target/Branches set
	Target   string        `json:"target,omitempty"`
	Branches []branchDoc   `json:"branches,omitempty"`
	Assigns  []assignDoc   `json:"assigns,omitempty"`
}

type branchDoc struct {
	When   string `json:"when,omitempty"`
	Target string `json:"target"`
}

type assignDoc struct {
	Path  string `json:"path"`
	Value string `json:"value"`
}

// Compile runs the full pipeline over a raw JSON/JSONC document and
// produces the canonical, immutable ExperimentConfig.
func Compile(raw []byte) (*types.ExperimentConfig, []LintDiagnostic, error) {
	var diags []LintDiagnostic

	clean := jsonc.ToJSON(raw)
	var doc document
	if err := json.Unmarshal(clean, &doc); err != nil {
		return nil, nil, fmt.Errorf("compiler: parse: %w", err)
	}

	if doc.ConfigID == "" {
		return nil, nil, fmt.Errorf("compiler: configId is required")
	}
	if doc.InitialPageID == "" {
		return nil, nil, fmt.Errorf("compiler: initialPageId is required")
	}

	cfg := &types.ExperimentConfig{
		ConfigID:        doc.ConfigID,
		OwnerID:         doc.OwnerID,
		InitialPageID:   doc.InitialPageID,
		UserStateSchema: doc.UserStateSchema,
		Agents:          doc.Agents,
		Matchmaking:     doc.Matchmaking,
		AllowRetake:     doc.AllowRetake,
		RequireAuth:     doc.RequireAuth,
	}
	if cfg.UserStateSchema == nil {
		cfg.UserStateSchema = map[string]types.FieldSchema{}
	}

	pageIDs := map[string]bool{}
	buttonIDsPerPage := map[string]map[string]bool{}

	for _, pd := range doc.Pages {
		if pd.ID == "" {
			return nil, nil, fmt.Errorf("compiler: page missing id")
		}
		if pageIDs[pd.ID] {
			return nil, nil, fmt.Errorf("compiler: duplicate page id %q", pd.ID)
		}
		pageIDs[pd.ID] = true

		page, err := desugarPage(pd)
		if err != nil {
			return nil, nil, fmt.Errorf("compiler: page %q: %w", pd.ID, err)
		}

		seen := map[string]bool{}
		for _, b := range page.Buttons {
			if seen[b.ID] {
				return nil, nil, fmt.Errorf("compiler: page %q has duplicate button id %q", pd.ID, b.ID)
			}
			seen[b.ID] = true
		}
		buttonIDsPerPage[pd.ID] = seen

		if page.End && len(page.Buttons) > 0 {
			return nil, nil, fmt.Errorf("compiler: terminal page %q must not declare buttons", pd.ID)
		}

		cfg.Pages = append(cfg.Pages, page)
	}

	if !pageIDs[cfg.InitialPageID] {
		return nil, nil, fmt.Errorf("compiler: initialPageId %q does not name an existing page", cfg.InitialPageID)
	}

	resolveShorthandTargets(cfg, pageIDs)

	agentIDs := map[string]bool{}
	for _, a := range cfg.Agents {
		if agentIDs[a.ID] {
			return nil, nil, fmt.Errorf("compiler: duplicate agent id %q", a.ID)
		}
		agentIDs[a.ID] = true
	}

	poolIDs := map[string]bool{}
	for i, pool := range cfg.Matchmaking {
		if poolIDs[pool.PoolID] {
			return nil, nil, fmt.Errorf("compiler: duplicate pool id %q", pool.PoolID)
		}
		poolIDs[pool.PoolID] = true
		if pool.TimeoutTarget != "" && !pageIDs[pool.TimeoutTarget] {
			return nil, nil, fmt.Errorf("compiler: matchmaking[%d].timeoutTarget %q does not name an existing page", i, pool.TimeoutTarget)
		}
	}

	for pi := range cfg.Pages {
		page := &cfg.Pages[pi]
		for bi := range page.Buttons {
			btn := &page.Buttons[bi]
			if err := resolveAndCompileAction(btn, pageIDs, cfg.UserStateSchema); err != nil {
				return nil, nil, fmt.Errorf("compiler: page %q button %q: %w", page.ID, btn.ID, err)
			}
		}
	}

	hash, err := configHash(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("compiler: hashing canonical form: %w", err)
	}
	cfg.ConfigHash = hash

	return cfg, diags, nil
}

func desugarPage(pd pageDoc) (types.Page, error) {
	page := types.Page{
		ID:             pd.ID,
		End:            pd.End,
		EndRedirectURL: pd.EndRedirectURL,
	}

	if pd.Text != nil {
		props, _ := json.Marshal(map[string]any{"markdown": true, "body": pd.Text.Body})
		page.Components = append(page.Components, types.Component{Type: "text", Props: props})
	}
	if pd.Survey != nil {
		questions, err := desugarQuestions(pd.Survey.Questions)
		if err != nil {
			return page, err
		}
		props, _ := json.Marshal(map[string]any{"questions": questions})
		page.Components = append(page.Components, types.Component{Type: "survey", Props: props})
	}
	for _, c := range pd.Components {
		page.Components = append(page.Components, types.Component{ID: c.ID, Type: c.Type, Props: c.Props})
	}

	for _, bd := range pd.Buttons {
		btn, err := desugarButton(bd, pd)
		if err != nil {
			return page, err
		}
		page.Buttons = append(page.Buttons, btn)
	}

	return page, nil
}

func desugarQuestions(qs []questionDoc) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(qs))
	for _, q := range qs {
		if q.Type == "multiple_choice" && len(q.Choices) == 0 {
			return nil, fmt.Errorf("multiple_choice question %q requires non-empty choices", q.ID)
		}
		canonical := map[string]any{
			"id":     q.ID,
			"type":   q.Type,
			"prompt": q.Prompt,
		}
		if len(q.Choices) > 0 {
			canonical["choices"] = q.Choices
		}
		if q.Answer != nil {
			canonical["answer"] = q.Answer
		}
		out = append(out, canonical)
	}
	return out, nil
}

func desugarButton(bd buttonDoc, pd pageDoc) (types.Button, error) {
	btn := types.Button{ID: bd.ID, Label: bd.Label}
	if bd.Action == nil {
		return btn, fmt.Errorf("button %q missing action", bd.ID)
	}
	a := bd.Action

	switch a.Type {
	case "next":
		// Implied target is the next listed page; a synthetic terminal if
		// this is the last page.
		btn.Action = types.Action{Type: "go_to", Target: "__next__"}
	case "end":
		btn.Action = types.Action{Type: "go_to", Target: "__end__"}
	default:
		btn.Action = types.Action{Type: "go_to", Target: a.Target}
	}
	for _, bb := range a.Branches {
		btn.Action.Branches = append(btn.Action.Branches, types.Branch{When: bb.When, Target: bb.Target})
	}
	for _, as := range a.Assigns {
		btn.Action.Assigns = append(btn.Action.Assigns, types.Assign{Path: as.Path, Value: as.Value})
	}
	if len(btn.Action.Branches) == 0 && btn.Action.Target == "" {
		return btn, fmt.Errorf("action has neither target nor branches")
	}
	return btn, nil
}

// resolveAndCompileAction validates that every branch/target names an
// existing page, pre-parses every `when`/assign expression, and checks
// assign paths against the declared user_state schema.
func resolveAndCompileAction(btn *types.Button, pageIDs map[string]bool, schema map[string]types.FieldSchema) error {
	if btn.Action.Target != "" && btn.Action.Target != "__next__" && btn.Action.Target != "__end__" {
		if !pageIDs[btn.Action.Target] {
			return fmt.Errorf("target %q does not name an existing page", btn.Action.Target)
		}
	}
	if len(btn.Action.Branches) == 0 && btn.Action.Target == "" {
		return fmt.Errorf("action has neither target nor branches")
	}
	for bi := range btn.Action.Branches {
		br := &btn.Action.Branches[bi]
		if !pageIDs[br.Target] {
			return fmt.Errorf("branch target %q does not name an existing page", br.Target)
		}
		if br.When != "" {
			node, err := expr.Parse(br.When)
			if err != nil {
				return fmt.Errorf("branch when %q: %w", br.When, err)
			}
			br.Expr = node
		}
	}
	for ai := range btn.Action.Assigns {
		as := &btn.Action.Assigns[ai]
		fieldName := fieldFromPath(as.Path)
		if _, ok := schema[fieldName]; !ok {
			return fmt.Errorf("assign to undeclared path %q", as.Path)
		}
		node, err := expr.Parse(as.Value)
		if err != nil {
			return fmt.Errorf("assign value %q: %w", as.Value, err)
		}
		as.Expr = node
	}
	return nil
}

// PrepareExpressions re-parses every expression source in a canonical
// config into its AST. The canonical form persists only the source
// strings (ASTs are not serialized), so a config loaded back from the
// store passes through here before the engine evaluates any branch or
// assign. Idempotent: already-populated ASTs are left alone.
func PrepareExpressions(cfg *types.ExperimentConfig) error {
	for pi := range cfg.Pages {
		for bi := range cfg.Pages[pi].Buttons {
			action := &cfg.Pages[pi].Buttons[bi].Action
			for i := range action.Branches {
				br := &action.Branches[i]
				if br.When == "" || br.Expr != nil {
					continue
				}
				node, err := expr.Parse(br.When)
				if err != nil {
					return fmt.Errorf("branch when %q: %w", br.When, err)
				}
				br.Expr = node
			}
			for i := range action.Assigns {
				as := &action.Assigns[i]
				if as.Expr != nil {
					continue
				}
				node, err := expr.Parse(as.Value)
				if err != nil {
					return fmt.Errorf("assign value %q: %w", as.Value, err)
				}
				as.Expr = node
			}
		}
	}
	return nil
}

// syntheticEndPageID is the terminal page the "end" button-action
// shorthand targets when the document does not declare its own terminal
// page.
const syntheticEndPageID = "__end__"

// resolveShorthandTargets rewrites the "next" and "end" action-type
// shorthands (desugarButton's placeholders) into real page ids, appending
// a synthetic terminal page if the document never declares one reachable
// by __end__.
func resolveShorthandTargets(cfg *types.ExperimentConfig, pageIDs map[string]bool) {
	needsSynthEnd := false
	for pi := range cfg.Pages {
		page := &cfg.Pages[pi]
		for bi := range page.Buttons {
			btn := &page.Buttons[bi]
			switch btn.Action.Target {
			case "__next__":
				if pi+1 < len(cfg.Pages) {
					btn.Action.Target = cfg.Pages[pi+1].ID
				} else {
					btn.Action.Target = syntheticEndPageID
					needsSynthEnd = true
				}
			case "__end__":
				btn.Action.Target = syntheticEndPageID
				needsSynthEnd = true
			}
		}
	}
	if needsSynthEnd && !pageIDs[syntheticEndPageID] {
		cfg.Pages = append(cfg.Pages, types.Page{ID: syntheticEndPageID, End: true})
		pageIDs[syntheticEndPageID] = true
	}
}

func fieldFromPath(path string) string {
	const prefix = "user_state."
	if len(path) > len(prefix) && path[:len(prefix)] == prefix {
		return path[len(prefix):]
	}
	return path
}

// configHash computes a stable content digest over the canonical form by
// re-marshaling with sorted map keys (Go's encoding/json already sorts map
// keys, so a plain Marshal of the canonical struct is already stable).
func configHash(cfg *types.ExperimentConfig) (string, error) {
	cp := *cfg
	cp.ConfigHash = ""
	cp.CreatedAt = 0
	data, err := json.Marshal(cp)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// sortedKeys returns the keys of m in sorted order.
func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
