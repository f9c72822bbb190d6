// Package types holds the data model shared by the compiler, the session
// engine, the matchmaker, the chat coordinator and the agent runtime.
package types

import "encoding/json"

// Expr is an opaque pre-parsed expression AST, produced by the compiler
// (internal/expr.Parse) and consumed by the session engine
// (internal/expr.Evaluate). The types package carries no dependency on the
// expression grammar; it only threads the parsed node through.
type Expr = any

// ExperimentConfig is the canonical, immutable form a declarative study
// document compiles into. The compiler is the only producer of this shape;
// nothing downstream re-interprets shorthand.
type ExperimentConfig struct {
	ConfigID       string               `json:"configId"`
	ConfigHash     string               `json:"configHash"`
	OwnerID        string               `json:"ownerId"`
	InitialPageID  string               `json:"initialPageId"`
	Pages          []Page               `json:"pages"`
	UserStateSchema map[string]FieldSchema `json:"userStateSchema"`
	Agents         []AgentConfig        `json:"agents,omitempty"`
	Matchmaking    []PoolConfig         `json:"matchmaking,omitempty"`
	AllowRetake    bool                 `json:"allowRetake"`
	RequireAuth    bool                 `json:"requireAuth"`
	CreatedAt      int64                `json:"createdAt"`
}

// FieldSchema describes one declared user_state field.
type FieldSchema struct {
	Type string   `json:"type"` // "int" | "bool" | "string" | "object" | "array" | "enum"
	Enum []string `json:"enum,omitempty"`
}

// Page is an ordered list of components plus an ordered list of buttons.
type Page struct {
	ID             string      `json:"id"`
	Components     []Component `json:"components"`
	Buttons        []Button    `json:"buttons,omitempty"`
	End            bool        `json:"end,omitempty"`
	EndRedirectURL string      `json:"endRedirectUrl,omitempty"`
}

// Component is a typed unit of page content. Props are kept as raw JSON;
// each component handler in the session/render layer knows its own shape.
type Component struct {
	ID    string          `json:"id,omitempty"`
	Type  string          `json:"type"` // "text" | "survey" | "media" | "matchmaking" | "chat"
	Props json.RawMessage `json:"props"`
}

// Button is a stable, addressable control on a page.
type Button struct {
	ID     string `json:"id"`
	Label  string `json:"label,omitempty"`
	Action Action `json:"action"`
}

// Action is what a button does. Only go_to exists today.
type Action struct {
	Type     string    `json:"type"` // "go_to"
	Target   string    `json:"target,omitempty"`
	Branches []Branch  `json:"branches,omitempty"`
	Assigns  []Assign  `json:"assigns,omitempty"`
}

// Branch is one rule in an ordered action.branches list.
type Branch struct {
	When   string `json:"when,omitempty"` // expression source; empty means unconditional
	Target string `json:"target"`
	Expr   Expr   `json:"-"` // pre-parsed AST, populated by the compiler
}

// Assign is a server-computed user_state write attached to an action.
type Assign struct {
	Path  string `json:"path"`
	Value string `json:"value"` // expression source evaluated against the event context
	Expr  Expr   `json:"-"`
}

// AgentConfig declares one AI chat participant.
type AgentConfig struct {
	ID     string     `json:"id"`
	Model  string     `json:"model"` // "anthropic/claude-sonnet-4-20250514"
	System string     `json:"system"`
	Tools  []ToolSpec `json:"tools,omitempty"`
}

// ToolSpec is an experimenter-declared tool available to an agent. Built-in
// tools (end_chat, assign_state) are always available and are not declared
// here; this list is for custom, JSON-Schema-validated tools.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// PoolConfig declares one matchmaking pool.
type PoolConfig struct {
	PoolID         string   `json:"poolId"`
	NumUsers       int      `json:"numUsers"`
	TimeoutSeconds int      `json:"timeoutSeconds"`
	Conditions     []string `json:"conditions,omitempty"` // treatment condition set; empty means no treatment
	TimeoutTarget  string   `json:"timeoutTarget,omitempty"`
	SharedFields   map[string]any `json:"sharedFields,omitempty"` // initial group.sharedState
}
