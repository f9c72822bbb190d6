package types

// Group is formed atomically by the matchmaker and never re-opened.
type Group struct {
	GroupID          string         `json:"groupId"`
	PoolID           string         `json:"poolId"`
	ConfigID         string         `json:"configId"`
	MemberSessionIDs []string       `json:"memberSessionIds"`
	Treatment        string         `json:"treatment,omitempty"`
	SharedState      map[string]any `json:"sharedState"`
	ChatGroupID      string         `json:"chatGroupId"`
	ChatEnded        bool           `json:"chatEnded,omitempty"`
	NextChatSequence int64          `json:"nextChatSequence"`
	Version          int64          `json:"version"`
	CreatedAt        int64          `json:"createdAt"`
	ClosedAt         *int64         `json:"closedAt,omitempty"`
}

// ChatMessage is an append-only message in a group's chat room.
type ChatMessage struct {
	MessageID string `json:"messageId"`
	GroupID   string `json:"groupId"`
	SenderKind string `json:"senderKind"` // "participant" | "agent" | "system"
	SenderID  string `json:"senderId"`
	Body      string `json:"body"`
	CreatedAt int64  `json:"createdAt"`
	Sequence  int64  `json:"sequence"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// MatchPoolEntry is a transient queue slot, persisted for crash recovery.
type MatchPoolEntry struct {
	SessionID  string `json:"sessionId"`
	ConfigID   string `json:"configId"`
	PoolID     string `json:"poolId"`
	EnqueuedAt int64  `json:"enqueuedAt"`
}
