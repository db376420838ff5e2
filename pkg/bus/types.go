package bus

// InboundMessage is a line typed by a local user, before it is turned into a thread event.
type InboundMessage struct {
	Channel  string            `json:"channel"`
	User     string            `json:"user"`
	Text     string            `json:"text"`
	ThreadTS string            `json:"thread_ts,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// OutboundKind distinguishes the visible effects a gateway reports back.
type OutboundKind string

const (
	OutboundReply           OutboundKind = "reply"
	OutboundReactionAdded   OutboundKind = "reaction_added"
	OutboundReactionRemoved OutboundKind = "reaction_removed"
	OutboundDeleted         OutboundKind = "deleted"
)

// OutboundMessage is a visible effect performed by a gateway.
type OutboundMessage struct {
	Kind     OutboundKind      `json:"kind"`
	Channel  string            `json:"channel"`
	ThreadTS string            `json:"thread_ts,omitempty"`
	TS       string            `json:"ts,omitempty"`
	Text     string            `json:"text,omitempty"`
	Reaction string            `json:"reaction,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
