package silas

import "context"

// Channel abstracts the message transport (WebSocket gateway, Telegram,
// CLI). The core consumes only this surface; framing and reconnection live
// in the adapter.
type Channel interface {
	// Listen returns a stream of inbound messages tagged with their
	// connection id. Blocks until ctx is cancelled; the adapter closes the
	// channel on shutdown.
	Listen(ctx context.Context) (<-chan InboundMessage, error)
	// Send delivers text to a recipient connection.
	Send(ctx context.Context, recipient, text string, replyTo string) error
}

// InboundMessage pairs a channel message with the connection it arrived on.
type InboundMessage struct {
	Message      Message
	ConnectionID string
}

// Optional channel capabilities. The orchestrator type-asserts for these
// and degrades to plain Send when an adapter does not implement one.

// SuggestionSender delivers proactive suggestion cards to a side panel.
type SuggestionSender interface {
	SendSuggestion(ctx context.Context, recipient string, card Suggestion) error
}

// ApprovalSender delivers an approval request card for a work item and
// awaits the verdict. Returning false or an error counts as denial.
type ApprovalSender interface {
	SendApprovalRequest(ctx context.Context, recipient string, item WorkItem) (bool, error)
}

// BatchReviewSender re-emits a pending batch review after restart.
type BatchReviewSender interface {
	SendBatchReview(ctx context.Context, recipient string, items []WorkItem) error
}

// StreamSender delivers a response incrementally. Adapters without it
// receive the full text via Send.
type StreamSender interface {
	SendStreamStart(ctx context.Context, recipient string) (streamID string, err error)
	SendStreamChunk(ctx context.Context, streamID, chunk string) error
	SendStreamEnd(ctx context.Context, streamID string) error
}
