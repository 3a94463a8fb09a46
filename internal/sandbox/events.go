package sandbox

import "time"

// EventType names a lifecycle or execution event.
type EventType string

const (
	EventSessionCreated     EventType = "session_created"
	EventSessionReset       EventType = "session_reset"
	EventSessionClosed      EventType = "session_closed"
	EventSnippetSubmitted   EventType = "snippet_submitted"
	EventSnippetCompleted   EventType = "snippet_completed"
	EventDelegationIssued   EventType = "delegation_issued"
	EventDelegationReturned EventType = "delegation_returned"
)

// Event is delivered to observers. Fields beyond Type, SessionID and Time
// are set depending on the type.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Time      time.Time `json:"time"`

	Session *SessionInfo     `json:"session,omitempty"`
	Seq     int              `json:"seq,omitempty"`
	Code    string           `json:"code,omitempty"`
	Result  *ExecutionResult `json:"result,omitempty"`
	Depth   int              `json:"depth,omitempty"`
	Prompt  string           `json:"prompt,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// Observer receives events. Observers are passive: they must not block and
// cannot change execution. Delegation events from llm_query_batched arrive
// from several goroutines at once.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// Observers fans an event out to several observers in order.
type Observers []Observer

func (o Observers) OnEvent(e Event) {
	for _, obs := range o {
		obs.OnEvent(e)
	}
}
