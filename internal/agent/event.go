package agent

// EventKind identifies what an Event reports to the UI.
type EventKind int

const (
	// KindToken carries a display delta in Text.
	KindToken EventKind = iota
	// KindClearText tells the UI to discard the partial text shown so
	// far; the model switched to tool calls.
	KindClearText
	// KindToolsInUse lists, in Tools, every tool about to run this round.
	KindToolsInUse
	// KindCompleted ends the exchange; Text holds the final reply.
	KindCompleted
	// KindFailed ends the exchange; Err is the cause and Text its
	// display form.
	KindFailed
	// KindCancelled ends the exchange at the user's request.
	KindCancelled
)

// String returns the wire name of the kind.
func (k EventKind) String() string {
	switch k {
	case KindToken:
		return "token"
	case KindClearText:
		return "clear_text"
	case KindToolsInUse:
		return "tools_in_use"
	case KindCompleted:
		return "completed"
	case KindFailed:
		return "failed"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the kind ends an exchange.
func (k EventKind) Terminal() bool {
	return k == KindCompleted || k == KindFailed || k == KindCancelled
}

// Event is one notification for the UI about the current exchange.
type Event struct {
	Kind       EventKind
	ExchangeID string
	Text       string
	Tools      []string
	Err        error
}

// Sink receives exchange events in order. Deliver is called with the
// loop's lock held and must not call back into the Loop.
type Sink interface {
	Deliver(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Deliver calls f(e).
func (f SinkFunc) Deliver(e Event) { f(e) }
