package sip

import "log/slog"

// EventType is the kind of an [Event].
type EventType uint8

const (
	EventUnknown EventType = iota
	// EventTimer is a transaction or session timer expiration.
	EventTimer
	// EventTxMsg is a message handed to the transport.
	EventTxMsg
	// EventRxMsg is a message received from the transport.
	EventRxMsg
	// EventTransportError is a send failure reported by the transport.
	EventTransportError
	// EventTsxState is a transaction state change, Src holds the event that caused it.
	EventTsxState
	// EventUser is an application originated action.
	EventUser
)

func (t EventType) String() string {
	switch t {
	case EventTimer:
		return "timer"
	case EventTxMsg:
		return "tx_msg"
	case EventRxMsg:
		return "rx_msg"
	case EventTransportError:
		return "transport_error"
	case EventTsxState:
		return "tsx_state"
	case EventUser:
		return "user"
	default:
		return "unknown"
	}
}

// Event describes what triggered a state change.
// Events are valid only during the callback they are passed to and must not be retained.
type Event struct {
	Type EventType
	// Timer is the timer name for EventTimer, e.g. "A" or "H".
	Timer string
	// Msg is the message of EventTxMsg and EventRxMsg.
	Msg Message
	// Err is the cause of EventTransportError and of timeouts.
	Err error
	// Tsx and PrevState are set for EventTsxState.
	Tsx       Transaction
	PrevState TransactionState
	// Src is the event that caused an EventTsxState.
	Src *Event
	// User carries application data of EventUser.
	User any
}

func timerEvent(name string) *Event { return &Event{Type: EventTimer, Timer: name} }

func rxMsgEvent(msg Message) *Event { return &Event{Type: EventRxMsg, Msg: msg} }

func txMsgEvent(msg Message) *Event { return &Event{Type: EventTxMsg, Msg: msg} }

func userEvent(v any) *Event { return &Event{Type: EventUser, User: v} }

// RxMessage returns the received message of the event or of its source event.
func (e *Event) RxMessage() Message {
	for ; e != nil; e = e.Src {
		if e.Type == EventRxMsg {
			return e.Msg
		}
	}
	return nil
}

// RxResponse is like [Event.RxMessage] but returns only responses.
func (e *Event) RxResponse() *Response {
	res, _ := e.RxMessage().(*Response)
	return res
}

// RxRequest is like [Event.RxMessage] but returns only requests.
func (e *Event) RxRequest() *Request {
	req, _ := e.RxMessage().(*Request)
	return req
}

// LogValue implements [slog.LogValuer].
func (e *Event) LogValue() slog.Value {
	if e == nil {
		return slog.Value{}
	}

	attrs := make([]slog.Attr, 0, 5)
	attrs = append(attrs, slog.String("type", e.Type.String()))
	switch e.Type {
	case EventTimer:
		attrs = append(attrs, slog.String("timer", e.Timer))
	case EventTxMsg, EventRxMsg:
		attrs = append(attrs, slog.Any("message", e.Msg))
	case EventTsxState:
		attrs = append(attrs, slog.String("prev_state", string(e.PrevState)))
		if e.Tsx != nil {
			attrs = append(attrs, slog.String("state", string(e.Tsx.State())))
		}
		if e.Src != nil {
			attrs = append(attrs, slog.Any("src", e.Src))
		}
	}
	if e.Err != nil {
		attrs = append(attrs, slog.Any("error", e.Err))
	}
	return slog.GroupValue(attrs...)
}
