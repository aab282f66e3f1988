package websocket

import (
	"encoding/json"
	"fmt"
)

const (
	frameInvocation   = "invocation"
	frameSubscribe    = "subscribe"
	frameUnsubscribe  = "unsubscribe"
	frameSubscribed   = "subscribed"
	frameUnsubscribed = "unsubscribed"
	frameError        = "error"
)

// invocationFrame asks the client to run the handler registered for Target.
type invocationFrame struct {
	Type      string `json:"type"`
	Target    string `json:"target"`
	Arguments []any  `json:"arguments"`
}

// controlFrame carries subscription requests from the client and their replies.
type controlFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Error   string `json:"error,omitempty"`
}

// EncodeInvocation renders the frame delivered to every member of a broadcast.
// json.RawMessage arguments are embedded verbatim.
func EncodeInvocation(target string, args []any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	data, err := json.Marshal(invocationFrame{Type: frameInvocation, Target: target, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("encode invocation %q: %w", target, err)
	}
	return data, nil
}

func encodeControl(frame controlFrame) []byte {
	data, _ := json.Marshal(frame)
	return data
}
