package broadcast

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxCommandSize = 4096
	pongWait       = 60 * time.Second
)

// Client command actions
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPing        = "ping"
)

// Command is a control frame sent by a websocket client
type Command struct {
	Action  string   `json:"action"`
	Topic   string   `json:"topic"`
	ZoneIDs []string `json:"zone_ids,omitempty"`
}

type commandReply struct {
	Action string `json:"action"`
	Topic  string `json:"topic,omitempty"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// ServeConn registers conn with the hub under clientID, subscribes it to the
// initial topics and processes client commands until the connection fails.
// filter applies to the initial topics and may be nil.
func (h *Hub) ServeConn(conn *websocket.Conn, clientID string, topics []string, filter *Filter) {
	c := h.register(clientID, NewWSTransport(conn))
	defer h.unregisterClient(c)

	for _, topic := range topics {
		_ = h.Subscribe(clientID, topic, filter)
	}

	conn.SetReadLimit(maxCommandSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		h.Touch(clientID)
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("Websocket read failed",
					zap.String("client_id", clientID),
					zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		h.Touch(clientID)

		reply := commandReply{Action: cmd.Action, Topic: cmd.Topic, OK: true}
		if err := h.HandleCommand(clientID, cmd); err != nil {
			reply.OK = false
			reply.Error = err.Error()
		}
		if err := h.SendTo(clientID, Message{Type: "ack", Data: reply}); err != nil {
			return
		}
	}
}

// ErrUnknownAction is returned for unsupported client commands
var ErrUnknownAction = errors.New("unknown action")

// HandleCommand applies a client command
func (h *Hub) HandleCommand(clientID string, cmd Command) error {
	switch cmd.Action {
	case ActionSubscribe:
		var filter *Filter
		if len(cmd.ZoneIDs) > 0 {
			filter = &Filter{ZoneIDs: cmd.ZoneIDs}
		}
		return h.Subscribe(clientID, cmd.Topic, filter)
	case ActionUnsubscribe:
		return h.Unsubscribe(clientID, cmd.Topic)
	case ActionPing:
		h.Touch(clientID)
		return nil
	default:
		return ErrUnknownAction
	}
}
