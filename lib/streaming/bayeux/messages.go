package bayeux

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

const (
	channelHandshake   = "/meta/handshake"
	channelConnect     = "/meta/connect"
	channelSubscribe   = "/meta/subscribe"
	channelUnsubscribe = "/meta/unsubscribe"
	channelDisconnect  = "/meta/disconnect"

	connectionType = "long-polling"
	version        = "1.0"

	reconnectHandshake = "handshake"
	reconnectNone      = "none"
)

type advice struct {
	Reconnect string `json:"reconnect,omitempty"`
	Interval  int    `json:"interval,omitempty"`
	Timeout   int    `json:"timeout,omitempty"`
}

// message is used for both requests and replies.
type message struct {
	Channel                  string          `json:"channel"`
	ID                       string          `json:"id,omitempty"`
	ClientID                 string          `json:"clientId,omitempty"`
	Version                  string          `json:"version,omitempty"`
	MinimumVersion           string          `json:"minimumVersion,omitempty"`
	SupportedConnectionTypes []string        `json:"supportedConnectionTypes,omitempty"`
	ConnectionType           string          `json:"connectionType,omitempty"`
	Subscription             string          `json:"subscription,omitempty"`
	Successful               bool            `json:"successful,omitempty"`
	Error                    string          `json:"error,omitempty"`
	Advice                   *advice         `json:"advice,omitempty"`
	Data                     json.RawMessage `json:"data,omitempty"`
}

func newMessage(channel string) message {
	return message{Channel: channel, ID: uuid.NewString()}
}

func (m message) isMeta() bool {
	return strings.HasPrefix(m.Channel, "/meta/")
}

// sessionRejected reports Bayeux errors of the form "401::Authentication invalid".
func (m message) sessionRejected() bool {
	return strings.HasPrefix(m.Error, "401::")
}

func (m message) reconnect() string {
	if m.Advice == nil {
		return ""
	}
	return m.Advice.Reconnect
}

// split separates the reply to channel from the data messages in a batch.
func split(batch []message, channel string) (*message, []message) {
	var reply *message
	data := make([]message, 0, len(batch))
	for i := range batch {
		switch {
		case batch[i].Channel == channel && reply == nil:
			reply = &batch[i]
		case !batch[i].isMeta():
			data = append(data, batch[i])
		}
	}
	return reply, data
}
