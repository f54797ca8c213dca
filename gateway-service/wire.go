package main

import "encoding/json"

// Server → client opcodes.
const (
	OpPresenceUpdated = "PRESENCE_UPDATED"
	OpHeartbeatAck    = "HEARTBEAT_ACK"
)

// Client → gateway opcodes.
const (
	OpHeartbeat      = "HEARTBEAT"
	OpPresenceUpdate = "PRESENCE_UPDATE"
	OpSubscribe      = "SUBSCRIBE"
	OpUnsubscribe    = "UNSUBSCRIBE"
)

// Envelope is the unit published on a channel's coordination topic. It
// exists only on the wire between publish and subscriber callback.
type Envelope struct {
	Channel string          `json:"channel"`
	Opcode  string          `json:"op"`
	Payload json.RawMessage `json:"d"`
	Origin  string          `json:"origin"`
	Seq     uint64          `json:"seq"`
}

// Event is the opcode-tagged frame delivered to clients.
type Event struct {
	Opcode  string          `json:"op"`
	Channel string          `json:"channel,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"d,omitempty"`
}

// Frame is what clients send on the socket.
type Frame struct {
	Opcode  string          `json:"op"`
	Payload json.RawMessage `json:"d,omitempty"`
}

// PresencePayload is the PRESENCE_UPDATED event body.
type PresencePayload struct {
	UserID   string `json:"userId"`
	Status   Status `json:"status"`
	LastSeen int64  `json:"lastSeen"`
}

// SubscribePayload is the body of SUBSCRIBE and UNSUBSCRIBE frames.
type SubscribePayload struct {
	Channel string `json:"channel"`
}

// PresenceUpdateFrame is the body of a PRESENCE_UPDATE frame.
type PresenceUpdateFrame struct {
	Status Status `json:"status"`
}

// channelTopic is the coordination topic carrying a channel's envelopes.
func channelTopic(channelID string) string {
	return "channel.events." + channelID
}
