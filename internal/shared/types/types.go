package types

import (
	"strconv"
)

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON format for Loki
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// GatewayAddress is the "host:port" identity of a connection-holding node.
// It is the key of the dispatcher's pool registry and the value a gateway
// publishes both to discovery and to the presence store.
type GatewayAddress string

func (a GatewayAddress) String() string {
	return string(a)
}

// ConnectionKey identifies one logical client session on a gateway.
type ConnectionKey struct {
	UserID   int64
	DeviceID string
}

func (k ConnectionKey) String() string {
	return strconv.FormatInt(k.UserID, 10) + "/" + k.DeviceID
}

// PresenceRecord says that a user's device is currently connected to the
// gateway at Address. Records are resolved per query and never stored here.
type PresenceRecord struct {
	UserID   int64          `json:"userId"`
	DeviceID string         `json:"deviceId"`
	Address  GatewayAddress `json:"address"`
}

// PushTask means "deliver Payload to these device endpoints at Address".
// It lives only while queued in the batch executor.
type PushTask struct {
	Address GatewayAddress
	Records []PresenceRecord
	Payload []byte // Serialized push payload, decoded once by the processor
}
