package console

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound message types understood by the router. Anything else is either
// part of the delegated browser-stream family or unknown.
const (
	TypeSubscribeLogs   = "subscribe_mcp_logs"
	TypeUnsubscribeLogs = "unsubscribe_mcp_logs"
)

// Outbound message types.
const (
	TypeLogs         = "mcp_logs"
	TypeLogsError    = "mcp_logs_error"
	TypeError        = "error"
	TypeServerStatus = "server_status"
)

// Maximum tail length a client may request.
const maxLogLines = 5000

// Envelope is the wire frame shared by inbound and outbound messages.
// ID is an optional client-chosen correlation value; error responses echo it.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribeLogsPayload is the payload of a subscribe_mcp_logs message.
type SubscribeLogsPayload struct {
	ServerID string `json:"serverId"`
	Lines    int    `json:"lines,omitempty"`
}

// Validate checks the payload shape before any state is touched.
func (p *SubscribeLogsPayload) Validate() error {
	if p.ServerID == "" {
		return errors.New("serverId is required")
	}
	if p.Lines < 0 || p.Lines > maxLogLines {
		return fmt.Errorf("lines must be between 0 and %d", maxLogLines)
	}
	return nil
}

// UnsubscribeLogsPayload is the payload of an unsubscribe_mcp_logs message.
type UnsubscribeLogsPayload struct {
	ServerID string `json:"serverId"`
}

// Validate checks the payload shape.
func (p *UnsubscribeLogsPayload) Validate() error {
	if p.ServerID == "" {
		return errors.New("serverId is required")
	}
	return nil
}

// LogsPayload carries a chunk of log output to one subscriber. Command is set
// only on the first frame of a subscription so the client can display the
// equivalent manual invocation.
type LogsPayload struct {
	ServerID string `json:"serverId"`
	Logs     string `json:"logs"`
	Command  string `json:"command,omitempty"`
}

// LogsErrorPayload reports a subscription-level failure.
type LogsErrorPayload struct {
	ServerID string `json:"serverId"`
	Error    string `json:"error"`
}

// ErrorPayload reports a connection-level failure. The connection stays open.
type ErrorPayload struct {
	Message string `json:"message"`
}

// ServerStatusPayload announces a workload status change to interested clients.
type ServerStatusPayload struct {
	ServerID string `json:"serverId"`
	Status   string `json:"status"`
}

// outbound wraps a typed payload in an envelope. Marshalling the payload here
// keeps Envelope usable for both directions.
func outbound(msgType, id string, payload any) Envelope {
	data, err := json.Marshal(payload)
	if err != nil {
		// All outbound payloads are plain structs; this cannot fail at runtime.
		data = []byte("{}")
	}
	return Envelope{Type: msgType, ID: id, Payload: data}
}

func logsFrame(serverID, logs, command string) Envelope {
	return outbound(TypeLogs, "", LogsPayload{ServerID: serverID, Logs: logs, Command: command})
}

func logsErrorFrame(serverID, message string) Envelope {
	return outbound(TypeLogsError, "", LogsErrorPayload{ServerID: serverID, Error: message})
}

func errorFrame(id, message string) Envelope {
	return outbound(TypeError, id, ErrorPayload{Message: message})
}

// ServerStatusFrame builds the broadcast frame for a workload status change.
func ServerStatusFrame(serverID, status string) Envelope {
	return outbound(TypeServerStatus, "", ServerStatusPayload{ServerID: serverID, Status: status})
}
