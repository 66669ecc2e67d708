// Package uds implements the length-prefixed JSON protocol spoken between the
// knotify CLI and daemon over a unix domain socket.
package uds

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
)

const ProtocolVersion = 1

// DefaultSocketName is the socket filename inside the knotify directory.
const DefaultSocketName = "knotify.sock"

// Commands understood by the daemon.
const (
	CommandPing      = "ping"
	CommandPress     = "press"
	CommandStatus    = "status"
	CommandEvent     = "event"
	CommandTelemetry = "telemetry"
	CommandShutdown  = "shutdown"
)

type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Command         string          `json:"command"`
	Params          json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorDetail) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeBusy             = "BUSY"
)

// PressParams is one button press. Optional fields left nil are filled in by
// the daemon from its status mirror and action catalog.
type PressParams struct {
	ActionID       int     `json:"action_id"`
	Status         *string `json:"status,omitempty"`
	MessageText    *string `json:"message_text,omitempty"`
	WebhookURL     *string `json:"webhook_url,omitempty"`
	WebhookEnabled *bool   `json:"webhook_enabled,omitempty"`
}

// PressResult is the action status after the press was evaluated.
type PressResult struct {
	ActionID int    `json:"action_id"`
	Status   string `json:"status"`
}

// StatusParams selects one action; zero means all actions.
type StatusParams struct {
	ActionID int `json:"action_id,omitempty"`
}

// ActionStatus is one row of the status command result.
type ActionStatus struct {
	ActionID int    `json:"action_id"`
	Name     string `json:"name,omitempty"`
	Status   string `json:"status"`
}

type StatusResult struct {
	Actions []ActionStatus `json:"actions"`
}

// EventParams fires a lifecycle event against every action that opted in.
type EventParams struct {
	Type string `json:"type"`
}

// EventResult lists the actions the event fires. Delivery happens in the
// background after the response is sent.
type EventResult struct {
	Fired []int `json:"fired"`
}

// TelemetryParams updates the daemon's latest-value telemetry. Nil fields
// are left unchanged.
type TelemetryParams struct {
	Lat               *float64 `json:"lat,omitempty"`
	Lng               *float64 `json:"lng,omitempty"`
	RemainingDistance *float64 `json:"remaining_distance_m,omitempty"`
	Units             *string  `json:"units,omitempty"`
}

func NewRequest(command string, params any) (*Request, error) {
	req := &Request{
		ProtocolVersion: ProtocolVersion,
		Command:         command,
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}

func SuccessResponse(data any) *Response {
	resp := &Response{Success: true}
	if data != nil {
		raw, _ := json.Marshal(data)
		resp.Data = raw
	}
	return resp
}

func ErrorResponse(code, message string) *Response {
	return &Response{
		Success: false,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
	}
}

// DecodeParams unmarshals request params into v. Empty params leave v untouched.
func DecodeParams(req *Request, v any) error {
	if len(req.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

// WriteFrame writes a length-prefixed JSON frame to the connection.
// Format: [4-byte BigEndian length][JSON payload]
func WriteFrame(conn net.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	length := uint32(len(data))
	if err := binary.Write(conn, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := io.Copy(conn, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

const maxFrameSize = 1 << 20

// ReadFrame reads a length-prefixed JSON frame from the connection.
func ReadFrame(conn net.Conn, v any) error {
	var length uint32
	if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}

	if length > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}

	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
