package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Well-known event names on the push channel.
const (
	EventConnected    = "connected"
	EventMessage      = "message"
	EventNotification = "notification"
)

// Frame is one self-contained unit of the SSE wire protocol: optional id
// and event name plus an optional payload, terminated by a blank line.
type Frame struct {
	ID    string
	Event string
	Data  any
}

// Encode renders the frame as wire text. Non-string payloads are JSON
// marshalled onto a single data line; a payload that cannot be marshalled
// surfaces as an error, never a panic.
func (f Frame) Encode() ([]byte, error) {
	var buf bytes.Buffer

	if f.ID != "" {
		buf.WriteString("id: ")
		buf.WriteString(f.ID)
		buf.WriteByte('\n')
	}

	if f.Event != "" {
		buf.WriteString("event: ")
		buf.WriteString(f.Event)
		buf.WriteByte('\n')
	}

	if f.Data != nil {
		data, ok := f.Data.(string)
		if !ok {
			raw, err := json.Marshal(f.Data)
			if err != nil {
				return nil, fmt.Errorf("sse: encode frame data: %w", err)
			}
			data = string(raw)
		}
		buf.WriteString("data: ")
		buf.WriteString(data)
		buf.WriteByte('\n')
	}

	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Comment renders a comment frame (": heartbeat\n\n"). Receivers treat it
// as keepalive noise, never as a payload-bearing event.
func Comment(text string) []byte {
	var buf bytes.Buffer
	buf.WriteString(": ")
	buf.WriteString(text)
	buf.WriteString("\n\n")
	return buf.Bytes()
}
