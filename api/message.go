package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/guseggert/stdiogateway/supervisor"
)

// timeFormat matches JavaScript's Date.toISOString, which existing clients parse.
const timeFormat = "2006-01-02T15:04:05.000Z07:00"

func timestamp(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// MessageError is the Type of a Message reporting a failed WebSocket command.
const MessageError = "error"

// Message is one event as sent over SSE and WebSocket streams.
type Message struct {
	Type      string `json:"type"`
	Source    string `json:"source,omitempty"`
	Data      string `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
	Server    string `json:"server,omitempty"`
}

// CommandRequest is the body of POST /mcp/:server/command and of client WebSocket messages.
type CommandRequest struct {
	Command json.RawMessage `json:"command"`
}

var errNoCommand = errors.New("command is required")

// payload is the line written to the process: the compact command JSON and a newline.
func (c CommandRequest) payload() ([]byte, error) {
	if len(c.Command) == 0 || bytes.Equal(c.Command, []byte("null")) {
		return nil, errNoCommand
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, c.Command); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// messageEncoder turns events of one subscription into Messages. Output is carried as a
// string, so a multi-byte character split across two reads is held back until it is complete.
type messageEncoder struct {
	server string
	carry  map[supervisor.Source][]byte
}

func newMessageEncoder(server string) *messageEncoder {
	return &messageEncoder{server: server, carry: map[supervisor.Source][]byte{}}
}

func (e *messageEncoder) encode(ev supervisor.Event) []Message {
	switch ev.Kind {
	case supervisor.EventOutput:
		data := append(e.carry[ev.Source], ev.Data...)
		n := completeUTF8(data)
		e.carry[ev.Source] = append([]byte(nil), data[n:]...)
		if n == 0 {
			return nil
		}
		return []Message{e.output(ev.Source, data[:n], ev.Time)}
	case supervisor.EventPing:
		return []Message{{Type: string(supervisor.EventPing), Timestamp: timestamp(ev.Time)}}
	case supervisor.EventTerminated:
		var msgs []Message
		for _, src := range []supervisor.Source{supervisor.SourceStdout, supervisor.SourceStderr} {
			if rest := e.carry[src]; len(rest) > 0 {
				msgs = append(msgs, e.output(src, rest, ev.Time))
				delete(e.carry, src)
			}
		}
		return append(msgs, Message{Type: string(supervisor.EventTerminated), Timestamp: timestamp(ev.Time), Server: e.server})
	}
	return nil
}

func (e *messageEncoder) output(src supervisor.Source, data []byte, t time.Time) Message {
	return Message{
		Type:      string(supervisor.EventOutput),
		Source:    string(src),
		Data:      string(data),
		Timestamp: timestamp(t),
		Server:    e.server,
	}
}

// completeUTF8 returns the length of the longest prefix of b that does not end in a
// truncated UTF-8 sequence.
func completeUTF8(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}
