package ipc

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// A message channel between a supervisor and its process.
// In production the channel runs over the process stdin/stdout
// pipes, one JSON document per line in each direction.
type Conn struct {
	wmu sync.Mutex
	enc *json.Encoder
	dec *json.Decoder
	c   io.Closer
}

func NewConn(r io.Reader, w io.Writer) *Conn {
	conn := &Conn{
		enc: json.NewEncoder(w),
		dec: json.NewDecoder(r),
	}
	if c, ok := w.(io.Closer); ok {
		conn.c = c
	}
	return conn
}

// Send a message. Safe for concurrent use.
func (c *Conn) Send(msg *Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.enc.Encode(msg)
}

// Receive the next message. Not safe for concurrent use;
// each side owns a single reader goroutine.
func (c *Conn) Recv() (*Message, error) {
	msg := &Message{}
	if err := c.dec.Decode(msg); err != nil {
		return nil, err
	}
	if msg.Kind == "" {
		return nil, fmt.Errorf("message without kind")
	}
	return msg, nil
}

// Close the write side of the channel, if closable.
func (c *Conn) Close() error {
	if c.c != nil {
		return c.c.Close()
	}
	return nil
}

// Convenience constructors for the well-known messages.

func NewStartRequest(req *StartRequest) *Message {
	return &Message{Kind: KindStartRequest, StartRequest: req}
}

func NewStartResponse(err error) *Message {
	resp := &StartResponse{}
	if err != nil {
		resp.Error = err.Error()
	}
	return &Message{Kind: KindStartResponse, StartResponse: resp}
}

func NewPing(now time.Time) *Message {
	return &Message{Kind: KindPing, Ping: &Ping{Timestamp: now.UnixNano()}}
}

func NewPong(ping *Ping, now time.Time) *Message {
	return &Message{
		Kind: KindPong,
		Pong: &Pong{
			LastTimestamp: ping.Timestamp,
			Timestamp:     now.UnixNano(),
		},
	}
}

func NewShutdownRequest() *Message {
	return &Message{Kind: KindShutdownRequest}
}

func NewShutdownResponse() *Message {
	return &Message{Kind: KindShutdownResponse}
}

func NewUserExit() *Message {
	return &Message{Kind: KindUserExit}
}
