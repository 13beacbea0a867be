package ipc

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConnRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	out := NewConn(nil, &buf)
	in := NewConn(&buf, io.Discard)

	req := &StartRequest{
		JobId:    "job-1",
		RoomName: "room-1",
		Url:      "wss://example.com",
		Token:    "secret",
	}
	assert.NoError(t, out.Send(NewStartRequest(req)))

	msg, err := in.Recv()
	assert.NoError(t, err)
	assert.Equal(t, KindStartRequest, msg.Kind)
	assert.Equal(t, req, msg.StartRequest)
}

func TestConnRejectsMessageWithoutKind(t *testing.T) {
	conn := NewConn(bytes.NewBufferString("{}\n"), io.Discard)

	_, err := conn.Recv()
	assert.Error(t, err)
}

func TestConnRecvAfterEOF(t *testing.T) {
	conn := NewConn(bytes.NewBufferString(""), io.Discard)

	_, err := conn.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestPongDelay(t *testing.T) {
	now := time.Now()

	ping := NewPing(now)
	pong := NewPong(ping.Ping, now.Add(3*time.Millisecond))

	assert.Equal(t, ping.Ping.Timestamp, pong.Pong.LastTimestamp)
	assert.Equal(t, 5*time.Millisecond, pong.Pong.Delay(now.Add(5*time.Millisecond)))
}

func TestStartResponseError(t *testing.T) {
	ok := NewStartResponse(nil)
	assert.Equal(t, KindStartResponse, ok.Kind)
	assert.Empty(t, ok.StartResponse.Error)

	failed := NewStartResponse(io.ErrUnexpectedEOF)
	assert.Equal(t, io.ErrUnexpectedEOF.Error(), failed.StartResponse.Error)
}

func TestStartRequestEnviron(t *testing.T) {
	req := &StartRequest{
		JobId:    "job-1",
		RoomName: "room-1",
		Url:      "wss://example.com",
		Token:    "secret",
	}

	env := req.Environ()
	assert.Contains(t, env, "FLOTILLA_JOB_ID=job-1")
	assert.Contains(t, env, "FLOTILLA_ROOM_NAME=room-1")
	assert.Contains(t, env, "FLOTILLA_URL=wss://example.com")
	assert.Contains(t, env, "FLOTILLA_TOKEN=secret")
	assert.Len(t, env, 4)

	req.ParticipantIdentity = "alice"
	assert.Contains(t, req.Environ(), "FLOTILLA_PARTICIPANT_IDENTITY=alice")
}

func TestStartRequestFromEnviron(t *testing.T) {
	assert.Nil(t, StartRequestFromEnviron())

	t.Setenv(EnvJobId, "job-1")
	t.Setenv(EnvRoomName, "room-1")
	t.Setenv(EnvUrl, "wss://example.com")
	t.Setenv(EnvToken, "secret")

	req := StartRequestFromEnviron()
	assert.NotNil(t, req)
	assert.Equal(t, "job-1", req.JobId)
	assert.Equal(t, "room-1", req.RoomName)
	assert.Equal(t, "wss://example.com", req.Url)
	assert.Equal(t, "secret", req.Token)
}
