package ipc

import (
	"fmt"
	"os"
	"time"
)

// The message set exchanged between a job supervisor and its
// supervised process. The set is closed; unknown kinds are a
// protocol error.
type Kind string

const (
	// Supervisor to process: start the enclosed job.
	KindStartRequest Kind = "start_request"

	// Process to supervisor: initialization or job start completed.
	// An empty error means success.
	KindStartResponse Kind = "start_response"

	// Supervisor to process: liveness probe.
	KindPing Kind = "ping"

	// Process to supervisor: liveness reply.
	KindPong Kind = "pong"

	// Supervisor to process: request a graceful exit.
	KindShutdownRequest Kind = "shutdown_request"

	// Process to supervisor: a requested shutdown has completed.
	// Must be the last message before the process terminates.
	KindShutdownResponse Kind = "shutdown_response"

	// Process to supervisor: the process is exiting on its own,
	// not in response to a shutdown request. Must be the last
	// message before the process terminates.
	KindUserExit Kind = "user_exit"
)

// A tagged union of all supervisor/process messages.
// At most one payload field is set, matching Kind.
type Message struct {
	Kind Kind `json:"kind"`

	StartRequest  *StartRequest  `json:"start_request,omitempty"`
	StartResponse *StartResponse `json:"start_response,omitempty"`
	Ping          *Ping          `json:"ping,omitempty"`
	Pong          *Pong          `json:"pong,omitempty"`
}

// The job payload handed to a warm process at assignment time.
// Cold-started processes receive the same fields through their
// environment instead, so that a crash before the channel is up
// is still diagnosable from the exit code alone.
type StartRequest struct {
	JobId    string `json:"job_id"`
	RoomName string `json:"room_name"`
	Url      string `json:"url"`
	Token    string `json:"token"`

	ParticipantIdentity string `json:"participant_identity,omitempty"`
	ParticipantName     string `json:"participant_name,omitempty"`
	ParticipantMetadata string `json:"participant_metadata,omitempty"`
}

type StartResponse struct {
	Error string `json:"error,omitempty"`
}

type Ping struct {
	// Supervisor clock, unix nanoseconds.
	Timestamp int64 `json:"timestamp"`
}

type Pong struct {
	// Echo of the ping timestamp. Pongs are matched to pings by
	// this value, not by sequence number.
	LastTimestamp int64 `json:"last_timestamp"`

	// Process clock at reply time, unix nanoseconds.
	Timestamp int64 `json:"timestamp"`
}

// Round-trip delay of a pong measured against the supervisor clock.
func (p *Pong) Delay(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, p.LastTimestamp))
}

// Environment variables carrying a cold-start job payload.
const (
	EnvJobId               = "FLOTILLA_JOB_ID"
	EnvRoomName            = "FLOTILLA_ROOM_NAME"
	EnvUrl                 = "FLOTILLA_URL"
	EnvToken               = "FLOTILLA_TOKEN"
	EnvParticipantIdentity = "FLOTILLA_PARTICIPANT_IDENTITY"
	EnvParticipantName     = "FLOTILLA_PARTICIPANT_NAME"
	EnvParticipantMetadata = "FLOTILLA_PARTICIPANT_METADATA"
)

// Render the start request as environment variables for a cold spawn.
func (r *StartRequest) Environ() []string {
	env := []string{
		fmt.Sprintf("%s=%s", EnvJobId, r.JobId),
		fmt.Sprintf("%s=%s", EnvRoomName, r.RoomName),
		fmt.Sprintf("%s=%s", EnvUrl, r.Url),
		fmt.Sprintf("%s=%s", EnvToken, r.Token),
	}
	if r.ParticipantIdentity != "" {
		env = append(env, fmt.Sprintf("%s=%s", EnvParticipantIdentity, r.ParticipantIdentity))
	}
	if r.ParticipantName != "" {
		env = append(env, fmt.Sprintf("%s=%s", EnvParticipantName, r.ParticipantName))
	}
	if r.ParticipantMetadata != "" {
		env = append(env, fmt.Sprintf("%s=%s", EnvParticipantMetadata, r.ParticipantMetadata))
	}
	return env
}

// Read a cold-start job payload from the process environment.
// Returns nil if no job was passed at spawn time.
func StartRequestFromEnviron() *StartRequest {
	id := os.Getenv(EnvJobId)
	if id == "" {
		return nil
	}

	return &StartRequest{
		JobId:               id,
		RoomName:            os.Getenv(EnvRoomName),
		Url:                 os.Getenv(EnvUrl),
		Token:               os.Getenv(EnvToken),
		ParticipantIdentity: os.Getenv(EnvParticipantIdentity),
		ParticipantName:     os.Getenv(EnvParticipantName),
		ParticipantMetadata: os.Getenv(EnvParticipantMetadata),
	}
}
