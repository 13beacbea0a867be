package protocol

// Version of the worker protocol spoken by this implementation.
// The server rejects registrations with an incompatible major version.
const Version = "1.0.0"

// A job assigned by the control plane. Immutable after receipt.
type Job struct {
	// Unique identifier of the job.
	Id string `json:"id"`

	// Room or resource the job operates on.
	RoomName string `json:"room_name"`

	// Optional participant the job is scoped to.
	Participant *ParticipantInfo `json:"participant,omitempty"`

	// Opaque metadata supplied by the control plane.
	Metadata string `json:"metadata,omitempty"`
}

type ParticipantInfo struct {
	Identity string `json:"identity"`
	Name     string `json:"name,omitempty"`
	Metadata string `json:"metadata,omitempty"`
}

// The kind of jobs a worker is willing to handle.
type WorkerType string

const (
	WorkerTypeRoom      WorkerType = "room"
	WorkerTypePublisher WorkerType = "publisher"
)

// Derived worker availability, recomputed on every load sample.
type WorkerStatus string

const (
	WorkerStatusAvailable WorkerStatus = "available"
	WorkerStatusFull      WorkerStatus = "full"
)

// Messages sent from the worker to the control plane.
type WorkerMessageKind string

const (
	WorkerMessageRegister     WorkerMessageKind = "register"
	WorkerMessageAvailability WorkerMessageKind = "availability"
	WorkerMessageUpdateWorker WorkerMessageKind = "update_worker"
	WorkerMessageSimulateJob  WorkerMessageKind = "simulate_job"
)

// Messages sent from the control plane to the worker.
type ServerMessageKind string

const (
	ServerMessageRegister     ServerMessageKind = "register"
	ServerMessageAvailability ServerMessageKind = "availability"
	ServerMessageAssignment   ServerMessageKind = "assignment"
	ServerMessageTermination  ServerMessageKind = "termination"
)

// A tagged union of all worker-to-server messages.
// Exactly one payload field is set, matching Kind.
type WorkerMessage struct {
	Kind WorkerMessageKind `json:"kind"`

	Register     *RegisterRequest      `json:"register,omitempty"`
	Availability *AvailabilityResponse `json:"availability,omitempty"`
	UpdateWorker *UpdateWorkerStatus   `json:"update_worker,omitempty"`
	SimulateJob  *SimulateJobRequest   `json:"simulate_job,omitempty"`
}

// A tagged union of all server-to-worker messages.
// Exactly one payload field is set, matching Kind.
type ServerMessage struct {
	Kind ServerMessageKind `json:"kind"`

	Register     *RegisterResponse    `json:"register,omitempty"`
	Availability *AvailabilityRequest `json:"availability,omitempty"`
	Assignment   *JobAssignment       `json:"assignment,omitempty"`
	Termination  *JobTermination      `json:"termination,omitempty"`
}

// First message sent by the worker after the transport opens.
type RegisterRequest struct {
	WorkerType      WorkerType `json:"worker_type"`
	AgentName       string     `json:"agent_name"`
	Permissions     []string   `json:"permissions,omitempty"`
	ProtocolVersion string     `json:"protocol_version"`
}

// First message sent by the server. Any other first message
// is a protocol violation.
type RegisterResponse struct {
	WorkerId        string `json:"worker_id"`
	ServerInfo      string `json:"server_info,omitempty"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

// An offer to handle a job.
type AvailabilityRequest struct {
	Job Job `json:"job"`

	// True if this offer was previously extended to another
	// worker and is being retried.
	Resuming bool `json:"resuming,omitempty"`
}

// The worker's reply to an availability offer.
type AvailabilityResponse struct {
	JobId     string `json:"job_id"`
	Available bool   `json:"available"`

	ParticipantIdentity string `json:"participant_identity,omitempty"`
	ParticipantName     string `json:"participant_name,omitempty"`
	ParticipantMetadata string `json:"participant_metadata,omitempty"`
}

// Credentials delivered after an accepted offer, correlated by Job.Id.
type JobAssignment struct {
	Job   Job    `json:"job"`
	Url   string `json:"url"`
	Token string `json:"token"`
}

// Periodic worker load and status report.
type UpdateWorkerStatus struct {
	Load   float64      `json:"load"`
	Status WorkerStatus `json:"status"`

	// Number of jobs currently running.
	JobCount int `json:"job_count"`
}

// Request to terminate a running job.
type JobTermination struct {
	JobId string `json:"job_id"`
}

// Development aid: ask the control plane to fabricate a job offer.
type SimulateJobRequest struct {
	Type        WorkerType       `json:"type"`
	RoomName    string           `json:"room_name"`
	Participant *ParticipantInfo `json:"participant,omitempty"`
}
