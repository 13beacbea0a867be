package agent

import (
	"time"

	"github.com/flotilla-run/flotilla/pkg/protocol"
)

// Observable worker lifecycle events. The set is closed; consumers
// switch over EventKind.
type EventKind string

const (
	EventRegistered   EventKind = "registered"
	EventStatus       EventKind = "status"
	EventJobLaunched  EventKind = "job_launched"
	EventJobEnded     EventKind = "job_ended"
	EventOfferLapsed  EventKind = "offer_lapsed"
	EventDraining     EventKind = "draining"
	EventReconnecting EventKind = "reconnecting"
)

type WorkerEvent struct {
	Kind EventKind
	Time time.Time

	// Set for EventRegistered.
	WorkerId string

	// Set for EventStatus.
	Status protocol.WorkerStatus
	Load   float64

	// Set for job events.
	JobId string
}
