package protocol

// Should return true if the worker can be offered new jobs.
func (status WorkerStatus) IsAvailable() bool {
	return status == WorkerStatusAvailable
}

// Derive the worker status from a load sample.
// A draining worker is always full, regardless of load.
func StatusFromLoad(load, threshold float64, draining bool) WorkerStatus {
	if draining || load >= threshold {
		return WorkerStatusFull
	}
	return WorkerStatusAvailable
}

// Returns true if the message is valid, i.e. carries the payload
// announced by its kind.
func (m *ServerMessage) Valid() bool {
	switch m.Kind {
	case ServerMessageRegister:
		return m.Register != nil
	case ServerMessageAvailability:
		return m.Availability != nil
	case ServerMessageAssignment:
		return m.Assignment != nil
	case ServerMessageTermination:
		return m.Termination != nil
	default:
		return false
	}
}

// Returns true if the message is valid, i.e. carries the payload
// announced by its kind.
func (m *WorkerMessage) Valid() bool {
	switch m.Kind {
	case WorkerMessageRegister:
		return m.Register != nil
	case WorkerMessageAvailability:
		return m.Availability != nil
	case WorkerMessageUpdateWorker:
		return m.UpdateWorker != nil
	case WorkerMessageSimulateJob:
		return m.SimulateJob != nil
	default:
		return false
	}
}
