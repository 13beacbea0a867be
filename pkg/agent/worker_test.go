package agent

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/flotilla-run/flotilla/pkg/protocol"
	"github.com/flotilla-run/flotilla/pkg/transport"
	"github.com/flotilla-run/flotilla/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A scriptable control-plane connection.
type fakeConn struct {
	incoming chan *protocol.ServerMessage
	closed   chan struct{}
	once     sync.Once

	mu   sync.Mutex
	sent []*protocol.WorkerMessage
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan *protocol.ServerMessage, 32),
		closed:   make(chan struct{}),
	}
}

// A connection that will acknowledge the registration handshake.
func newRegisteredConn(workerId string) *fakeConn {
	c := newFakeConn()
	c.deliver(&protocol.ServerMessage{
		Kind: protocol.ServerMessageRegister,
		Register: &protocol.RegisterResponse{
			WorkerId:        workerId,
			ProtocolVersion: protocol.Version,
		},
	})
	return c
}

func (c *fakeConn) Send(msg *protocol.WorkerMessage) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Recv() (*protocol.ServerMessage, error) {
	select {
	case msg := <-c.incoming:
		return msg, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.fail()
	return nil
}

// Simulate an unexpected transport loss.
func (c *fakeConn) fail() {
	c.once.Do(func() {
		close(c.closed)
	})
}

func (c *fakeConn) deliver(msg *protocol.ServerMessage) {
	c.incoming <- msg
}

func (c *fakeConn) sentOfKind(kind protocol.WorkerMessageKind) []*protocol.WorkerMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	var msgs []*protocol.WorkerMessage
	for _, msg := range c.sent {
		if msg.Kind == kind {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

func (c *fakeConn) waitKind(t *testing.T, kind protocol.WorkerMessageKind) *protocol.WorkerMessage {
	t.Helper()

	var msg *protocol.WorkerMessage
	require.Eventually(t, func() bool {
		msgs := c.sentOfKind(kind)
		if len(msgs) == 0 {
			return false
		}
		msg = msgs[len(msgs)-1]
		return true
	}, time.Second, time.Millisecond)
	return msg
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []transport.Conn
	dials int
}

func (d *fakeDialer) Dial(ctx context.Context, token string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}

	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func acceptAll(req *JobRequest) {
	req.Accept(JobAcceptArgs{Identity: "agent-1"})
}

func newTestWorker(t *testing.T, config *Config, dialer transport.Dialer, decide DecisionFunc) (*Worker, *fakeLauncher) {
	t.Helper()

	launcher := newFakeLauncher()
	worker, err := NewWorker(config, dialer, launcher, decide, testLogger())
	require.NoError(t, err)
	return worker, launcher
}

// Run the worker in the background and make sure it stops with the test.
func runWorker(t *testing.T, w *Worker) func() error {
	t.Helper()

	var err error
	done := make(chan struct{})
	go func() {
		err = w.Run(context.Background())
		close(done)
	}()

	t.Cleanup(func() {
		w.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("worker did not stop")
		}
	})

	return func() error {
		<-done
		return err
	}
}

func offerMsg(id string) *protocol.ServerMessage {
	return &protocol.ServerMessage{
		Kind: protocol.ServerMessageAvailability,
		Availability: &protocol.AvailabilityRequest{
			Job: protocol.Job{Id: id, RoomName: "room"},
		},
	}
}

func assignmentMsg(id string) *protocol.ServerMessage {
	return &protocol.ServerMessage{
		Kind: protocol.ServerMessageAssignment,
		Assignment: &protocol.JobAssignment{
			Job:   protocol.Job{Id: id, RoomName: "room"},
			Url:   "wss://example.com",
			Token: "job-token",
		},
	}
}

func terminationMsg(id string) *protocol.ServerMessage {
	return &protocol.ServerMessage{
		Kind:        protocol.ServerMessageTermination,
		Termination: &protocol.JobTermination{JobId: id},
	}
}

func TestNewWorkerValidatesConfig(t *testing.T) {
	config := testConfig()
	config.ApiKey = ""

	_, err := NewWorker(config, &fakeDialer{}, newFakeLauncher(), acceptAll, testLogger())
	assert.ErrorIs(t, err, utils.ErrMissingCredentials)
}

func TestWorkerJobLifecycle(t *testing.T) {
	conn := newRegisteredConn("w-1")
	dialer := &fakeDialer{conns: []transport.Conn{conn}}
	worker, launcher := newTestWorker(t, testConfig(), dialer, acceptAll)
	runWorker(t, worker)

	// Registration is the first message on the wire.
	reg := conn.waitKind(t, protocol.WorkerMessageRegister)
	assert.Equal(t, protocol.Version, reg.Register.ProtocolVersion)
	assert.Eventually(t, func() bool {
		return worker.WorkerId() == "w-1"
	}, time.Second, time.Millisecond)

	// An accepted offer answers with the accept-time arguments.
	conn.deliver(offerMsg("job-1"))
	avail := conn.waitKind(t, protocol.WorkerMessageAvailability)
	assert.True(t, avail.Availability.Available)
	assert.Equal(t, "job-1", avail.Availability.JobId)
	assert.Equal(t, "agent-1", avail.Availability.ParticipantIdentity)

	// The assignment resolves the pending offer and launches the job.
	conn.deliver(assignmentMsg("job-1"))
	assert.Eventually(t, func() bool {
		return worker.ActiveJobs() == 1
	}, time.Second, time.Millisecond)

	sup, ok := worker.Pool().GetByJobId("job-1")
	require.True(t, ok)
	assert.Equal(t, "job-1", sup.JobId())
	assert.Equal(t, "job-token", sup.Job().Token)
	assert.Equal(t, int64(1), worker.Statistics().JobsLaunched)

	// A termination request shuts the job's process down.
	conn.deliver(terminationMsg("job-1"))
	assert.Eventually(t, func() bool {
		return worker.ActiveJobs() == 0
	}, time.Second, time.Millisecond)

	_ = launcher
}

func TestWorkerProtocolViolationIsFatal(t *testing.T) {
	// Anything but a register acknowledgement as the first message
	// aborts without reconnecting.
	conn := newFakeConn()
	conn.deliver(offerMsg("job-1"))

	dialer := &fakeDialer{conns: []transport.Conn{conn}}
	worker, _ := newTestWorker(t, testConfig(), dialer, acceptAll)
	wait := runWorker(t, worker)

	assert.ErrorIs(t, wait(), utils.ErrProtocol)
	assert.Equal(t, 1, dialer.dialCount())
}

func TestWorkerDecisionDefaultsToReject(t *testing.T) {
	conn := newRegisteredConn("w-1")
	dialer := &fakeDialer{conns: []transport.Conn{conn}}
	worker, _ := newTestWorker(t, testConfig(), dialer, func(req *JobRequest) {})
	runWorker(t, worker)

	conn.deliver(offerMsg("job-1"))

	avail := conn.waitKind(t, protocol.WorkerMessageAvailability)
	assert.False(t, avail.Availability.Available)
	assert.Equal(t, int64(1), worker.Statistics().OffersRejected)
}

func TestWorkerIgnoresDuplicateOffer(t *testing.T) {
	conn := newRegisteredConn("w-1")
	dialer := &fakeDialer{conns: []transport.Conn{conn}}
	worker, _ := newTestWorker(t, testConfig(), dialer, acceptAll)
	runWorker(t, worker)

	conn.deliver(offerMsg("job-1"))
	conn.deliver(offerMsg("job-1"))

	conn.waitKind(t, protocol.WorkerMessageAvailability)
	time.Sleep(50 * time.Millisecond)

	// Only one offer may hold a pending assignment per job id.
	assert.Len(t, conn.sentOfKind(protocol.WorkerMessageAvailability), 1)
	_ = worker
}

func TestWorkerOfferLapses(t *testing.T) {
	config := testConfig()
	config.AssignmentTimeout = 20 * time.Millisecond

	conn := newRegisteredConn("w-1")
	dialer := &fakeDialer{conns: []transport.Conn{conn}}
	worker, _ := newTestWorker(t, config, dialer, acceptAll)
	runWorker(t, worker)

	conn.deliver(offerMsg("job-1"))
	conn.waitKind(t, protocol.WorkerMessageAvailability)

	assert.Eventually(t, func() bool {
		return worker.Statistics().OffersLapsed == 1
	}, time.Second, time.Millisecond)

	// A late assignment for the lapsed offer is ignored.
	conn.deliver(assignmentMsg("job-1"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, worker.ActiveJobs())
}

func TestWorkerIgnoresUnknownTermination(t *testing.T) {
	conn := newRegisteredConn("w-1")
	dialer := &fakeDialer{conns: []transport.Conn{conn}}
	worker, _ := newTestWorker(t, testConfig(), dialer, acceptAll)
	runWorker(t, worker)

	conn.deliver(terminationMsg("no-such-job"))

	// The session stays healthy.
	conn.deliver(offerMsg("job-1"))
	avail := conn.waitKind(t, protocol.WorkerMessageAvailability)
	assert.True(t, avail.Availability.Available)
	_ = worker
}

func TestWorkerReportsStatus(t *testing.T) {
	conn := newRegisteredConn("w-1")
	dialer := &fakeDialer{conns: []transport.Conn{conn}}
	worker, _ := newTestWorker(t, testConfig(), dialer, acceptAll)
	worker.SetLoadFunc(func() float64 { return 0.9 })
	runWorker(t, worker)

	status := conn.waitKind(t, protocol.WorkerMessageUpdateWorker)
	assert.Equal(t, 0.9, status.UpdateWorker.Load)
	assert.Equal(t, protocol.WorkerStatusFull, status.UpdateWorker.Status)
	assert.Equal(t, protocol.WorkerStatusFull, worker.Status())
}

func TestWorkerDrainRejectsOffers(t *testing.T) {
	conn := newRegisteredConn("w-1")
	dialer := &fakeDialer{conns: []transport.Conn{conn}}
	worker, _ := newTestWorker(t, testConfig(), dialer, acceptAll)
	runWorker(t, worker)

	conn.waitKind(t, protocol.WorkerMessageUpdateWorker)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, worker.Drain(ctx))

	// Draining again is a no-op.
	assert.NoError(t, worker.Drain(ctx))

	conn.deliver(offerMsg("job-1"))
	avail := conn.waitKind(t, protocol.WorkerMessageAvailability)
	assert.False(t, avail.Availability.Available)

	assert.Eventually(t, func() bool {
		return worker.Status() == protocol.WorkerStatusFull
	}, time.Second, time.Millisecond)
}

func TestWorkerReconnectExhaustsBudget(t *testing.T) {
	conn := newRegisteredConn("w-1")
	dialer := &fakeDialer{conns: []transport.Conn{conn}}
	worker, _ := newTestWorker(t, testConfig(), dialer, acceptAll)
	wait := runWorker(t, worker)

	conn.waitKind(t, protocol.WorkerMessageRegister)
	conn.fail()

	assert.ErrorIs(t, wait(), utils.ErrReconnectFailed)

	// The initial session plus max_retry reconnect attempts.
	assert.Equal(t, 4, dialer.dialCount())
	assert.Equal(t, int64(3), worker.Statistics().Reconnects)
}

func TestWorkerCloseStopsRun(t *testing.T) {
	conn := newRegisteredConn("w-1")
	dialer := &fakeDialer{conns: []transport.Conn{conn}}
	worker, _ := newTestWorker(t, testConfig(), dialer, acceptAll)
	wait := runWorker(t, worker)

	conn.waitKind(t, protocol.WorkerMessageRegister)

	assert.NoError(t, worker.Close())
	assert.NoError(t, worker.Close())
	assert.NoError(t, wait())
}

func TestWorkerEvents(t *testing.T) {
	conn := newRegisteredConn("w-1")
	dialer := &fakeDialer{conns: []transport.Conn{conn}}
	worker, _ := newTestWorker(t, testConfig(), dialer, acceptAll)

	consumer := worker.Events()
	runWorker(t, worker)

	for {
		select {
		case event := <-consumer.Chan:
			if event.Kind == EventRegistered {
				assert.Equal(t, "w-1", event.WorkerId)
				return
			}
		case <-time.After(time.Second):
			t.Fatal("no registered event")
		}
	}
}
