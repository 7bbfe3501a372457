package agent

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldops/uplink/internal/codec"
	"github.com/fieldops/uplink/internal/identity"
	"github.com/fieldops/uplink/internal/journal"
	"github.com/fieldops/uplink/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSerial  = "901234567"
	testDataID  = "0f8fad5b-d9cb-469f-a165-70867728950e"
	otherDataID = "7c9e6679-7425-40de-944b-e07fc1f90ae7"
	// packageSize spans three chunks: 65536 + 65536 + 18928.
	packageSize = 150000
)

type harness struct {
	agent   *Agent
	session *fakeSession
	source  *fakeSource
	journal *journal.Journal
	metrics *countingMetrics
	board   *notify.Board
}

func openJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err, "Failed to open journal")
	t.Cleanup(func() { j.Close() })
	return j
}

func newHarness(t *testing.T, session *fakeSession, source *fakeSource) *harness {
	t.Helper()
	return &harness{
		session: session,
		source:  source,
		journal: openJournal(t),
		metrics: &countingMetrics{},
		board:   notify.NewBoard(50),
	}
}

// start runs the agent until the test ends.
func (h *harness) start(t *testing.T) {
	t.Helper()
	config := DefaultConfig()
	config.ServerURL = "ws://upload.test/ws"
	config.RetryDelay = 10 * time.Millisecond

	h.agent = New(config, h.session, h.source, &fakePacker{size: packageSize}, h.board, h.journal)
	h.agent.SetMetrics(h.metrics)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.agent.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		current, _ := h.agent.State()
		return current == want
	}, 5*time.Second, 5*time.Millisecond, "Agent never reached %s", want)
}

func attachedDevice(source *fakeSource, dataID string) *fakeHandle {
	h := &fakeHandle{serial: testSerial, dataID: dataID}
	source.attach(h)
	return h
}

type statusMsg struct {
	status   string
	instance string
}

func deviceStatuses(s *fakeSession) []statusMsg {
	var out []statusMsg
	for _, m := range s.messages() {
		if op, _ := codec.DecodeField(m, "op"); op != codec.OpDeviceStatus {
			continue
		}
		status, _ := codec.DecodeField(m, "data.status")
		instance, _ := codec.DecodeField(m, "meta.instance")
		out = append(out, statusMsg{status: status, instance: instance})
	}
	return out
}

func chunkOffsets(s *fakeSession) []string {
	var out []string
	for _, m := range s.messages() {
		if op, _ := codec.DecodeField(m, "op"); op == codec.OpRecordingSendChunk {
			offset, _ := codec.DecodeField(m, "data.offset")
			out = append(out, offset)
		}
	}
	return out
}

func parametrization(command string) string {
	return `{"op":"parametrization","data":{"payload":"` + base64.StdEncoding.EncodeToString([]byte(command)) + `"}}`
}

func TestUploadAndParametrize(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{}
	dev := attachedDevice(source, testDataID)
	h := newHarness(t, newFakeSession(true), source)
	h.start(t)

	h.waitState(t, DeviceInitialized)
	assert.Equal(t, []string{
		codec.OpDeviceStatus,
		codec.OpRecordingExists,
		codec.OpRecordingSendChunk,
		codec.OpRecordingSendChunk,
		codec.OpRecordingSendChunk,
		codec.OpRecordingVerify,
		codec.OpInitializeRecording,
	}, h.session.ops())
	assert.Equal(t, []string{"0", "65536", "131072"}, chunkOffsets(h.session))

	h.session.push(parametrization("SETCLOCK 20261016T080000"))
	require.Eventually(t, func() bool { return len(dev.applied()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "SETCLOCK 20261016T080000", dev.applied()[0])

	current, _ := h.agent.State()
	assert.Equal(t, DeviceInitialized, current, "Parametrization keeps listening")

	status := h.agent.Status()
	assert.False(t, status.InsertionQueued)
	assert.Equal(t, testDataID, status.DataID)
	assert.Equal(t, int64(packageSize), status.Sent)

	n, err := h.journal.Notification(ctx, journal.KindInsertion)
	require.NoError(t, err)
	assert.False(t, n.Queued, "Insertion flag cleared after its ack")

	up, err := h.journal.GetUpload(ctx, testDataID, "encrypted-"+testDataID)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusVerified, up.Status)
	assert.Equal(t, 1, up.Attempts)

	assert.Equal(t, int32(3), h.metrics.chunks.Load())
	assert.Equal(t, int32(1), h.metrics.verified.Load())
}

func TestAlreadyUploadedSkipsTransfer(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{}
	attachedDevice(source, testDataID)
	session := newFakeSession(true)
	session.setHandler(func(op, msg string) (string, bool) {
		if op == codec.OpRecordingExists {
			return `{"status":"uploaded"}`, false
		}
		return ackAll(op, msg)
	})
	h := newHarness(t, session, source)
	h.start(t)

	h.waitState(t, DeviceInitialized)
	assert.Equal(t, []string{
		codec.OpDeviceStatus,
		codec.OpRecordingExists,
		codec.OpInitializeRecording,
	}, session.ops())

	up, err := h.journal.GetUpload(ctx, testDataID, "encrypted-"+testDataID)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusAlreadyPresent, up.Status)
}

func TestTransportFailureResumesUpload(t *testing.T) {
	source := &fakeSource{}
	attachedDevice(source, testDataID)
	session := newFakeSession(true)

	chunks := 0
	session.setHandler(func(op, msg string) (string, bool) {
		if op == codec.OpRecordingSendChunk {
			chunks++
			if chunks == 2 {
				return "", true
			}
		}
		return ackAll(op, msg)
	})
	h := newHarness(t, session, source)
	h.start(t)

	h.waitState(t, ConnectionLost)
	_, saved := h.agent.State()
	assert.Equal(t, DataPacked, saved)

	status := h.agent.Status()
	assert.False(t, status.InsertionQueued, "Flags are not touched by the failure")
	assert.False(t, status.RemovalQueued)

	// The server stays away until the test brings it back
	time.Sleep(50 * time.Millisecond)
	current, _ := h.agent.State()
	assert.Equal(t, ConnectionLost, current)

	session.setConnectable(true)
	h.waitState(t, DeviceInitialized)

	// The interrupted attempt restarts at offset 0
	assert.Equal(t, []string{"0", "65536", "0", "65536", "131072"}, chunkOffsets(session))
	assert.Equal(t, int32(1), h.metrics.reconnects.Load())
}

func TestQueuedInsertionSentFirstAfterReconnect(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{}
	attachedDevice(source, testDataID)
	session := newFakeSession(true)

	failed := false
	session.setHandler(func(op, msg string) (string, bool) {
		if op == codec.OpDeviceStatus && !failed {
			failed = true
			return "", true
		}
		return ackAll(op, msg)
	})
	h := newHarness(t, session, source)
	h.start(t)

	h.waitState(t, ConnectionLost)
	_, saved := h.agent.State()
	assert.Equal(t, DataPacked, saved)
	assert.True(t, h.agent.Status().InsertionQueued, "Unacknowledged insertion stays queued")

	n, err := h.journal.Notification(ctx, journal.KindInsertion)
	require.NoError(t, err)
	assert.True(t, n.Queued)

	session.setConnectable(true)
	h.waitState(t, DeviceInitialized)

	ops := session.ops()
	require.GreaterOrEqual(t, len(ops), 3)
	assert.Equal(t, codec.OpDeviceStatus, ops[0])
	assert.Equal(t, codec.OpDeviceStatus, ops[1], "Queued insertion is sent right after reconnecting")
	assert.Equal(t, codec.OpRecordingExists, ops[2])
	assert.False(t, h.agent.Status().InsertionQueued)
}

func TestNeverConnectingKeepsDataPacked(t *testing.T) {
	source := &fakeSource{}
	attachedDevice(source, testDataID)
	session := newFakeSession(false)
	h := newHarness(t, session, source)
	h.start(t)

	h.waitState(t, DataPacked)
	time.Sleep(100 * time.Millisecond)

	current, _ := h.agent.State()
	assert.Equal(t, DataPacked, current)
	assert.Empty(t, session.ops(), "Nothing is sent without a connection")
	assert.True(t, h.agent.Status().InsertionQueued)

	session.setConnectable(true)
	h.waitState(t, DeviceInitialized)

	statuses := deviceStatuses(session)
	require.NotEmpty(t, statuses)
	assert.Equal(t, "attached", statuses[0].status)
}

func TestRemovalInDeviceInitializedQueuesRemoval(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{}
	attachedDevice(source, testDataID)
	session := newFakeSession(true)
	h := newHarness(t, session, source)
	h.start(t)

	h.waitState(t, DeviceInitialized)
	first := h.agent.Status().InstanceID

	source.remove()
	require.Eventually(t, func() bool { return h.agent.Status().RemovalQueued }, 5*time.Second, 5*time.Millisecond)
	current, saved := h.agent.State()
	assert.Equal(t, Initialized, current)
	assert.Equal(t, Initialized, saved)

	// Removal sending is not permitted after an upload, so nothing goes out yet
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []statusMsg{{status: "attached", instance: first}}, deviceStatuses(session))

	n, err := h.journal.Notification(ctx, journal.KindRemoval)
	require.NoError(t, err)
	assert.True(t, n.Queued)
	assert.Equal(t, first, n.Identity.InstanceID)

	// The next device flushes the old removal before its own insertion
	attachedDevice(source, otherDataID)
	require.Eventually(t, func() bool {
		s := h.agent.Status()
		return s.DataID == otherDataID && s.State == DeviceInitialized.String()
	}, 5*time.Second, 5*time.Millisecond)

	statuses := deviceStatuses(session)
	require.Len(t, statuses, 3)
	assert.Equal(t, statusMsg{status: "attached", instance: first}, statuses[0])
	assert.Equal(t, statusMsg{status: "detached", instance: first}, statuses[1])
	assert.Equal(t, "attached", statuses[2].status)
	assert.NotEqual(t, first, statuses[2].instance)

	assert.False(t, h.agent.Status().RemovalQueued)
	n, err = h.journal.Notification(ctx, journal.KindRemoval)
	require.NoError(t, err)
	assert.False(t, n.Queued, "Removal flag cleared after its ack")
}

func TestRemovalWhileDisconnectedRedirectsResume(t *testing.T) {
	source := &fakeSource{}
	attachedDevice(source, testDataID)
	session := newFakeSession(true)
	h := newHarness(t, session, source)
	h.start(t)

	h.waitState(t, DeviceInitialized)
	instance := h.agent.Status().InstanceID

	// The server drops the connection while the agent listens
	session.drop()
	h.waitState(t, ConnectionLost)
	_, saved := h.agent.State()
	assert.Equal(t, DeviceInitialized, saved)

	source.remove()
	require.Eventually(t, func() bool {
		_, saved := h.agent.State()
		return saved == Initialized
	}, 5*time.Second, 5*time.Millisecond)

	session.setConnectable(true)
	require.Eventually(t, func() bool {
		s := h.agent.Status()
		return s.State == Initialized.String() && !s.RemovalQueued
	}, 5*time.Second, 5*time.Millisecond)

	statuses := deviceStatuses(session)
	require.NotEmpty(t, statuses)
	assert.Equal(t, statusMsg{status: "detached", instance: instance}, statuses[len(statuses)-1])
}

func countOps(s *fakeSession, op string) int {
	n := 0
	for _, o := range s.ops() {
		if o == op {
			n++
		}
	}
	return n
}

// waitQueued blocks until the journal holds kind as queued. It is called
// from inside a session handler, where the agent lock must not be taken.
func waitQueued(j *journal.Journal, kind journal.Kind) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if n, err := j.Notification(context.Background(), kind); err == nil && n.Queued {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return false
}

func TestInitializeRecordingFailureResumesDataSent(t *testing.T) {
	source := &fakeSource{}
	attachedDevice(source, testDataID)
	session := newFakeSession(true)

	failed := false
	session.setHandler(func(op, msg string) (string, bool) {
		if op == codec.OpInitializeRecording && !failed {
			failed = true
			return "", true
		}
		return ackAll(op, msg)
	})
	h := newHarness(t, session, source)
	h.start(t)

	h.waitState(t, ConnectionLost)
	_, saved := h.agent.State()
	assert.Equal(t, DataSent, saved)
	instance := h.agent.Status().InstanceID

	session.setConnectable(true)
	h.waitState(t, DeviceInitialized)

	// Only the announcement is repeated, the verified upload is not
	assert.Equal(t, 2, countOps(session, codec.OpInitializeRecording))
	assert.Equal(t, 3, countOps(session, codec.OpRecordingSendChunk))
	assert.Equal(t, 1, countOps(session, codec.OpRecordingVerify))
	assert.Equal(t, instance, h.agent.Status().InstanceID, "The attach cycle survives the reconnect")
	assert.Equal(t, int32(1), h.metrics.reconnects.Load())
}

func TestCanceledInitializeRecordingRestartsRecognition(t *testing.T) {
	source := &fakeSource{}
	attachedDevice(source, testDataID)
	session := newFakeSession(true)

	answered := false
	session.setHandler(func(op, msg string) (string, bool) {
		if op == codec.OpInitializeRecording && !answered {
			// The server keeps the first announcement unanswered
			answered = true
			return "", false
		}
		return ackAll(op, msg)
	})
	h := newHarness(t, session, source)
	h.start(t)

	require.Eventually(t, func() bool {
		return countOps(session, codec.OpInitializeRecording) == 1
	}, 5*time.Second, 5*time.Millisecond)
	first := h.agent.Status().InstanceID
	session.CancelReceive()

	// The device is recognized again as a new attach cycle
	require.Eventually(t, func() bool {
		s := h.agent.Status()
		return s.State == DeviceInitialized.String() && s.InstanceID != first
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, countOps(session, codec.OpInitializeRecording))
	assert.Equal(t, 1, session.connectCount(), "A canceled announcement is not a connection loss")
	assert.Equal(t, int32(0), h.metrics.reconnects.Load())

	statuses := deviceStatuses(session)
	require.Len(t, statuses, 2)
	assert.Equal(t, statusMsg{status: "attached", instance: first}, statuses[0])
	assert.Equal(t, "attached", statuses[1].status)
	assert.NotEqual(t, first, statuses[1].instance)
}

func TestRemovalDuringUploadSendsDetachedBeforeAnnouncement(t *testing.T) {
	source := &fakeSource{}
	attachedDevice(source, testDataID)
	session := newFakeSession(true)
	h := newHarness(t, session, source)

	session.setHandler(func(op, msg string) (string, bool) {
		switch op {
		case codec.OpRecordingSendChunk:
			if offset, _ := codec.DecodeField(msg, "data.offset"); offset == "0" {
				source.remove()
			}
		case codec.OpRecordingVerify:
			// Let the removal reach the agent before the upload ends
			waitQueued(h.journal, journal.KindRemoval)
		}
		return ackAll(op, msg)
	})
	h.start(t)

	require.Eventually(t, func() bool {
		s := h.agent.Status()
		return s.State == Initialized.String() && countOps(session, codec.OpRecordingVerify) == 1 && !s.RemovalQueued
	}, 5*time.Second, 5*time.Millisecond)

	// The upload completes, the recording is never announced for a device
	// that is gone, and the removal goes out instead
	assert.Equal(t, []string{
		codec.OpDeviceStatus,
		codec.OpRecordingExists,
		codec.OpRecordingSendChunk,
		codec.OpRecordingSendChunk,
		codec.OpRecordingSendChunk,
		codec.OpRecordingVerify,
		codec.OpDeviceStatus,
	}, session.ops())

	statuses := deviceStatuses(session)
	require.Len(t, statuses, 2)
	assert.Equal(t, "attached", statuses[0].status)
	assert.Equal(t, statusMsg{status: "detached", instance: statuses[0].instance}, statuses[1])

	n, err := h.journal.Notification(context.Background(), journal.KindRemoval)
	require.NoError(t, err)
	assert.False(t, n.Queued)
}

func TestConnectionDropWhileListeningResumesListening(t *testing.T) {
	source := &fakeSource{}
	dev := attachedDevice(source, testDataID)
	session := newFakeSession(true)
	h := newHarness(t, session, source)
	h.start(t)

	h.waitState(t, DeviceInitialized)
	sent := len(session.ops())
	instance := h.agent.Status().InstanceID

	session.drop()
	h.waitState(t, ConnectionLost)
	_, saved := h.agent.State()
	assert.Equal(t, DeviceInitialized, saved)

	session.setConnectable(true)
	h.waitState(t, DeviceInitialized)
	assert.Equal(t, 2, session.connectCount())
	assert.Equal(t, int32(1), h.metrics.reconnects.Load())
	assert.Len(t, session.ops(), sent, "Nothing is resent after reconnecting to a listening phase")

	// The agent listens again on the new connection
	session.push(parametrization("SETSCHEDULE 22:00"))
	require.Eventually(t, func() bool { return len(dev.applied()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "SETSCHEDULE 22:00", dev.applied()[0])
	assert.Equal(t, instance, h.agent.Status().InstanceID)
}

func TestRestoresQueuedNotifications(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{}
	session := newFakeSession(true)
	h := newHarness(t, session, source)

	old := identity.Identity{InstanceID: "e4e3c7c2-1111-4c4c-9d9d-000000000001", DeviceSerial: testSerial, DataID: testDataID}
	require.NoError(t, h.journal.SetQueued(ctx, journal.KindRemoval, true, old))
	h.start(t)

	require.Eventually(t, func() bool { return h.agent.Status().RemovalQueued }, 5*time.Second, 5*time.Millisecond)

	attachedDevice(source, otherDataID)
	h.waitState(t, DeviceInitialized)

	statuses := deviceStatuses(session)
	require.Len(t, statuses, 2)
	assert.Equal(t, statusMsg{status: "detached", instance: old.InstanceID}, statuses[0])
	assert.Equal(t, "attached", statuses[1].status)
}

func TestStateNames(t *testing.T) {
	for i, name := range stateNames {
		s, err := ParseState(name)
		require.NoError(t, err)
		assert.Equal(t, State(i), s)
		assert.Equal(t, name, s.String())
	}

	_, err := ParseState("Uploading")
	assert.Error(t, err)
	assert.Equal(t, "State(42)", State(42).String())
}
