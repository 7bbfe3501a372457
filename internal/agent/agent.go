// Package agent runs the upload state machine. It recognizes the attached
// device, packages its data, uploads the package and then listens for
// parametrization commands, resuming the interrupted phase after a
// connection loss.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fieldops/uplink/internal/device"
	"github.com/fieldops/uplink/internal/identity"
	"github.com/fieldops/uplink/internal/journal"
	"github.com/fieldops/uplink/internal/log"
	"github.com/fieldops/uplink/internal/notify"
	"github.com/fieldops/uplink/internal/pack"
	"github.com/fieldops/uplink/internal/protocol"
)

// Session is the server connection the agent drives. Only the orchestrator
// goroutine sends or receives; the removal handler only cancels.
type Session interface {
	protocol.Conn
	// Connect blocks until the connection is open or ctx is done.
	Connect(ctx context.Context, uri string) error
	// RetryAfterAbort reconnects a failed connection.
	RetryAfterAbort(ctx context.Context, uri string) error
	// IsOpen reports whether the connection is open.
	IsOpen() bool
	// ResetScopes drops cancellations no call has observed.
	ResetScopes()
	// Close closes the connection gracefully.
	Close() error
}

// Packer builds the data package of a device.
type Packer interface {
	Build(ctx context.Context, files []string, id identity.Identity, progress pack.ProgressFunc) (*pack.Package, error)
}

// Metrics receives agent events in addition to the transfer events.
type Metrics interface {
	protocol.Observer
	Reconnected()
	StateChanged(state string)
	Progress(sent, total int64)
}

// Config contains configuration options for the agent.
type Config struct {
	// ServerURL is the WebSocket endpoint of the upload server.
	ServerURL string
	// Protocol configures the protocol client.
	Protocol protocol.Config
	// RetryDelay is the pause before a failed recognition or packaging is
	// tried again.
	RetryDelay time.Duration
}

// DefaultConfig returns the default agent configuration.
func DefaultConfig() Config {
	return Config{
		Protocol:   protocol.DefaultConfig(),
		RetryDelay: time.Second,
	}
}

// Status is a snapshot of the agent for operators.
type Status struct {
	State           string `json:"state"`
	SavedState      string `json:"saved_state"`
	Connected       bool   `json:"connected"`
	InsertionQueued bool   `json:"insertion_queued"`
	RemovalQueued   bool   `json:"removal_queued"`
	InstanceID      string `json:"instance_id,omitempty"`
	Serial          string `json:"serial,omitempty"`
	DataID          string `json:"data_id,omitempty"`
	Sent            int64  `json:"sent"`
	Total           int64  `json:"total"`
}

// Agent is the orchestrator.
type Agent struct {
	config  Config
	session Session
	client  *protocol.Client
	source  device.Source
	packer  Packer
	sink    notify.Sink
	journal *journal.Journal
	metrics Metrics

	// initialConnect is closed when the first connection attempt returns.
	initialConnect chan struct{}
	stopWatch      context.CancelFunc

	mu    sync.Mutex
	state State
	saved State
	// Pending notifications and the identity each is sent for.
	insertionQueued bool
	insertionID     identity.Identity
	removalQueued   bool
	removalID       identity.Identity
	// allowRemoval permits sending a removal as soon as it happens.
	allowRemoval bool
	// removed is set by the removal handler and consumed by the orchestrator.
	removed bool
	// sendRemovalNow asks the orchestrator to send the queued removal at once.
	sendRemovalNow bool
	id             identity.Identity
	handle         device.Handle
	pkg            *pack.Package
	sent, total    int64
}

// New creates an agent. j may be nil, in which case nothing is persisted.
func New(config Config, session Session, source device.Source, packer Packer, sink notify.Sink, j *journal.Journal) *Agent {
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultConfig().RetryDelay
	}
	return &Agent{
		config:  config,
		session: session,
		client:  protocol.NewClient(session, config.Protocol),
		source:  source,
		packer:  packer,
		sink:    sink,
		journal: j,
		state:   Initialized,
		saved:   Initialized,
	}
}

// SetMetrics registers the metrics sink.
func (a *Agent) SetMetrics(m Metrics) {
	a.metrics = m
	a.client.SetObserver(m)
}

// Status returns the current status.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{
		State:           a.state.String(),
		SavedState:      a.saved.String(),
		Connected:       a.session.IsOpen(),
		InsertionQueued: a.insertionQueued,
		RemovalQueued:   a.removalQueued,
		InstanceID:      a.id.InstanceID,
		Serial:          a.id.DeviceSerial,
		DataID:          a.id.DataID,
		Sent:            a.sent,
		Total:           a.total,
	}
}

// State returns the current state and the state resumed after a reconnect.
func (a *Agent) State() (current, saved State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state, a.saved
}

// Run drives the state machine until ctx is done. The first connection is
// established in the background while the device is recognized and packed.
func (a *Agent) Run(ctx context.Context) error {
	log.Info().Str("server", a.config.ServerURL).Msg("Starting agent")
	a.restore(ctx)

	a.initialConnect = make(chan struct{})
	a.sink.Notify("Attempting to connect to the server...", time.Second)
	go func() {
		defer close(a.initialConnect)
		if err := a.session.Connect(ctx, a.config.ServerURL); err != nil {
			log.Info().Err(err).Msg("Initial connection attempt ended")
		}
	}()

	for ctx.Err() == nil {
		a.handleRemoval(ctx)

		current, _ := a.State()
		log.Debug().Str("state", current.String()).Msg("Program state")

		switch current {
		case Initialized:
			a.recognize(ctx)
		case DeviceRecognized:
			a.packDevice(ctx)
		case DataPacked:
			a.sendData(ctx)
		case DataSent:
			a.initializeRecording(ctx)
		case DeviceInitialized:
			a.listenParametrization(ctx)
		case ConnectionLost:
			a.reconnect(ctx)
		case Reconnected:
			a.resume()
		}
	}

	a.shutdown()
	return nil
}

// restore reloads the queued notifications of a previous run.
func (a *Agent) restore(ctx context.Context) {
	if a.journal == nil {
		return
	}

	if state, saved, err := a.journal.LoadState(ctx); err == nil {
		last, errState := ParseState(state)
		resume, errSaved := ParseState(saved)
		if err := errors.Join(errState, errSaved); err != nil {
			log.Warn().Err(err).Msg("Journal holds an unknown agent state")
		} else {
			log.Info().Str("state", last.String()).Str("saved_state", resume.String()).Msg("Previous run ended in this state, starting over from device recognition")
		}
	} else if !errors.Is(err, journal.ErrNotFound) {
		log.Error().Err(err).Msg("Failed to load previous agent state")
	}

	for _, kind := range []journal.Kind{journal.KindInsertion, journal.KindRemoval} {
		n, err := a.journal.Notification(ctx, kind)
		if err != nil {
			if !errors.Is(err, journal.ErrNotFound) {
				log.Error().Err(err).Str("kind", string(kind)).Msg("Failed to load pending notification")
			}
			continue
		}
		if !n.Queued {
			continue
		}
		log.Info().Str("kind", string(kind)).Str("instance", n.Identity.InstanceID).Msg("Restored pending notification")
		a.mu.Lock()
		if kind == journal.KindInsertion {
			a.insertionQueued, a.insertionID = true, n.Identity
		} else {
			a.removalQueued, a.removalID = true, n.Identity
		}
		a.mu.Unlock()
	}
}

func (a *Agent) shutdown() {
	log.Info().Msg("Stopping agent")
	a.mu.Lock()
	if a.stopWatch != nil {
		a.stopWatch()
		a.stopWatch = nil
	}
	a.mu.Unlock()

	if a.initialConnect != nil {
		<-a.initialConnect
	}
	if err := a.session.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close the connection")
	}
}

// transition moves from one state to another unless the removal handler
// changed the state in the meantime.
func (a *Agent) transition(from, to State) bool {
	a.mu.Lock()
	if a.state != from {
		a.mu.Unlock()
		log.Debug().Str("from", from.String()).Str("to", to.String()).Str("state", a.state.String()).Msg("State changed concurrently, transition dropped")
		return false
	}
	a.state = to
	state, saved := a.state, a.saved
	a.mu.Unlock()

	a.stateChanged(state, saved)
	return true
}

// lose records from as the state to resume and moves to ConnectionLost.
func (a *Agent) lose(from State, err error) {
	a.mu.Lock()
	if a.state != from {
		a.mu.Unlock()
		return
	}
	a.saved = from
	a.state = ConnectionLost
	a.mu.Unlock()

	log.Error().Err(err).Str("resume", from.String()).Msg("Connection lost")
	a.stateChanged(ConnectionLost, from)
}

func (a *Agent) stateChanged(state, saved State) {
	log.Info().Str("state", state.String()).Str("saved_state", saved.String()).Msg("Program state changed")
	if a.metrics != nil {
		a.metrics.StateChanged(state.String())
	}
	if a.journal != nil {
		if err := a.journal.SaveState(context.Background(), state.String(), saved.String()); err != nil {
			log.Error().Err(err).Msg("Failed to persist agent state")
		}
	}
}

// progress is the upload progress callback.
func (a *Agent) progress(sent, total int64) {
	a.mu.Lock()
	a.sent, a.total = sent, total
	a.mu.Unlock()

	if total > 0 {
		a.sink.SetStatus(fmt.Sprintf("Uploading data: %d %%", sent*100/total))
	}
	if a.metrics != nil {
		a.metrics.Progress(sent, total)
	}
}

// wait sleeps for d or until ctx is done.
func wait(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
