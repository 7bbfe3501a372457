package agent

import (
	"context"
	"time"

	"github.com/fieldops/uplink/internal/device"
	"github.com/fieldops/uplink/internal/identity"
	"github.com/fieldops/uplink/internal/journal"
	"github.com/fieldops/uplink/internal/log"
)

// watchRemoval handles the removal of h on its own goroutine.
func (a *Agent) watchRemoval(ctx context.Context, h device.Handle) {
	removed := a.source.WatchRemoval(ctx, h)
	go func() {
		if _, ok := <-removed; ok {
			a.onRemoval(h)
		}
	}()
}

// onRemoval runs on the watcher goroutine. It never touches the socket
// beyond canceling the current scopes; the removal message itself is sent
// by the orchestrator.
func (a *Agent) onRemoval(h device.Handle) {
	a.mu.Lock()
	if a.handle != h {
		a.mu.Unlock()
		return
	}

	id := a.id
	forced := false
	switch {
	case a.state == DataSent || a.state == DeviceInitialized:
		log.Error().Str("state", a.state.String()).Msg("Device removed during an online phase, canceling the current operation")
		a.session.CancelSend()
		a.session.CancelReceive()
		a.state = Initialized
		a.saved = Initialized
		a.sendRemovalNow = a.allowRemoval
		forced = true
	case (a.state == ConnectionLost || a.state == Reconnected) && (a.saved == DataSent || a.saved == DeviceInitialized):
		log.Info().Str("resume", a.saved.String()).Msg("Device removed while disconnected, resuming with device recognition instead")
		a.saved = Initialized
	}
	a.removalQueued, a.removalID = true, id
	a.removed = true
	state, saved := a.state, a.saved
	a.mu.Unlock()

	a.persistQueued(journal.KindRemoval, true, id)
	if forced {
		a.stateChanged(state, saved)
	}
	a.sink.Notify("Device "+id.DeviceSerial+" removed", 3*time.Second)
}

// handleRemoval completes a removal on the orchestrator goroutine.
func (a *Agent) handleRemoval(ctx context.Context) {
	a.mu.Lock()
	if !a.removed {
		a.mu.Unlock()
		return
	}
	a.removed = false
	sendNow := a.sendRemovalNow
	a.sendRemovalNow = false
	a.mu.Unlock()

	// A cancellation that no call observed would otherwise hit the next
	// exchange.
	a.session.ResetScopes()

	if sendNow && a.session.IsOpen() {
		if err := a.flush(ctx, journal.KindRemoval); err != nil {
			log.Error().Err(err).Msg("Could not send the removal message, it stays queued")
		}
	}
}

// flushPending sends every queued notification. An insertion and a removal
// of the same attach cycle go out in that order; a removal left over from
// an earlier cycle goes out before the new insertion.
func (a *Agent) flushPending(ctx context.Context) error {
	a.mu.Lock()
	insertion, removal := a.insertionQueued, a.removalQueued
	insertionFirst := !removal || a.insertionID.InstanceID == a.removalID.InstanceID
	a.mu.Unlock()

	order := []journal.Kind{journal.KindRemoval, journal.KindInsertion}
	if insertionFirst {
		order = []journal.Kind{journal.KindInsertion, journal.KindRemoval}
	}
	if !insertion && !removal {
		return nil
	}

	for _, kind := range order {
		if err := a.flush(ctx, kind); err != nil {
			return err
		}
	}
	return nil
}

func (a *Agent) flushRemoval(ctx context.Context) error {
	return a.flush(ctx, journal.KindRemoval)
}

// flush sends the queued notification of kind and clears its flag once the
// server has answered.
func (a *Agent) flush(ctx context.Context, kind journal.Kind) error {
	a.mu.Lock()
	queued, id := a.insertionQueued, a.insertionID
	if kind == journal.KindRemoval {
		queued, id = a.removalQueued, a.removalID
	}
	a.mu.Unlock()

	if !queued {
		return nil
	}

	if _, err := a.client.DeviceStatus(ctx, id, kind == journal.KindInsertion); err != nil {
		return err
	}

	a.mu.Lock()
	// The flag may have been queued again for another attach cycle.
	switch {
	case kind == journal.KindInsertion && a.insertionID == id:
		a.insertionQueued = false
	case kind == journal.KindRemoval && a.removalID == id:
		a.removalQueued = false
	default:
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	a.persistQueued(kind, false, id)
	return nil
}

func (a *Agent) persistQueued(kind journal.Kind, queued bool, id identity.Identity) {
	if a.journal == nil {
		return
	}
	if err := a.journal.SetQueued(context.Background(), kind, queued, id); err != nil {
		log.Error().Err(err).Str("kind", string(kind)).Msg("Failed to persist notification flag")
	}
}
