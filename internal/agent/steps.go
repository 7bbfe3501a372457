package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldops/uplink/internal/device"
	"github.com/fieldops/uplink/internal/identity"
	"github.com/fieldops/uplink/internal/journal"
	"github.com/fieldops/uplink/internal/log"
	"github.com/fieldops/uplink/internal/pack"
	"github.com/fieldops/uplink/internal/protocol"
	"github.com/fieldops/uplink/internal/transport"
)

// recognize waits for a device, reads its identity and starts watching for
// its removal.
func (a *Agent) recognize(ctx context.Context) {
	h, err := a.source.Probe()
	if err == nil && h == nil {
		h, err = a.source.AwaitInsertion(ctx)
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Msg("Try device recognition again due to an error")
		wait(ctx, a.config.RetryDelay)
		return
	}

	serial, err := h.Serial()
	if err == nil {
		var dataID string
		dataID, err = h.DatasetID()
		if err == nil {
			a.recognized(ctx, h, identity.New(serial, dataID))
			return
		}
	}

	log.Error().Err(err).Msg("Try device recognition and data fetching again due to an error")
	a.sink.Notify("The device could not be read, retrying...", 3*time.Second)
	wait(ctx, a.config.RetryDelay)
}

func (a *Agent) recognized(ctx context.Context, h device.Handle, id identity.Identity) {
	log.Info().
		Str("instance", id.InstanceID).
		Str("serial", id.DeviceSerial).
		Str("data_id", id.DataID).
		Msg("Device recognized")

	a.mu.Lock()
	if a.stopWatch != nil {
		a.stopWatch()
	}
	watchCtx, stop := context.WithCancel(ctx)
	a.stopWatch = stop
	a.handle = h
	a.id = id
	a.pkg = nil
	a.sent, a.total = 0, 0
	a.insertionQueued, a.insertionID = true, id
	a.mu.Unlock()

	a.persistQueued(journal.KindInsertion, true, id)
	a.watchRemoval(watchCtx, h)

	a.sink.Notify("Device "+id.DeviceSerial+" recognized", 3*time.Second)
	a.transition(Initialized, DeviceRecognized)
}

// packDevice builds the data package of the recognized device.
func (a *Agent) packDevice(ctx context.Context) {
	if !a.source.Attached() {
		log.Info().Msg("Device is gone before packaging, waiting for a device again")
		a.transition(DeviceRecognized, Initialized)
		return
	}

	a.mu.Lock()
	h, id := a.handle, a.id
	a.mu.Unlock()

	files, err := h.MeasuredFiles()
	if err == nil {
		a.sink.Notify("Packing device data...", 3*time.Second)
		var pkg *pack.Package
		pkg, err = a.packer.Build(ctx, files, id, func(done, total int64) {
			if total > 0 {
				a.sink.SetStatus(packingStatus(done, total))
			}
		})
		if err == nil {
			a.mu.Lock()
			a.pkg = pkg
			a.sent, a.total = 0, pkg.Size
			a.mu.Unlock()
			a.sink.SetStatus("")
			a.transition(DeviceRecognized, DataPacked)
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	log.Error().Err(err).Msg("There was a problem constructing the data package")
	a.sink.Notify("Packing device data failed, retrying...", 3*time.Second)
	wait(ctx, a.config.RetryDelay)
}

// sendData flushes queued notifications and runs the upload cycle. Without
// a connection it waits for the initial connection attempt, then hands over
// to ConnectionLost.
func (a *Agent) sendData(ctx context.Context) {
	if !a.session.IsOpen() {
		select {
		case <-a.initialConnect:
			if !a.session.IsOpen() {
				a.lose(DataPacked, transport.ErrNotOpen)
			}
		case <-ctx.Done():
		}
		return
	}

	if err := a.flushPending(ctx); err != nil {
		a.lose(DataPacked, err)
		return
	}

	a.mu.Lock()
	id, pkg := a.id, a.pkg
	a.allowRemoval = false
	a.mu.Unlock()

	if err := a.upload(ctx, id, pkg); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Msg("Connection lost during the upload, the transfer restarts after reconnecting")
		a.lose(DataPacked, err)
		return
	}
	a.transition(DataPacked, DataSent)
}

func (a *Agent) upload(ctx context.Context, id identity.Identity, pkg *pack.Package) error {
	if a.journal != nil {
		if err := a.journal.LogUpload(ctx, pkg.DataID, pkg.EncryptedHash, pkg.PackedHash, pkg.Size); err != nil {
			log.Error().Err(err).Msg("Failed to journal upload start")
		}
	}

	a.sink.Notify("Transferring data to server...", 5*time.Second)
	result, err := a.client.UploadPackage(ctx, id, protocol.Upload{
		Payload:       pkg.Payload,
		PackedHash:    pkg.PackedHash,
		EncryptedHash: pkg.EncryptedHash,
	}, a.progress)
	if err != nil {
		return err
	}

	status := journal.StatusVerified
	if result.AlreadyPresent {
		status = journal.StatusAlreadyPresent
		a.sink.Notify("Data already exists on the server", 3*time.Second)
	} else {
		a.sink.Notify("Data transferred to server", 3*time.Second)
	}
	a.sink.SetStatus("")

	if a.journal != nil {
		if err := a.journal.CompleteUpload(ctx, pkg.DataID, pkg.EncryptedHash, status, result.Attempts); err != nil {
			log.Error().Err(err).Msg("Failed to journal upload result")
		}
	}
	return nil
}

// initializeRecording announces the recording while the device is present.
// Otherwise a queued removal is sent and the agent waits for a device.
func (a *Agent) initializeRecording(ctx context.Context) {
	if !a.source.Attached() {
		a.mu.Lock()
		a.allowRemoval = true
		queued := a.removalQueued
		a.mu.Unlock()

		if queued {
			if err := a.flushRemoval(ctx); err != nil {
				log.Error().Err(err).Msg("Could not send the removal message, it stays queued")
			}
		}
		a.transition(DataSent, Initialized)
		return
	}

	a.mu.Lock()
	id := a.id
	a.mu.Unlock()

	_, err := a.client.InitializeRecording(ctx, id)
	switch {
	case err == nil:
		a.transition(DataSent, DeviceInitialized)
	case errors.Is(err, transport.ErrCanceled):
		log.Error().Msg("Initialization message was canceled due to device removal, reverting to device recognition")
		a.transition(DataSent, Initialized)
	default:
		a.lose(DataSent, err)
	}
}

// listenParametrization waits for one parametrization message and applies
// it to the device.
func (a *Agent) listenParametrization(ctx context.Context) {
	a.sink.SetStatus("")

	a.mu.Lock()
	h := a.handle
	a.mu.Unlock()

	command, err := a.client.ListenParametrization(ctx)
	switch {
	case err == nil:
		log.Info().Str("command", command).Msg("Set device clock and scheduling")
		if err := h.ApplyCommand(command); err != nil {
			log.Error().Err(err).Msg("Could not apply the parametrization command")
			return
		}
		a.sink.Notify("Device parametrized", 3*time.Second)
	case errors.Is(err, transport.ErrCanceled):
		log.Info().Msg("Device parametrization message listening canceled")
		a.transition(DeviceInitialized, Initialized)
	case errors.Is(err, protocol.ErrProtocol):
		log.Error().Err(err).Msg("Ignoring malformed parametrization message")
	default:
		a.lose(DeviceInitialized, err)
	}
}

// reconnect restores the connection and flushes queued notifications.
func (a *Agent) reconnect(ctx context.Context) {
	if !a.session.IsOpen() {
		if err := a.session.RetryAfterAbort(ctx, a.config.ServerURL); err != nil {
			return
		}
		if !a.session.IsOpen() {
			// No handle was ever created, so there was nothing to retry.
			if err := a.session.Connect(ctx, a.config.ServerURL); err != nil {
				return
			}
		}
		if a.metrics != nil {
			a.metrics.Reconnected()
		}
		a.sink.Notify("Connection to the server restored", 3*time.Second)
	}

	if err := a.flushPending(ctx); err != nil {
		log.Error().Err(err).Msg("Could not send queued notifications after reconnecting")
		return
	}
	a.transition(ConnectionLost, Reconnected)
}

// resume returns to the phase that was interrupted.
func (a *Agent) resume() {
	_, saved := a.State()
	log.Info().Str("resume", saved.String()).Msg("Reverting to the interrupted phase")
	a.transition(Reconnected, saved)
}

func packingStatus(done, total int64) string {
	return fmt.Sprintf("Packing data: %d %%", done*100/total)
}
