package protocol

import (
	"context"
	"encoding/base64"
	"errors"

	"github.com/fieldops/uplink/internal/codec"
	"github.com/fieldops/uplink/internal/identity"
	"github.com/fieldops/uplink/internal/log"
)

// Transfer describes one upload attempt of a payload.
type Transfer struct {
	// Payload is the immutable package content.
	Payload []byte
	// ChunkSize is the size of every chunk but possibly the last.
	ChunkSize int
	// Offset is the first byte not yet acknowledged.
	Offset int64
	// TotalSize is len(Payload).
	TotalSize int64
}

// Done reports whether every byte was acknowledged.
func (t *Transfer) Done() bool {
	return t.Offset == t.TotalSize
}

type chunkData struct {
	UUID      string `json:"uuid"`
	Offset    int64  `json:"offset"`
	Length    int    `json:"length"`
	TotalSize int64  `json:"total size"`
	Payload   string `json:"payload"`
	Hash      string `json:"hash"`
}

// SendPayload uploads payload as a sequence of recording_send_chunk
// messages, one acknowledgment per chunk. A chunk whose acknowledgment is
// "error" or unreadable is sent again until it is accepted. Any send or
// receive failure abandons the attempt and is returned unchanged; the next
// attempt starts over at offset 0.
func (c *Client) SendPayload(ctx context.Context, id identity.Identity, payload []byte, progress ProgressCallback) (*Transfer, error) {
	t := &Transfer{
		Payload:   payload,
		ChunkSize: c.config.ChunkSize,
		TotalSize: int64(len(payload)),
	}
	chunks := codec.SplitChunks(payload, t.ChunkSize)

	log.Info().Int("chunks", len(chunks)).Int64("total", t.TotalSize).Str("data_id", id.DataID).Msg("Start chunking")

	for i := 0; !t.Done(); {
		chunk := chunks[i]

		accepted, err := c.sendChunk(ctx, id, t, chunk)
		if err != nil {
			log.Error().Err(err).Int64("offset", t.Offset).Int("chunk", i).Msg("Chunk sending loop could not finish")
			c.conn.CancelSend()
			c.conn.CancelReceive()
			return t, err
		}
		if !accepted {
			log.Error().Int64("offset", t.Offset).Int("chunk", i).Msg("Server received a flawed chunk, retrying")
			c.observer.ChunkRetried()
			continue
		}

		t.Offset += int64(len(chunk))
		i++
		c.observer.ChunkSent(len(chunk))
		if progress != nil {
			progress(t.Offset, t.TotalSize)
		}
		log.Debug().Int64("offset", t.Offset).Int64("total", t.TotalSize).Msg("Chunk acknowledged")
	}

	return t, nil
}

// sendChunk sends the chunk at t.Offset and reports whether it was accepted.
func (c *Client) sendChunk(ctx context.Context, id identity.Identity, t *Transfer, chunk []byte) (bool, error) {
	reply, err := c.exchange(ctx, codec.OpRecordingSendChunk, id, chunkData{
		UUID:      id.DataID,
		Offset:    t.Offset,
		Length:    len(chunk),
		TotalSize: t.TotalSize,
		Payload:   base64.StdEncoding.EncodeToString(chunk),
		Hash:      codec.HashHex(chunk),
	})
	if err != nil {
		return false, err
	}

	status, ok := codec.DecodeField(reply, "status")
	if !ok {
		log.Error().Str("reply", reply).Msg("Failed to parse chunk response")
		return false, nil
	}
	return status != "error", nil
}

// Upload is a built package as the upload cycle needs it.
type Upload struct {
	Payload       []byte
	PackedHash    string
	EncryptedHash string
}

// UploadResult summarizes a finished upload cycle.
type UploadResult struct {
	// AlreadyPresent is set when the server reported the package as uploaded.
	AlreadyPresent bool
	// Attempts counts full payload transfers, including those whose
	// verification failed.
	Attempts int
}

// UploadPackage runs the upload cycle: a recording_exists query, then
// payload transfer and recording_verify until the server confirms both
// hashes. A verification mismatch restarts the transfer without limit.
func (c *Client) UploadPackage(ctx context.Context, id identity.Identity, up Upload, progress ProgressCallback) (UploadResult, error) {
	var result UploadResult

	exists, err := c.RecordingExists(ctx, id, up.EncryptedHash)
	if err != nil {
		return result, err
	}
	if exists {
		log.Info().Str("data_id", id.DataID).Msg("Data package already uploaded")
		result.AlreadyPresent = true
		return result, nil
	}

	for {
		result.Attempts++
		if _, err := c.SendPayload(ctx, id, up.Payload, progress); err != nil {
			return result, err
		}

		err := c.VerifyRecording(ctx, id, up.PackedHash, up.EncryptedHash)
		if err == nil {
			log.Info().Str("data_id", id.DataID).Int("attempts", result.Attempts).Msg("Data package hash sums match, package sent")
			c.observer.UploadVerified()
			return result, nil
		}
		if !errors.Is(err, ErrProtocol) {
			return result, err
		}
		log.Error().Int("attempt", result.Attempts).Msg("Data package hash sums do not match, restarting the transfer")
	}
}
