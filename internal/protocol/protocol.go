// Package protocol implements the lockstep request/response operations the
// agent speaks with the upload server, including the chunked transfer
// engine and the exists/send/verify upload cycle.
package protocol

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/fieldops/uplink/internal/codec"
	"github.com/fieldops/uplink/internal/identity"
	"github.com/fieldops/uplink/internal/log"
)

// Common errors returned by the protocol package.
var (
	// ErrProtocol matches every server-reported failure or malformed reply.
	ErrProtocol = errors.New("protocol error")
)

// Error describes a reply the server used to report a failure for Op.
type Error struct {
	Op    string
	Reply string
}

func (e *Error) Error() string {
	return fmt.Sprintf("server rejected %s: %s", e.Op, e.Reply)
}

func (e *Error) Is(target error) bool {
	return target == ErrProtocol
}

// Conn is the connection the client talks through. Send and Receive must
// be used in strict alternation.
type Conn interface {
	// Send writes one message.
	Send(ctx context.Context, msg []byte) error
	// Receive blocks for the next message.
	Receive(ctx context.Context) (string, error)
	// CancelSend cancels the current send scope.
	CancelSend()
	// CancelReceive cancels the current receive scope.
	CancelReceive()
}

// Observer receives transfer events, e.g. for metrics.
type Observer interface {
	ChunkSent(size int)
	ChunkRetried()
	UploadVerified()
}

// ProgressCallback is a function called after every acknowledged chunk.
type ProgressCallback func(sent, total int64)

// Config contains configuration options for the client.
type Config struct {
	// ChunkSize is the payload size of one recording_send_chunk message.
	ChunkSize int
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize: 64 * 1024,
	}
}

// Client performs protocol exchanges over a Conn.
type Client struct {
	conn     Conn
	config   Config
	observer Observer
}

// NewClient creates a client. A non-positive chunk size falls back to the
// default.
func NewClient(conn Conn, config Config) *Client {
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultConfig().ChunkSize
	}
	return &Client{
		conn:     conn,
		config:   config,
		observer: nopObserver{},
	}
}

// SetObserver registers an observer for transfer events.
func (c *Client) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	c.observer = o
}

// exchange sends one envelope and waits for its reply.
func (c *Client) exchange(ctx context.Context, op string, id identity.Identity, data any) (string, error) {
	msg, err := codec.EncodeEnvelope(op, meta(id), data)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", op, err)
	}
	if err := c.conn.Send(ctx, msg); err != nil {
		return "", err
	}
	return c.conn.Receive(ctx)
}

// DeviceStatus reports a device attach or detach and returns the reply.
func (c *Client) DeviceStatus(ctx context.Context, id identity.Identity, attached bool) (string, error) {
	status := "detached"
	if attached {
		status = "attached"
	}

	reply, err := c.exchange(ctx, codec.OpDeviceStatus, id, map[string]any{"status": status})
	if err != nil {
		log.Error().Err(err).Str("status", status).Msg("Unable to send device status")
		return "", err
	}
	log.Info().Str("status", status).Str("reply", reply).Msg("Device status acknowledged")
	return reply, nil
}

// InitializeRecording announces that the device is ready for parametrization.
func (c *Client) InitializeRecording(ctx context.Context, id identity.Identity) (string, error) {
	reply, err := c.exchange(ctx, codec.OpInitializeRecording, id, nil)
	if err != nil {
		log.Error().Err(err).Msg("Recording initialization failed")
		return "", err
	}
	log.Info().Str("reply", reply).Msg("Recording initialization acknowledged")
	return reply, nil
}

// RecordingExists asks whether the server already holds the package.
func (c *Client) RecordingExists(ctx context.Context, id identity.Identity, encryptedHash string) (bool, error) {
	reply, err := c.exchange(ctx, codec.OpRecordingExists, id, map[string]any{
		"uuid": id.DataID,
		"hash": encryptedHash,
	})
	if err != nil {
		log.Error().Err(err).Msg("Novelty query failed")
		return false, err
	}
	return strings.Contains(reply, "uploaded"), nil
}

// VerifyRecording asks the server to compare both package hashes. A
// mismatch returns an error matching ErrProtocol.
func (c *Client) VerifyRecording(ctx context.Context, id identity.Identity, packedHash, encryptedHash string) error {
	reply, err := c.exchange(ctx, codec.OpRecordingVerify, id, map[string]any{
		"uuid":  id.DataID,
		"hash1": packedHash,
		"hash2": encryptedHash,
	})
	if err != nil {
		log.Error().Err(err).Msg("Data integrity check failed")
		return err
	}
	if strings.Contains(reply, "error") {
		return &Error{Op: codec.OpRecordingVerify, Reply: reply}
	}
	return nil
}

// ListenParametrization blocks for one server-pushed parametrization
// message and returns the decoded command text.
func (c *Client) ListenParametrization(ctx context.Context) (string, error) {
	log.Info().Msg("Listening for parametrization messages")

	msg, err := c.conn.Receive(ctx)
	if err != nil {
		return "", err
	}

	payload, ok := codec.DecodeField(msg, "data.payload")
	if !ok {
		return "", &Error{Op: "parametrization", Reply: msg}
	}
	command, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		log.Error().Err(err).Msg("Invalid base64 payload received")
		return "", &Error{Op: "parametrization", Reply: msg}
	}
	return string(command), nil
}

func meta(id identity.Identity) codec.Meta {
	return codec.Meta{Instance: id.InstanceID, SerialNumber: id.DeviceSerial}
}

type nopObserver struct{}

func (nopObserver) ChunkSent(int)   {}
func (nopObserver) ChunkRetried()   {}
func (nopObserver) UploadVerified() {}
