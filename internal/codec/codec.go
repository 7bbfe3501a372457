// Package codec implements the wire format spoken with the upload server:
// a fixed-shape JSON envelope carried in text frames, and the splitting of
// binary payloads into fixed-size chunks.
package codec

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Operation names understood by the server.
const (
	OpDeviceStatus        = "device_status"
	OpInitializeRecording = "initialize_recording"
	OpRecordingExists     = "recording_exists"
	OpRecordingSendChunk  = "recording_send_chunk"
	OpRecordingVerify     = "recording_verify"
)

// Meta identifies the agent session a message belongs to.
type Meta struct {
	Instance     string `json:"instance"`
	SerialNumber string `json:"serialnumber"`
}

// Envelope is the shape of every message exchanged with the server.
type Envelope struct {
	Op   string `json:"op"`
	Meta Meta   `json:"meta"`
	Data any    `json:"data,omitempty"`
}

// EncodeEnvelope renders {op, meta, data} as UTF-8 JSON. A nil data value
// omits the data member entirely.
func EncodeEnvelope(op string, meta Meta, data any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(Envelope{Op: op, Meta: meta, Data: data}); err != nil {
		return nil, fmt.Errorf("failed to encode %s envelope: %w", op, err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// DecodeField extracts the value at a dotted path such as "data.payload".
// The second result is false when the message does not parse or the path is
// absent; that is "no data", never a failure. Numbers keep their literal
// form, and objects or arrays are returned as compact JSON.
func DecodeField(message, path string) (string, bool) {
	dec := json.NewDecoder(strings.NewReader(message))
	dec.UseNumber()

	var node any
	if err := dec.Decode(&node); err != nil {
		return "", false
	}

	for _, key := range strings.Split(path, ".") {
		obj, ok := node.(map[string]any)
		if !ok {
			return "", false
		}
		node, ok = obj[key]
		if !ok {
			return "", false
		}
	}

	switch v := node.(type) {
	case nil:
		return "", false
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case bool:
		if v {
			return "true", true
		}
		return "false", true
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(raw), true
	}
}

// SplitChunks slices payload into ceil(len/chunkSize) consecutive chunks,
// the last one possibly shorter. The chunks alias payload.
func SplitChunks(payload []byte, chunkSize int) [][]byte {
	if len(payload) == 0 {
		return nil
	}
	if chunkSize <= 0 || chunkSize >= len(payload) {
		return [][]byte{payload[:len(payload):len(payload)]}
	}

	chunks := make([][]byte, 0, (len(payload)+chunkSize-1)/chunkSize)
	for off := 0; off < len(payload); off += chunkSize {
		end := min(off+chunkSize, len(payload))
		chunks = append(chunks, payload[off:end:end])
	}
	return chunks
}

// HexDigest formats a hash sum as lowercase hex without separators.
func HexDigest(sum []byte) string {
	return hex.EncodeToString(sum)
}

// HashHex returns the SHA-1 of data as lowercase hex.
func HashHex(data []byte) string {
	sum := sha1.Sum(data)
	return HexDigest(sum[:])
}
