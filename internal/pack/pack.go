// Package pack builds the encrypted data package uploaded for one dataset.
//
// A package file is laid out as
//
//	dataId (ASCII) | IV (16 bytes) | AES-256-CBC(zlib(file1 | file2 | ...))
//
// The compressed stream is produced in 64 KiB input blocks, each followed by
// a flush, and is hashed before encryption. The packed hash is the SHA-1 of
// that compressed stream; the encrypted hash is the SHA-1 of the whole file.
package pack

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fieldops/uplink/internal/codec"
	"github.com/fieldops/uplink/internal/crypto"
	"github.com/fieldops/uplink/internal/identity"
	"github.com/fieldops/uplink/internal/log"
	"github.com/klauspost/compress/zlib"
)

// BlockSize is the amount of source data compressed between flushes.
const BlockSize = 64 * 1024

// Ext is the file extension of package files.
const Ext = ".pkg"

// Common errors returned by the pack package.
var (
	ErrNoDataID       = errors.New("dataset id is empty")
	ErrHeaderMismatch = errors.New("package header does not match dataset id")
)

// Package is a built data package. It is immutable once built.
type Package struct {
	DataID        string
	Path          string
	Payload       []byte
	PackedHash    string
	EncryptedHash string
	Size          int64
}

// ProgressFunc is called after every compressed block with the number of
// source bytes consumed so far.
type ProgressFunc func(done, total int64)

// Builder writes packages into a directory.
type Builder struct {
	dir       string
	masterKey []byte
	level     int
}

// NewBuilder returns a builder writing to dir with keys derived from masterKey.
func NewBuilder(dir string, masterKey []byte) *Builder {
	return &Builder{
		dir:       dir,
		masterKey: masterKey,
		level:     zlib.DefaultCompression,
	}
}

// PathFor returns the file a package for dataID is written to.
func (b *Builder) PathFor(dataID string) string {
	return filepath.Join(b.dir, dataID+Ext)
}

// Build streams files, in order, through compression and encryption into a
// new package for id.DataID, replacing any previous package for it.
func (b *Builder) Build(ctx context.Context, files []string, id identity.Identity, progress ProgressFunc) (*Package, error) {
	if id.DataID == "" {
		return nil, ErrNoDataID
	}

	key, err := crypto.PackageKey(b.masterKey, id.DataID)
	if err != nil {
		return nil, fmt.Errorf("failed to derive package key: %w", err)
	}
	iv, err := crypto.NewIV()
	if err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	var total int64
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", f, err)
		}
		total += info.Size()
	}

	if err := os.MkdirAll(b.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create package directory: %w", err)
	}
	tmp, err := os.CreateTemp(b.dir, id.DataID+"-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create package file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	log.Info().Str("data_id", id.DataID).Int("files", len(files)).Int64("bytes", total).Msg("Ready to pack data")

	packedHash, err := b.write(ctx, tmp, files, id.DataID, key, iv, total, progress)
	if err != nil {
		return nil, err
	}
	if err := tmp.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync package file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close package file: %w", err)
	}

	path := b.PathFor(id.DataID)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, fmt.Errorf("failed to move package into place: %w", err)
	}

	// Hash the file as it is on disk, header included.
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read package back: %w", err)
	}

	pkg := &Package{
		DataID:        id.DataID,
		Path:          path,
		Payload:       payload,
		PackedHash:    packedHash,
		EncryptedHash: codec.HashHex(payload),
		Size:          int64(len(payload)),
	}
	log.Info().
		Str("data_id", id.DataID).
		Str("packed_hash", pkg.PackedHash).
		Str("encrypted_hash", pkg.EncryptedHash).
		Int64("size", pkg.Size).
		Msg("Data package built")
	return pkg, nil
}

// write emits header and body and returns the packed hash.
func (b *Builder) write(ctx context.Context, w io.Writer, files []string, dataID string, key, iv []byte, total int64, progress ProgressFunc) (string, error) {
	bw := bufio.NewWriterSize(w, BlockSize)
	if _, err := bw.WriteString(dataID); err != nil {
		return "", fmt.Errorf("failed to write header: %w", err)
	}
	if _, err := bw.Write(iv); err != nil {
		return "", fmt.Errorf("failed to write header: %w", err)
	}

	enc, err := crypto.NewCBCWriter(bw, key, iv)
	if err != nil {
		return "", err
	}
	packed := sha1.New()
	zw, err := zlib.NewWriterLevel(io.MultiWriter(packed, enc), b.level)
	if err != nil {
		return "", fmt.Errorf("failed to create compressor: %w", err)
	}

	buf := make([]byte, BlockSize)
	var done int64
	for i, name := range files {
		log.Debug().Int("file", i).Str("path", name).Msg("Packing file")
		n, err := compressFile(ctx, zw, name, buf, func(n int64) {
			if progress != nil {
				progress(done+n, total)
			}
		})
		if err != nil {
			return "", err
		}
		done += n
	}

	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish compression: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	if err := bw.Flush(); err != nil {
		return "", fmt.Errorf("failed to flush package: %w", err)
	}
	return codec.HexDigest(packed.Sum(nil)), nil
}

// compressFile feeds one file through zw block by block.
func compressFile(ctx context.Context, zw *zlib.Writer, name string, buf []byte, step func(int64)) (int64, error) {
	f, err := os.Open(name)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	var read int64
	for {
		if err := ctx.Err(); err != nil {
			return read, err
		}
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			if _, werr := zw.Write(buf[:n]); werr != nil {
				return read, fmt.Errorf("failed to compress %s: %w", name, werr)
			}
			if ferr := zw.Flush(); ferr != nil {
				return read, fmt.Errorf("failed to flush compressor: %w", ferr)
			}
			read += int64(n)
			step(read)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return read, nil
		}
		if err != nil {
			return read, fmt.Errorf("failed to read %s: %w", name, err)
		}
	}
}

// Contents is the decrypted and decompressed body of a package.
type Contents struct {
	Data       []byte
	PackedHash string
}

// Open reverses Build for a package of dataID encrypted with a key derived
// from masterKey. The returned data is the concatenation of the source files.
func Open(path, dataID string, masterKey []byte) (*Contents, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read package: %w", err)
	}
	return Decode(raw, dataID, masterKey)
}

// Decode reverses Build for package bytes already in memory.
func Decode(raw []byte, dataID string, masterKey []byte) (*Contents, error) {
	header := len(dataID) + crypto.IVSize
	if len(raw) < header || string(raw[:len(dataID)]) != dataID {
		return nil, ErrHeaderMismatch
	}
	iv := raw[len(dataID):header]

	key, err := crypto.PackageKey(masterKey, dataID)
	if err != nil {
		return nil, fmt.Errorf("failed to derive package key: %w", err)
	}
	compressed, err := crypto.DecryptCBC(key, iv, raw[header:])
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt package: %w", err)
	}

	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("failed to open compressed stream: %w", err)
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress package: %w", err)
	}
	return &Contents{Data: data, PackedHash: codec.HashHex(compressed)}, nil
}
