package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
)

// IVSize is the size of the initialization vector written into package headers.
const IVSize = aes.BlockSize

var (
	// ErrInvalidData is returned when the data to be decrypted is invalid
	ErrInvalidData = errors.New("invalid encrypted data")
	// ErrClosed is returned when writing to a closed encryptor.
	ErrClosed = errors.New("encryptor closed")
)

// CBCWriter encrypts everything written to it with AES-CBC and writes the
// ciphertext to the underlying writer. Whole blocks are emitted as soon as
// they are complete; Close pads the tail with PKCS#7 and emits the final
// block.
type CBCWriter struct {
	w      io.Writer
	mode   cipher.BlockMode
	buf    []byte
	closed bool
}

// NewCBCWriter creates an encryptor writing to w.
func NewCBCWriter(w io.Writer, key, iv []byte) (*CBCWriter, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("invalid IV length %d", len(iv))
	}
	return &CBCWriter{
		w:    w,
		mode: cipher.NewCBCEncrypter(block, iv),
	}, nil
}

// Write encrypts p. Up to one block of input is held back until more data
// arrives or Close is called.
func (c *CBCWriter) Write(p []byte) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	c.buf = append(c.buf, p...)

	full := len(c.buf) / aes.BlockSize * aes.BlockSize
	if full == 0 {
		return len(p), nil
	}
	out := make([]byte, full)
	c.mode.CryptBlocks(out, c.buf[:full])
	if _, err := c.w.Write(out); err != nil {
		return 0, fmt.Errorf("failed to write ciphertext: %w", err)
	}
	c.buf = append(c.buf[:0], c.buf[full:]...)
	return len(p), nil
}

// Close pads and writes the final block. It does not close the underlying
// writer.
func (c *CBCWriter) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	pad := aes.BlockSize - len(c.buf)
	last := append(c.buf, bytes.Repeat([]byte{byte(pad)}, pad)...)
	c.mode.CryptBlocks(last, last)
	if _, err := c.w.Write(last); err != nil {
		return fmt.Errorf("failed to write final block: %w", err)
	}
	return nil
}

// DecryptCBC decrypts ciphertext produced by CBCWriter and strips the padding.
func DecryptCBC(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("invalid IV length %d", len(iv))
	}
	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, ErrInvalidData
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	pad := int(plaintext[len(plaintext)-1])
	if pad == 0 || pad > block.BlockSize() {
		return nil, ErrInvalidData
	}
	for _, b := range plaintext[len(plaintext)-pad:] {
		if int(b) != pad {
			return nil, ErrInvalidData
		}
	}
	return plaintext[:len(plaintext)-pad], nil
}
