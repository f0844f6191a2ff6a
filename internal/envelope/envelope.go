// Package envelope implements the authenticated encryption container for
// backup artifacts. The layout is:
//
//	magic "BRx1" (4 B) | version 1 (1 B) | salt (16 B) | nonce prefix (12 B)
//	sealed chunk 0 | sealed chunk 1 | ... | sealed footer (16 B tag)
//
// The password is stretched with Argon2id (64 MiB, t=3, p=1) into a 32-byte
// ChaCha20-Poly1305 key. Plaintext is sealed in 1 MiB chunks; each chunk's
// nonce is the prefix XORed with the big-endian chunk counter, and the whole
// header is bound as associated data. The footer is a seal over an empty
// plaintext using a flagged nonce, so truncating the stream is detectable.
// Every authentication failure, including a wrong password, surfaces as
// ErrDecryptFailed.
package envelope

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrDecryptFailed is returned when the header does not parse or any chunk
// fails authentication. A wrong password is indistinguishable from a
// corrupted stream and reports the same error.
var ErrDecryptFailed = errors.New("envelope: decryption failed")

const (
	magic   = "BRx1"
	version = 1

	saltSize  = 16
	nonceSize = chacha20poly1305.NonceSize // 12
	tagSize   = chacha20poly1305.Overhead  // 16

	headerSize = len(magic) + 1 + saltSize + nonceSize

	// ChunkSize is the plaintext size of every chunk except the last.
	ChunkSize = 1 << 20

	// Argon2id parameters: 64 MiB, 3 passes, 1 lane.
	argonMemoryKiB = 64 * 1024
	argonTime      = 3
	argonThreads   = 1

	// The footer nonce sets the top bit of the first byte so a sealed empty
	// chunk can never be replayed as the footer.
	footerFlag = 0x80
)

func deriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemoryKiB, argonThreads, chacha20poly1305.KeySize)
}

// chunkNonce XORs the big-endian counter into the last 8 bytes of the prefix.
func chunkNonce(prefix []byte, counter uint64, final bool) []byte {
	nonce := make([]byte, nonceSize)
	copy(nonce, prefix)
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], counter)
	for i := 0; i < 8; i++ {
		nonce[4+i] ^= ctr[i]
	}
	if final {
		nonce[0] ^= footerFlag
	}
	return nonce
}

// -----------------------------------------------------------------------------
// Writer
// -----------------------------------------------------------------------------

// Writer encrypts a stream into the envelope format. Close must be called to
// seal the footer; without it the output is detectably truncated.
type Writer struct {
	dst     io.Writer
	aead    cipher.AEAD
	header  []byte
	prefix  []byte
	buf     []byte
	counter uint64
	closed  bool
}

// NewWriter writes the envelope header to dst and returns a Writer that
// seals everything written to it.
func NewWriter(dst io.Writer, password string) (*Writer, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("envelope: generate salt: %w", err)
	}
	prefix := make([]byte, nonceSize)
	if _, err := rand.Read(prefix); err != nil {
		return nil, fmt.Errorf("envelope: generate nonce: %w", err)
	}

	aead, err := chacha20poly1305.New(deriveKey(password, salt))
	if err != nil {
		return nil, fmt.Errorf("envelope: init cipher: %w", err)
	}

	header := make([]byte, 0, headerSize)
	header = append(header, magic...)
	header = append(header, version)
	header = append(header, salt...)
	header = append(header, prefix...)

	if _, err := dst.Write(header); err != nil {
		return nil, fmt.Errorf("envelope: write header: %w", err)
	}

	return &Writer{
		dst:    dst,
		aead:   aead,
		header: header,
		prefix: prefix,
		buf:    make([]byte, 0, ChunkSize),
	}, nil
}

// Write buffers plaintext and seals a chunk every time a full 1 MiB is
// available.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.New("envelope: write after close")
	}
	written := len(p)
	for len(p) > 0 {
		space := ChunkSize - len(w.buf)
		if space > len(p) {
			space = len(p)
		}
		w.buf = append(w.buf, p[:space]...)
		p = p[space:]
		if len(w.buf) == ChunkSize {
			if err := w.flushChunk(); err != nil {
				return 0, err
			}
		}
	}
	return written, nil
}

func (w *Writer) flushChunk() error {
	nonce := chunkNonce(w.prefix, w.counter, false)
	sealed := w.aead.Seal(nil, nonce, w.buf, w.header)
	w.counter++
	w.buf = w.buf[:0]
	if _, err := w.dst.Write(sealed); err != nil {
		return fmt.Errorf("envelope: write chunk: %w", err)
	}
	return nil
}

// Close seals any buffered plaintext and appends the footer tag.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if len(w.buf) > 0 {
		if err := w.flushChunk(); err != nil {
			return err
		}
	}

	nonce := chunkNonce(w.prefix, w.counter, true)
	footer := w.aead.Seal(nil, nonce, nil, w.header)
	if _, err := w.dst.Write(footer); err != nil {
		return fmt.Errorf("envelope: write footer: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Reader
// -----------------------------------------------------------------------------

// Reader decrypts an envelope stream. It verifies the footer before
// reporting EOF, so a truncated stream never decrypts successfully.
type Reader struct {
	src     io.Reader
	aead    cipher.AEAD
	header  []byte
	prefix  []byte
	counter uint64

	plain  bytes.Buffer
	sealed []byte // carry-over of not-yet-decrypted ciphertext
	srcEOF bool
	done   bool
	err    error
}

// NewReader parses and verifies the envelope header from src. The password
// is only checked when the first chunk is read.
func NewReader(src io.Reader, password string) (*Reader, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(src, header); err != nil {
		return nil, ErrDecryptFailed
	}
	if string(header[:len(magic)]) != magic || header[len(magic)] != version {
		return nil, ErrDecryptFailed
	}
	salt := header[len(magic)+1 : len(magic)+1+saltSize]
	prefix := header[len(magic)+1+saltSize:]

	aead, err := chacha20poly1305.New(deriveKey(password, salt))
	if err != nil {
		return nil, ErrDecryptFailed
	}

	return &Reader{
		src:    src,
		aead:   aead,
		header: header,
		prefix: append([]byte(nil), prefix...),
	}, nil
}

func (r *Reader) Read(p []byte) (int, error) {
	for r.plain.Len() == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.done {
			return 0, io.EOF
		}
		if err := r.fill(); err != nil {
			r.err = err
			return 0, err
		}
	}
	return r.plain.Read(p)
}

// fill pulls ciphertext until it can decrypt the next frame. Frames are
// fixed-size (ChunkSize+tagSize) except the trailing partial chunk and the
// 16-byte footer, so the reader keeps a one-frame lookahead and treats the
// final 16 bytes of the stream as the footer.
func (r *Reader) fill() error {
	const frameSize = ChunkSize + tagSize

	// Buffer at least one full frame plus the footer, or up to EOF.
	for !r.srcEOF && len(r.sealed) < frameSize+tagSize {
		chunk := make([]byte, frameSize)
		n, err := r.src.Read(chunk)
		r.sealed = append(r.sealed, chunk[:n]...)
		if err == io.EOF {
			r.srcEOF = true
		} else if err != nil {
			return fmt.Errorf("envelope: read: %w", err)
		}
	}

	if !r.srcEOF {
		// More data follows, so the first frame is a full chunk.
		if err := r.openChunk(r.sealed[:frameSize]); err != nil {
			return err
		}
		r.sealed = r.sealed[frameSize:]
		return nil
	}

	// At EOF the remainder is zero or more frames, then a partial chunk
	// (possibly absent), then the footer.
	if len(r.sealed) < tagSize {
		return ErrDecryptFailed
	}
	if len(r.sealed) >= frameSize+tagSize {
		if err := r.openChunk(r.sealed[:frameSize]); err != nil {
			return err
		}
		r.sealed = r.sealed[frameSize:]
		return nil
	}
	if len(r.sealed) > tagSize {
		// Trailing partial chunk before the footer.
		body := r.sealed[:len(r.sealed)-tagSize]
		if len(body) < tagSize {
			return ErrDecryptFailed
		}
		if err := r.openChunk(body); err != nil {
			return err
		}
		r.sealed = r.sealed[len(body):]
		return nil
	}

	// Only the footer remains.
	nonce := chunkNonce(r.prefix, r.counter, true)
	if _, err := r.aead.Open(nil, nonce, r.sealed, r.header); err != nil {
		return ErrDecryptFailed
	}
	r.sealed = nil
	r.done = true
	return nil
}

func (r *Reader) openChunk(sealed []byte) error {
	nonce := chunkNonce(r.prefix, r.counter, false)
	plain, err := r.aead.Open(nil, nonce, sealed, r.header)
	if err != nil {
		return ErrDecryptFailed
	}
	r.counter++
	r.plain.Write(plain)
	return nil
}

// IsEncrypted reports whether the byte prefix looks like an envelope header.
// Callers use it to route restores through decryption.
func IsEncrypted(prefix []byte) bool {
	return len(prefix) >= len(magic)+1 &&
		string(prefix[:len(magic)]) == magic &&
		prefix[len(magic)] == version
}
