package drop

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the secretbox key length.
const KeySize = 32

const (
	chunkSize   = 64 << 10
	prefixSize  = 16
	chunkHeader = 4
)

// ErrDecrypt is returned when an encrypted drop fails authentication or is
// truncated.
var ErrDecrypt = errors.New("drop decryption failed")

// The stream starts with a random 16 byte nonce prefix. Each chunk is a
// 4 byte big-endian sealed length followed by the sealed bytes. A chunk's
// nonce is prefix || counter (7 bytes) || final flag, so reordering,
// dropping or truncating chunks fails authentication.

// SecretboxEncrypt returns a Transform sealing the stream with key.
func SecretboxEncrypt(key *[KeySize]byte) Transform {
	return func(w io.Writer) (io.WriteCloser, error) {
		sw := &sealWriter{w: w, key: key, buf: make([]byte, 0, chunkSize)}
		if _, err := rand.Read(sw.prefix[:]); err != nil {
			return nil, fmt.Errorf("nonce prefix: %w", err)
		}
		if _, err := w.Write(sw.prefix[:]); err != nil {
			return nil, err
		}
		return sw, nil
	}
}

// SecretboxDecrypt returns the ReverseTransform for SecretboxEncrypt.
func SecretboxDecrypt(key *[KeySize]byte) ReverseTransform {
	return func(r io.Reader) (io.Reader, error) {
		or := &openReader{r: r, key: key}
		if _, err := io.ReadFull(r, or.prefix[:]); err != nil {
			return nil, fmt.Errorf("%w: missing header", ErrDecrypt)
		}
		return or, nil
	}
}

func chunkNonce(prefix [prefixSize]byte, counter uint64, final bool) *[24]byte {
	var nonce [24]byte
	copy(nonce[:prefixSize], prefix[:])
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], counter)
	copy(nonce[prefixSize:23], ctr[1:])
	if final {
		nonce[23] = 1
	}
	return &nonce
}

type sealWriter struct {
	w       io.Writer
	key     *[KeySize]byte
	prefix  [prefixSize]byte
	counter uint64
	buf     []byte
	closed  bool
}

func (s *sealWriter) Write(p []byte) (int, error) {
	if s.closed {
		return 0, fmt.Errorf("write to closed secretbox stream")
	}
	written := 0
	for len(p) > 0 {
		n := min(chunkSize-len(s.buf), len(p))
		s.buf = append(s.buf, p[:n]...)
		p = p[n:]
		written += n
		if len(s.buf) == chunkSize {
			if err := s.flush(false); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

func (s *sealWriter) flush(final bool) error {
	sealed := secretbox.Seal(nil, s.buf, chunkNonce(s.prefix, s.counter, final), s.key)
	s.counter++
	s.buf = s.buf[:0]

	var hdr [chunkHeader]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(sealed)))
	if _, err := s.w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := s.w.Write(sealed)
	return err
}

// Close writes the final chunk, which may be empty.
func (s *sealWriter) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.flush(true)
}

type openReader struct {
	r       io.Reader
	key     *[KeySize]byte
	prefix  [prefixSize]byte
	counter uint64
	plain   []byte
	final   bool
}

func (o *openReader) Read(p []byte) (int, error) {
	for len(o.plain) == 0 {
		if o.final {
			return 0, io.EOF
		}
		if err := o.next(); err != nil {
			return 0, err
		}
	}
	n := copy(p, o.plain)
	o.plain = o.plain[n:]
	return n, nil
}

func (o *openReader) next() error {
	var hdr [chunkHeader]byte
	if _, err := io.ReadFull(o.r, hdr[:]); err != nil {
		return fmt.Errorf("%w: truncated stream", ErrDecrypt)
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size < secretbox.Overhead || size > chunkSize+secretbox.Overhead {
		return fmt.Errorf("%w: bad chunk size %d", ErrDecrypt, size)
	}
	sealed := make([]byte, size)
	if _, err := io.ReadFull(o.r, sealed); err != nil {
		return fmt.Errorf("%w: truncated chunk", ErrDecrypt)
	}

	for _, final := range []bool{false, true} {
		if plain, ok := secretbox.Open(nil, sealed, chunkNonce(o.prefix, o.counter, final), o.key); ok {
			o.plain = plain
			o.final = final
			o.counter++
			return nil
		}
	}
	return fmt.Errorf("%w: chunk %d", ErrDecrypt, o.counter)
}
