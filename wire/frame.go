package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

const (
	Magic          uint32 = 0x544c5054 // "TLPT"
	Version        uint8  = 1
	FixedHeaderLen        = 24
)

var (
	ErrShortHeader     = errors.New("wire: short fixed header")
	ErrBadMagic        = errors.New("wire: bad magic")
	ErrBadVersion      = errors.New("wire: unsupported version")
	ErrHeadTooLarge    = errors.New("wire: head too large")
	ErrTooManyBuffers  = errors.New("wire: too many buffers")
	ErrPayloadTooLarge = errors.New("wire: payload too large")
)

// Header is the fixed wire header. It is followed by NumBuffers big-endian uint64
// buffer lengths, HeadLen bytes of encoded head, and then the raw buffers.
type Header struct {
	Magic      uint32
	Version    uint8
	Kind       uint8
	Reserved   uint16
	ID         uint64
	HeadLen    uint32
	NumBuffers uint32
}

// Frame is one complete wire record.
type Frame struct {
	Kind    uint8
	ID      uint64
	Head    []byte
	Buffers [][]byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxHeadBytes    uint32
	MaxBuffers      uint32
	MaxPayloadBytes uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxHeadBytes:    64 << 20,
		MaxBuffers:      4096,
		MaxPayloadBytes: 4 << 30,
	}
}

// ReadFrame reads one frame. It returns io.EOF only if the stream ended cleanly between frames.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h := DecodeHeader(fixed[:])
	if h.Magic != Magic {
		return Frame{}, ErrBadMagic
	}
	if h.Version != Version {
		return Frame{}, fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}
	if h.HeadLen > limits.MaxHeadBytes {
		return Frame{}, ErrHeadTooLarge
	}
	if h.NumBuffers > limits.MaxBuffers {
		return Frame{}, ErrTooManyBuffers
	}

	lens := make([]byte, 8*int(h.NumBuffers))
	if _, err := io.ReadFull(r, lens); err != nil {
		return Frame{}, fmt.Errorf("reading buffer lengths: %w", noEOF(err))
	}
	var total uint64
	sizes := make([]uint64, h.NumBuffers)
	for i := range sizes {
		sizes[i] = binary.BigEndian.Uint64(lens[8*i:])
		total += sizes[i]
		if sizes[i] > limits.MaxPayloadBytes || total > limits.MaxPayloadBytes {
			return Frame{}, ErrPayloadTooLarge
		}
	}

	f := Frame{Kind: h.Kind, ID: h.ID, Head: make([]byte, h.HeadLen)}
	if _, err := io.ReadFull(r, f.Head); err != nil {
		return Frame{}, fmt.Errorf("reading head: %w", noEOF(err))
	}

	// buffers are read straight into their final slices, without staging
	f.Buffers = make([][]byte, len(sizes))
	for i, n := range sizes {
		f.Buffers[i] = make([]byte, n)
		if _, err := io.ReadFull(r, f.Buffers[i]); err != nil {
			return Frame{}, fmt.Errorf("reading buffer %d: %w", i, noEOF(err))
		}
	}
	return f, nil
}

// WriteFrame writes f as a single gathered write, so large buffers are handed to the
// kernel as they are instead of being copied into a contiguous record first.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if uint64(len(f.Head)) > uint64(limits.MaxHeadBytes) {
		return ErrHeadTooLarge
	}
	if uint64(len(f.Buffers)) > uint64(limits.MaxBuffers) {
		return ErrTooManyBuffers
	}
	var total uint64
	for _, b := range f.Buffers {
		total += uint64(len(b))
	}
	if total > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}

	prefix := make([]byte, FixedHeaderLen+8*len(f.Buffers), FixedHeaderLen+8*len(f.Buffers)+len(f.Head))
	EncodeHeader(prefix, Header{
		Magic:      Magic,
		Version:    Version,
		Kind:       f.Kind,
		ID:         f.ID,
		HeadLen:    uint32(len(f.Head)),
		NumBuffers: uint32(len(f.Buffers)),
	})
	for i, b := range f.Buffers {
		binary.BigEndian.PutUint64(prefix[FixedHeaderLen+8*i:], uint64(len(b)))
	}
	prefix = append(prefix, f.Head...)

	bufs := make(net.Buffers, 0, 1+len(f.Buffers))
	bufs = append(bufs, prefix)
	for _, b := range f.Buffers {
		if len(b) > 0 {
			bufs = append(bufs, b)
		}
	}
	_, err := bufs.WriteTo(w)
	return err
}

func EncodeHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Kind
	binary.BigEndian.PutUint16(buf[6:8], h.Reserved)
	binary.BigEndian.PutUint64(buf[8:16], h.ID)
	binary.BigEndian.PutUint32(buf[16:20], h.HeadLen)
	binary.BigEndian.PutUint32(buf[20:24], h.NumBuffers)
}

func DecodeHeader(b []byte) Header {
	return Header{
		Magic:      binary.BigEndian.Uint32(b[0:4]),
		Version:    b[4],
		Kind:       b[5],
		Reserved:   binary.BigEndian.Uint16(b[6:8]),
		ID:         binary.BigEndian.Uint64(b[8:16]),
		HeadLen:    binary.BigEndian.Uint32(b[16:20]),
		NumBuffers: binary.BigEndian.Uint32(b[20:24]),
	}
}

// noEOF turns an EOF in the middle of a frame into io.ErrUnexpectedEOF.
func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
