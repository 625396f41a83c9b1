package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/luciancaetano/skillbridge/message"
)

// Sink receives every complete, non-empty envelope parsed from the stream.
type Sink[S any] interface {
	Enqueue(sender S, env *message.Envelope)
}

// SinkFunc adapts a function to Sink.
type SinkFunc[S any] func(sender S, env *message.Envelope)

// Enqueue calls f(sender, env).
func (f SinkFunc[S]) Enqueue(sender S, env *message.Envelope) {
	f(sender, env)
}

// PackageHandler reassembles frames from a byte stream.
//
// Bytes are appended at the write cursor; complete frames are consumed from
// the read cursor. read <= write <= capacity holds at all times. After every
// parse pass the unread tail is moved to the start of the buffer, so the
// buffer stays bounded across any number of partial reads.
//
// A PackageHandler is owned by one connection and is not safe for concurrent
// use.
type PackageHandler[S any] struct {
	buf   []byte
	read  int
	write int

	sender S
	sink   Sink[S]
}

// NewPackageHandler creates a handler that tags every parsed envelope with
// sender. A capacity <= 0 selects DefaultBufferSize.
func NewPackageHandler[S any](sender S, sink Sink[S], capacity int) *PackageHandler[S] {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &PackageHandler[S]{
		buf:    make([]byte, capacity),
		sender: sender,
		sink:   sink,
	}
}

// Capacity returns the receive buffer size.
func (h *PackageHandler[S]) Capacity() int {
	return len(h.buf)
}

// Buffered returns the number of bytes held but not yet parsed.
func (h *PackageHandler[S]) Buffered() int {
	return h.write - h.read
}

// Free returns how many bytes can be fed before the buffer overflows.
func (h *PackageHandler[S]) Free() int {
	return len(h.buf) - h.write
}

// Pending returns the unparsed bytes. The slice aliases the internal buffer
// and is only valid until the next Feed.
func (h *PackageHandler[S]) Pending() []byte {
	return h.buf[h.read:h.write]
}

// Reset drops all buffered bytes.
func (h *PackageHandler[S]) Reset() {
	h.read, h.write = 0, 0
}

// ReceiveData feeds all of data.
func (h *PackageHandler[S]) ReceiveData(data []byte) error {
	return h.Feed(data, 0, len(data))
}

// Feed appends count bytes of data starting at offset and hands every
// complete frame to the sink. A single call may deliver zero, one or many
// envelopes.
//
// It fails with ErrBufferOverflow, before touching the buffer, when the bytes
// do not fit; with ErrIllegalPackage when a frame is malformed or declares a
// length that can never fit; and with ErrUnknownProtocol when a frame names
// an unknown payload type.
func (h *PackageHandler[S]) Feed(data []byte, offset, count int) error {
	if offset < 0 || count < 0 || offset+count > len(data) {
		return fmt.Errorf("%w: span [%d:%d] outside %d bytes", ErrIllegalPackage, offset, offset+count, len(data))
	}
	if h.write+count > len(h.buf) {
		return fmt.Errorf("%w: %d buffered + %d incoming > %d", ErrBufferOverflow, h.write, count, len(h.buf))
	}

	h.write += copy(h.buf[h.write:], data[offset:offset+count])
	return h.parse()
}

func (h *PackageHandler[S]) parse() error {
	for {
		avail := h.write - h.read
		if avail < HeaderSize {
			break
		}

		size := binary.LittleEndian.Uint32(h.buf[h.read:])
		if uint64(size) > uint64(len(h.buf)-HeaderSize) {
			return fmt.Errorf("%w: frame of %d bytes exceeds buffer capacity %d", ErrIllegalPackage, size, len(h.buf))
		}
		if avail < HeaderSize+int(size) {
			break
		}

		env, err := Unpack(h.buf, h.read+HeaderSize, int(size))
		if err != nil {
			return err
		}
		h.read += HeaderSize + int(size)

		if env.IsEmpty() {
			continue
		}
		h.sink.Enqueue(h.sender, env)
	}

	h.compact()
	return nil
}

func (h *PackageHandler[S]) compact() {
	if h.read == 0 {
		return
	}
	n := copy(h.buf, h.buf[h.read:h.write])
	h.read, h.write = 0, n
}
