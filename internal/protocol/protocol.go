package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/luciancaetano/skillbridge"
	"github.com/luciancaetano/skillbridge/message"
)

const (
	// HeaderSize is the size of the little-endian length prefix.
	HeaderSize = 4

	// DefaultBufferSize is the default receive buffer capacity (64KB).
	DefaultBufferSize = 64 * 1024
)

// Codec errors. They are the skillbridge error codes, so errors.Is and
// skillbridge.CodeOf work on anything returned from this package.
var (
	ErrBufferOverflow  = skillbridge.ErrorBufferOverflow
	ErrIllegalPackage  = skillbridge.ErrorIllegalPackage
	ErrUnknownProtocol = skillbridge.ErrorUnknownProtocol
)

// Pack serializes env and prepends the 4-byte payload length.
func Pack(env *message.Envelope) ([]byte, error) {
	return AppendFrame(nil, env)
}

// AppendFrame appends the frame for env to dst and returns the extended slice.
func AppendFrame(dst []byte, env *message.Envelope) ([]byte, error) {
	payload, err := env.Marshal()
	if err != nil {
		return nil, fmt.Errorf("pack: %w", err)
	}

	var header [HeaderSize]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
	dst = append(dst, header[:]...)
	return append(dst, payload...), nil
}

// Unpack decodes exactly length bytes of data starting at offset into one
// envelope. The returned envelope does not alias data.
func Unpack(data []byte, offset, length int) (*message.Envelope, error) {
	if offset < 0 || length < 0 || offset+length > len(data) {
		return nil, fmt.Errorf("%w: span [%d:%d] outside %d bytes", ErrIllegalPackage, offset, offset+length, len(data))
	}

	env, err := message.Unmarshal(data[offset : offset+length])
	if err != nil {
		if errors.Is(err, message.ErrUnknownPayload) {
			return nil, fmt.Errorf("%w: %w", ErrUnknownProtocol, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrIllegalPackage, err)
	}
	return env, nil
}
