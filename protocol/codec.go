package protocol

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/dustin/go-humanize"
	"golang.org/x/xerrors"
)

// MaxMessageSize caps a single framed message well below the platform's
// largest size word; 16MiB comfortably bounds any request/response payload
// this layer is meant to carry.
const MaxMessageSize = 16 * 1024 * 1024

// ErrInvalidData is returned when a frame's length prefix exceeds
// MaxMessageSize or its payload fails to deserialize.
var ErrInvalidData = xerrors.New("commnet/protocol: invalid data")

const lengthPrefixSize = 4

// writeFrame serializes v and writes it to w as a single length-delimited
// frame: a 4-byte big-endian length prefix followed by v's JSON encoding.
func writeFrame(w io.Writer, v interface{}) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return xerrors.Errorf("%w: %v", ErrInvalidData, err)
	}
	if len(buf) > MaxMessageSize {
		return xerrors.Errorf("commnet/protocol: message of %s exceeds cap of %s: %w", humanize.Bytes(uint64(len(buf))), humanize.Bytes(MaxMessageSize), ErrInvalidData)
	}
	var prefix [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(buf)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// readFrame reads a single length-delimited frame from r and decodes its
// payload into v.
func readFrame(r io.Reader, v interface{}) error {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return xerrors.Errorf("commnet/protocol: no message on stream: %w", io.EOF)
		}
		return err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxMessageSize {
		return xerrors.Errorf("commnet/protocol: frame of %s exceeds cap of %s: %w", humanize.Bytes(uint64(size)), humanize.Bytes(MaxMessageSize), ErrInvalidData)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return xerrors.Errorf("%w: %v", ErrInvalidData, err)
	}
	return nil
}

// isInvalidData reports whether err is (or wraps) ErrInvalidData.
func isInvalidData(err error) bool {
	return xerrors.Is(err, ErrInvalidData)
}
