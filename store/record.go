package store

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/Zereker/duplex/proto"
)

// ConnectionIDLen is the fixed width of a connection identity on disk.
// A canonical UUID string has exactly this length.
const ConnectionIDLen = 36

var (
	// ErrInvalidConnectionID is returned when an identity is not ConnectionIDLen bytes.
	ErrInvalidConnectionID = errors.New("connection id must be 36 bytes")
	// ErrTornRecord is returned when the durable log ends in the middle of a record.
	ErrTornRecord = errors.New("torn record")
)

// Record is one outstanding inbound message, tagged with the connection that
// received it and the id that connection assigned.
type Record struct {
	ConnectionID string
	ID           uint64
	Message      proto.Message
}

// Encode writes r as: raw ConnectionID, big-endian ID, codec encoding of Message.
func (r *Record) Encode(w io.Writer, codec proto.Codec) error {
	if len(r.ConnectionID) != ConnectionIDLen {
		return ErrInvalidConnectionID
	}
	var hdr [ConnectionIDLen + 8]byte
	copy(hdr[:ConnectionIDLen], r.ConnectionID)
	binary.BigEndian.PutUint64(hdr[ConnectionIDLen:], r.ID)
	if _, err := w.Write(hdr[:]); err != nil {
		return proto.NewError(proto.KindStorage, "write record header", err)
	}
	if err := codec.Encode(w, r.Message); err != nil {
		return proto.NewError(proto.KindStorage, "write record message", err)
	}
	return nil
}

// DecodeRecord reads one record from rd. It returns io.EOF only when rd is
// exhausted before the first byte of the record; any shorter read is
// ErrTornRecord.
func DecodeRecord(rd io.Reader, codec proto.Codec) (*Record, error) {
	var hdr [ConnectionIDLen + 8]byte
	n, err := io.ReadFull(rd, hdr[:])
	switch {
	case err == io.EOF:
		return nil, io.EOF
	case err == io.ErrUnexpectedEOF:
		return nil, proto.NewError(proto.KindStorage, "read record header",
			errors.Wrapf(ErrTornRecord, "got %d of %d header bytes", n, len(hdr)))
	case err != nil:
		return nil, proto.NewError(proto.KindStorage, "read record header", err)
	}

	msg, err := codec.Decode(rd)
	if err != nil {
		if proto.IsEndOfStream(err) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = errors.Wrap(ErrTornRecord, "message missing")
		}
		return nil, proto.NewError(proto.KindStorage, "read record message", err)
	}

	return &Record{
		ConnectionID: string(hdr[:ConnectionIDLen]),
		ID:           binary.BigEndian.Uint64(hdr[ConnectionIDLen:]),
		Message:      msg,
	}, nil
}
