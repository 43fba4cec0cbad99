package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var le = binary.LittleEndian

// ErrShortMessage is returned for datagrams that cannot even hold a header.
var ErrShortMessage = errors.New("datagram shorter than message header")

// ErrKeyTooLarge is returned when a VersionInfo declares a public key larger
// than the blob that carries it.
var ErrKeyTooLarge = errors.New("declared public key size exceeds blob")

// UnknownMessage is returned for a tag no decoder exists for.
type UnknownMessage struct {
	Type MessageType
}

// Error returns a human readable string describing the error.
func (u *UnknownMessage) Error() string {
	return fmt.Sprintf("unable to parse message of unknown type: %v", u.Type)
}

// LengthError is returned when the physical size of a datagram disagrees
// with the size its tag (and, for PieceData, its declared chunk length)
// requires.
type LengthError struct {
	Type MessageType
	Got  int
	Want int
}

// Error returns a human readable string describing the error.
func (e *LengthError) Error() string {
	return fmt.Sprintf("wrong size for %v, expected %d, got %d", e.Type,
		e.Want, e.Got)
}

// PieceTooLargeError is returned when a PieceData declares more bytes than
// the piece size allows.
type PieceTooLargeError struct {
	Length uint32
	Max    uint32
}

// Error returns a human readable string describing the error.
func (e *PieceTooLargeError) Error() string {
	return fmt.Sprintf("declared piece length %d exceeds piece size %d",
		e.Length, e.Max)
}

// Decoder turns untrusted datagrams into messages. Declared lengths are only
// believed after they were cross-checked against the datagram size.
type Decoder struct {
	// MaxPieceSize bounds the chunk length of PieceData messages.
	MaxPieceSize uint32
}

// Decode parses a single datagram. The returned message does not alias b.
func (d Decoder) Decode(b []byte) (Message, error) {
	if len(b) < HeaderSize {
		return nil, ErrShortMessage
	}

	hdr := Header{
		Type:    MessageType(le.Uint32(b[0:4])),
		Version: le.Uint32(b[4:8]),
	}

	switch hdr.Type {
	case MsgClientRequestVersion:
		return decodeVersionQuery(hdr, b)
	case MsgServerReceiveVersion:
		return decodeVersionInfo(hdr, b)
	case MsgClientUpdateBegin:
		return decodeUpdateBeginRequest(hdr, b)
	case MsgServerUpdateBegin:
		return decodeUpdateBeginReply(hdr, b)
	case MsgClientUpdatePiece:
		return decodePieceRequest(hdr, b)
	case MsgServerUpdatePiece:
		return d.decodePieceData(hdr, b)
	case MsgServerUpdateToken:
		return decodeTokenAssignment(hdr, b)
	default:
		return nil, &UnknownMessage{Type: hdr.Type}
	}
}

func checkSize(t MessageType, b []byte, want int) error {
	if len(b) != want {
		return &LengthError{Type: t, Got: len(b), Want: want}
	}

	return nil
}

func decodeVersionQuery(hdr Header, b []byte) (*VersionQuery, error) {
	if err := checkSize(hdr.Type, b, VersionQuerySize); err != nil {
		return nil, err
	}

	return &VersionQuery{
		Header:        hdr,
		LocalVersion:  le.Uint32(b[8:12]),
		ClientVersion: le.Uint32(b[12:16]),
	}, nil
}

func decodeVersionInfo(hdr Header, b []byte) (*VersionInfo, error) {
	if err := checkSize(hdr.Type, b, VersionInfoSize); err != nil {
		return nil, err
	}

	keySize := le.Uint32(b[12:16])
	if keySize > MaxPublicKeySize {
		return nil, ErrKeyTooLarge
	}

	key := make([]byte, keySize)
	copy(key, b[16:16+keySize])

	return &VersionInfo{
		Header:    hdr,
		Version:   le.Uint32(b[8:12]),
		PublicKey: key,
	}, nil
}

func decodeUpdateBeginRequest(hdr Header,
	b []byte) (*UpdateBeginRequest, error) {

	if err := checkSize(hdr.Type, b, UpdateBeginRequestSize); err != nil {
		return nil, err
	}

	return &UpdateBeginRequest{
		Header:        hdr,
		ClientVersion: le.Uint32(b[8:12]),
		ClientToken:   le.Uint64(b[16:24]),
		ServerToken:   le.Uint64(b[24:32]),
	}, nil
}

func decodeUpdateBeginReply(hdr Header, b []byte) (*UpdateBeginReply, error) {
	if err := checkSize(hdr.Type, b, UpdateBeginReplySize); err != nil {
		return nil, err
	}

	msg := &UpdateBeginReply{
		Header:     hdr,
		UpdateSize: le.Uint32(b[8:12]),
	}
	copy(msg.Signature[:], b[12:12+SignatureSize])

	return msg, nil
}

func decodePieceRequest(hdr Header, b []byte) (*PieceRequest, error) {
	if err := checkSize(hdr.Type, b, PieceRequestSize); err != nil {
		return nil, err
	}

	return &PieceRequest{
		Header:      hdr,
		ClientToken: le.Uint64(b[8:16]),
		ServerToken: le.Uint64(b[16:24]),
		Offset:      le.Uint32(b[24:28]),
	}, nil
}

func (d Decoder) decodePieceData(hdr Header, b []byte) (*PieceData, error) {
	if len(b) < PieceDataHeaderSize {
		return nil, &LengthError{
			Type: hdr.Type, Got: len(b), Want: PieceDataHeaderSize,
		}
	}

	length := le.Uint32(b[28:32])
	if length > d.MaxPieceSize {
		return nil, &PieceTooLargeError{Length: length, Max: d.MaxPieceSize}
	}

	// The trailer must be exactly as long as declared: anything else is a
	// truncated or padded datagram.
	want := PieceDataHeaderSize + int(length)
	if err := checkSize(hdr.Type, b, want); err != nil {
		return nil, err
	}

	data := make([]byte, length)
	copy(data, b[PieceDataHeaderSize:])

	return &PieceData{
		Header:      hdr,
		ClientToken: le.Uint64(b[8:16]),
		ServerToken: le.Uint64(b[16:24]),
		Offset:      le.Uint32(b[24:28]),
		Data:        data,
	}, nil
}

func decodeTokenAssignment(hdr Header, b []byte) (*TokenAssignment, error) {
	if err := checkSize(hdr.Type, b, TokenAssignmentSize); err != nil {
		return nil, err
	}

	return &TokenAssignment{
		Header:      hdr,
		ClientToken: le.Uint64(b[8:16]),
		ServerToken: le.Uint64(b[16:24]),
	}, nil
}

func appendHeader(buf []byte, t MessageType, version uint32) []byte {
	buf = le.AppendUint32(buf, uint32(t))
	return le.AppendUint32(buf, version)
}

// Bytes returns the wire encoding of the query.
func (m *VersionQuery) Bytes() []byte {
	buf := make([]byte, 0, VersionQuerySize)
	buf = appendHeader(buf, m.MsgType(), m.Header.Version)
	buf = le.AppendUint32(buf, m.LocalVersion)

	return le.AppendUint32(buf, m.ClientVersion)
}

// Bytes returns the wire encoding of the version info. Keys longer than
// MaxPublicKeySize are truncated.
func (m *VersionInfo) Bytes() []byte {
	key := m.PublicKey
	if len(key) > MaxPublicKeySize {
		key = key[:MaxPublicKeySize]
	}

	buf := make([]byte, 0, VersionInfoSize)
	buf = appendHeader(buf, m.MsgType(), m.Header.Version)
	buf = le.AppendUint32(buf, m.Version)
	buf = le.AppendUint32(buf, uint32(len(key)))
	buf = append(buf, key...)

	// Zero fill the rest of the blob.
	return append(buf, make([]byte, MaxPublicKeySize-len(key))...)
}

// Bytes returns the wire encoding of the begin request.
func (m *UpdateBeginRequest) Bytes() []byte {
	buf := make([]byte, 0, UpdateBeginRequestSize)
	buf = appendHeader(buf, m.MsgType(), m.Header.Version)
	buf = le.AppendUint32(buf, m.ClientVersion)
	buf = le.AppendUint32(buf, 0)
	buf = le.AppendUint64(buf, m.ClientToken)

	return le.AppendUint64(buf, m.ServerToken)
}

// Bytes returns the wire encoding of the begin reply.
func (m *UpdateBeginReply) Bytes() []byte {
	buf := make([]byte, 0, UpdateBeginReplySize)
	buf = appendHeader(buf, m.MsgType(), m.Header.Version)
	buf = le.AppendUint32(buf, m.UpdateSize)

	return append(buf, m.Signature[:]...)
}

// Bytes returns the wire encoding of the piece request.
func (m *PieceRequest) Bytes() []byte {
	buf := make([]byte, 0, PieceRequestSize)
	buf = appendHeader(buf, m.MsgType(), m.Header.Version)
	buf = le.AppendUint64(buf, m.ClientToken)
	buf = le.AppendUint64(buf, m.ServerToken)
	buf = le.AppendUint32(buf, m.Offset)

	return le.AppendUint32(buf, 0)
}

// Bytes returns the wire encoding of the piece, header and chunk.
func (m *PieceData) Bytes() []byte {
	buf := make([]byte, 0, PieceDataHeaderSize+len(m.Data))
	buf = appendHeader(buf, m.MsgType(), m.Header.Version)
	buf = le.AppendUint64(buf, m.ClientToken)
	buf = le.AppendUint64(buf, m.ServerToken)
	buf = le.AppendUint32(buf, m.Offset)
	buf = le.AppendUint32(buf, uint32(len(m.Data)))

	return append(buf, m.Data...)
}

// Bytes returns the wire encoding of the token assignment.
func (m *TokenAssignment) Bytes() []byte {
	buf := make([]byte, 0, TokenAssignmentSize)
	buf = appendHeader(buf, m.MsgType(), m.Header.Version)
	buf = le.AppendUint64(buf, m.ClientToken)

	return le.AppendUint64(buf, m.ServerToken)
}
