package wire

import "fmt"

// MessageType is the tag carried in the first word of every datagram. The
// values are fixed by the update server and must not be reordered.
type MessageType uint32

const (
	MsgClientRequestVersion MessageType = iota
	MsgServerReceiveVersion
	MsgClientUpdateBegin
	MsgServerUpdateBegin
	MsgClientUpdatePiece
	MsgServerUpdatePiece
	MsgServerUpdateToken
)

// String returns a human readable name for the message type.
func (t MessageType) String() string {
	switch t {
	case MsgClientRequestVersion:
		return "ClientRequestVersion"
	case MsgServerReceiveVersion:
		return "ServerReceiveVersion"
	case MsgClientUpdateBegin:
		return "ClientUpdateBegin"
	case MsgServerUpdateBegin:
		return "ServerUpdateBegin"
	case MsgClientUpdatePiece:
		return "ClientUpdatePiece"
	case MsgServerUpdatePiece:
		return "ServerUpdatePiece"
	case MsgServerUpdateToken:
		return "ServerUpdateToken"
	default:
		return fmt.Sprintf("<unknown %d>", uint32(t))
	}
}

// Sizes of the fixed parts of each message on the wire. All integers are
// little endian. Reserved words sit where the server's natural struct
// alignment inserts padding and are always written as zero.
const (
	// HeaderSize is type(4) + version(4).
	HeaderSize = 8

	// MaxPublicKeySize is the capacity of the public key blob in a
	// VersionInfo message.
	MaxPublicKeySize = 64

	// SignatureSize is the size of the signature blob covering the whole
	// update payload.
	SignatureSize = 64

	// VersionQuerySize is header + localVersion(4) + clientVersion(4).
	VersionQuerySize = HeaderSize + 8

	// VersionInfoSize is header + version(4) + keySize(4) + key(64).
	VersionInfoSize = HeaderSize + 8 + MaxPublicKeySize

	// UpdateBeginRequestSize is header + clientVersion(4) + reserved(4) +
	// clientToken(8) + serverToken(8).
	UpdateBeginRequestSize = HeaderSize + 24

	// UpdateBeginReplySize is header + updateSize(4) + signature(64).
	UpdateBeginReplySize = HeaderSize + 4 + SignatureSize

	// PieceRequestSize is header + clientToken(8) + serverToken(8) +
	// offset(4) + reserved(4).
	PieceRequestSize = HeaderSize + 24

	// PieceDataHeaderSize is header + clientToken(8) + serverToken(8) +
	// offset(4) + length(4). The chunk bytes follow.
	PieceDataHeaderSize = HeaderSize + 24

	// TokenAssignmentSize is header + clientToken(8) + serverToken(8).
	TokenAssignmentSize = HeaderSize + 16

	// MaxDatagramSize is the largest UDP payload over IPv4.
	MaxDatagramSize = 65507
)

// Header starts every message.
type Header struct {
	Type MessageType

	// Version is the software version the sender is talking about. Clients
	// put their local version here, except in UpdateBeginRequest where it
	// carries the version being asked for.
	Version uint32
}

// Message is a decoded datagram.
type Message interface {
	// MsgType returns the tag this message is sent with.
	MsgType() MessageType

	// Bytes returns the exact wire encoding of the message.
	Bytes() []byte
}

// VersionQuery asks the server for the latest version (client -> server).
type VersionQuery struct {
	Header

	// LocalVersion is the installed version, 0 if unknown.
	LocalVersion uint32

	// ClientVersion is the version being asked about. 0 means latest.
	ClientVersion uint32
}

// VersionInfo is the server's answer to a VersionQuery.
type VersionInfo struct {
	Header

	// Version is the authoritative latest version.
	Version uint32

	// PublicKey verifies the update signature. At most MaxPublicKeySize
	// bytes.
	PublicKey []byte
}

// UpdateBeginRequest asks the server to start an update session.
type UpdateBeginRequest struct {
	Header

	ClientVersion uint32
	ClientToken   uint64

	// ServerToken is 0 until the server assigned one.
	ServerToken uint64
}

// UpdateBeginReply opens an update session on the client.
type UpdateBeginReply struct {
	Header

	// UpdateSize is the total payload size in bytes.
	UpdateSize uint32

	// Signature covers the complete payload.
	Signature [SignatureSize]byte
}

// PieceRequest asks for the chunk starting at Offset.
type PieceRequest struct {
	Header

	ClientToken uint64
	ServerToken uint64

	// Offset is a multiple of the piece size.
	Offset uint32
}

// PieceData carries one chunk of the payload.
type PieceData struct {
	Header

	ClientToken uint64
	ServerToken uint64
	Offset      uint32

	// Data has exactly the length declared on the wire.
	Data []byte
}

// TokenAssignment hands the client a server token for its session.
type TokenAssignment struct {
	Header

	// ClientToken echoes the token from the UpdateBeginRequest.
	ClientToken uint64
	ServerToken uint64
}

// Compile time checks that every message implements Message.
var (
	_ Message = (*VersionQuery)(nil)
	_ Message = (*VersionInfo)(nil)
	_ Message = (*UpdateBeginRequest)(nil)
	_ Message = (*UpdateBeginReply)(nil)
	_ Message = (*PieceRequest)(nil)
	_ Message = (*PieceData)(nil)
	_ Message = (*TokenAssignment)(nil)
)

func (m *VersionQuery) MsgType() MessageType       { return MsgClientRequestVersion }
func (m *VersionInfo) MsgType() MessageType        { return MsgServerReceiveVersion }
func (m *UpdateBeginRequest) MsgType() MessageType { return MsgClientUpdateBegin }
func (m *UpdateBeginReply) MsgType() MessageType   { return MsgServerUpdateBegin }
func (m *PieceRequest) MsgType() MessageType       { return MsgClientUpdatePiece }
func (m *PieceData) MsgType() MessageType          { return MsgServerUpdatePiece }
func (m *TokenAssignment) MsgType() MessageType    { return MsgServerUpdateToken }
