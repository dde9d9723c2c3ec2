// Package mesh implements the peer-to-peer radio protocol: a fixed-header
// binary packet codec and a TTL-bounded flood router over an abstract
// Transport. The radio itself (BLE scan/advertise) lives behind Transport
// and is provided by the platform.
package mesh

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PacketType identifies the message intent.
type PacketType byte

const (
	PacketRideRequest     PacketType = 0x01
	PacketDriverAvailable PacketType = 0x02
	PacketRideAccept      PacketType = 0x03
	PacketRideDecline     PacketType = 0x04
	PacketChat            PacketType = 0x05
	PacketLocation        PacketType = 0x06
	PacketRideStart       PacketType = 0x07
	PacketRideComplete    PacketType = 0x08
	PacketFarePropose     PacketType = 0x09
	PacketFareAgree       PacketType = 0x0A
	PacketRideCancel      PacketType = 0x0B
	PacketPing            PacketType = 0x0C
	PacketPong            PacketType = 0x0D
)

// Wire layout: Type(1) + TTL(1) + ID(16) + Sender(16) + Timestamp(8) = 42,
// then the opaque payload. Identifier fields are ASCII, space-padded and
// truncated to exactly 16 bytes; the timestamp is an IEEE-754 double of
// Unix milliseconds, big-endian.
const (
	HeaderSize = 42
	idWidth    = 16

	MaxTTL        = 7
	BeaconTTL     = 2 // availability/location: locally relevant, frequently re-sent
	MaxPacketSize = 512
	MaxPayload    = MaxPacketSize - HeaderSize

	DedupWindow       = 60 * time.Second
	MaxPeers          = 8
	ScanInterval      = 2 * time.Second
	AdvertiseInterval = time.Second
	MessageTimeout    = 30 * time.Second
)

var (
	ErrMalformedPacket = errors.New("mesh: malformed packet")
	ErrPacketTooLarge  = errors.New("mesh: packet exceeds size cap")
)

// Packet is the unit of exchange on the radio medium. TargetPeerID empty
// means broadcast. Payload is opaque to the codec and the router; its shape
// is dispatched on Type by the application layer.
type Packet struct {
	Type         PacketType
	TTL          byte
	ID           string
	SenderPeerID string
	TargetPeerID string
	Timestamp    time.Time
	Payload      []byte
}

// NewPacketID mints a 16-char lowercase-hex id from a UUIDv4. Ids are
// generated at exactly the wire field width so the truncation path in
// Encode never fires for ids we mint.
func NewPacketID() string {
	u := uuid.New()
	return strings.ReplaceAll(u.String(), "-", "")[:idWidth]
}

// InitialTTL returns the hop budget appropriate to a message kind. Ride
// lifecycle packets get the full budget; beacons stay near their origin.
func InitialTTL(t PacketType) byte {
	switch t {
	case PacketDriverAvailable, PacketLocation:
		return BeaconTTL
	case PacketPing, PacketPong:
		return 1
	default:
		return MaxTTL
	}
}

// Encode serializes p. The target peer id, when present, travels inside the
// kind-specific payload envelope (see payload.go); the header carries only
// the routing fields every hop needs.
func Encode(p *Packet) ([]byte, error) {
	if len(p.Payload) > MaxPayload {
		return nil, ErrPacketTooLarge
	}
	ttl := p.TTL
	if ttl > MaxTTL {
		ttl = MaxTTL
	}
	buf := make([]byte, HeaderSize+len(p.Payload))
	buf[0] = byte(p.Type)
	buf[1] = ttl
	padID(buf[2:18], p.ID)
	padID(buf[18:34], p.SenderPeerID)
	ms := float64(p.Timestamp.UnixMilli())
	binary.BigEndian.PutUint64(buf[34:42], math.Float64bits(ms))
	copy(buf[HeaderSize:], p.Payload)
	return buf, nil
}

// Decode parses src. Buffers shorter than the fixed header are malformed;
// payload bytes are copied out but never interpreted here.
func Decode(src []byte) (*Packet, error) {
	if len(src) < HeaderSize {
		return nil, ErrMalformedPacket
	}
	ms := math.Float64frombits(binary.BigEndian.Uint64(src[34:42]))
	if math.IsNaN(ms) || math.IsInf(ms, 0) {
		return nil, ErrMalformedPacket
	}
	payload := make([]byte, len(src)-HeaderSize)
	copy(payload, src[HeaderSize:])
	return &Packet{
		Type:         PacketType(src[0]),
		TTL:          src[1],
		ID:           trimID(src[2:18]),
		SenderPeerID: trimID(src[18:34]),
		Timestamp:    time.UnixMilli(int64(ms)),
		Payload:      payload,
	}, nil
}

// padID writes id into dst space-padded; longer ids are silently truncated.
// Truncation is a protocol contract, not a bug to fix here: the 16-byte
// field width is part of the payload size budget.
func padID(dst []byte, id string) {
	n := copy(dst, id)
	for i := n; i < len(dst); i++ {
		dst[i] = ' '
	}
}

func trimID(src []byte) string {
	return string(bytes.TrimRight(src, " "))
}
