// Package rcon implements a client for the Source RCON protocol: binary
// packet framing plus an authenticated session for issuing console
// commands against a running game server.
package rcon

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/yourusername/game-server-manager/internal/errdefs"
)

// PacketType identifies the role of a packet on the wire. AuthResponse
// and ExecCommand share the numeric value 2; direction disambiguates
// them (requests are ExecCommand, responses are AuthResponse).
type PacketType int32

const (
	TypeResponseValue PacketType = 0
	TypeAuthResponse  PacketType = 2
	TypeExecCommand   PacketType = 2
	TypeAuth          PacketType = 3
)

// Packet is one decoded frame. The wire form is:
//
//	int32 size (LE) | int32 id (LE) | int32 type (LE) | body | 0x00 | 0x00
//
// where size counts everything after itself.
type Packet struct {
	ID   int32
	Type PacketType
	Body string
}

const (
	// minPayload is id (4) + type (4) + the two terminating NUL bytes.
	minPayload = 10

	// MaxPayload bounds the declared size field. Anything larger is
	// treated as a desynchronized or hostile stream.
	MaxPayload = 4096
)

// Encode serializes p into a single length-prefixed frame.
func Encode(p Packet) []byte {
	size := int32(len(p.Body) + minPayload)
	buf := bytes.NewBuffer(make([]byte, 0, 4+size))
	binary.Write(buf, binary.LittleEndian, size)
	binary.Write(buf, binary.LittleEndian, p.ID)
	binary.Write(buf, binary.LittleEndian, int32(p.Type))
	buf.WriteString(p.Body)
	buf.WriteByte(0)
	buf.WriteByte(0)
	return buf.Bytes()
}

// Decode parses one frame from the front of data. The protocol rides a
// byte stream: frames may arrive split across reads or coalesced, so an
// incomplete frame is not an error. Decode reports consumed == 0 with a
// nil error when more bytes are needed, and the number of bytes eaten
// once a whole frame was parsed. A declared size outside
// [minPayload, MaxPayload] wraps errdefs.ErrProtocol.
func Decode(data []byte) (Packet, int, error) {
	if len(data) < 4 {
		return Packet{}, 0, nil
	}

	size := int32(binary.LittleEndian.Uint32(data[:4]))
	if size < minPayload || size > MaxPayload {
		return Packet{}, 0, fmt.Errorf("%w: declared packet size %d out of range", errdefs.ErrProtocol, size)
	}

	total := 4 + int(size)
	if len(data) < total {
		return Packet{}, 0, nil
	}

	id := int32(binary.LittleEndian.Uint32(data[4:8]))
	typ := PacketType(binary.LittleEndian.Uint32(data[8:12]))
	body := data[12 : total-2]

	if data[total-2] != 0 || data[total-1] != 0 {
		return Packet{}, 0, fmt.Errorf("%w: packet missing terminating NUL bytes", errdefs.ErrProtocol)
	}

	return Packet{ID: id, Type: typ, Body: string(body)}, total, nil
}
