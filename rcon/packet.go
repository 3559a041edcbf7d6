// Package rcon implements a Source-style RCON client pool. Each server
// gets at most one live TCP connection, owned by an actor goroutine that
// executes commands strictly in arrival order.
package rcon

import (
	"encoding/binary"
	"io"

	"github.com/arkops/asaman"
)

// Packet types from the Source RCON protocol.
const (
	typeAuth          = 3
	typeAuthResponse  = 2
	typeExecCommand   = 2
	typeResponseValue = 0
)

// maxPacketSize bounds what we will read for a single response body.
const maxPacketSize = 4096

type packet struct {
	ID   int32
	Type int32
	Body string
}

// writePacket frames and writes one packet: little-endian int32 size,
// id, type, then the body and two NUL terminators.
func writePacket(w io.Writer, p packet) error {
	size := int32(4 + 4 + len(p.Body) + 2)
	buf := make([]byte, 4+size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(size))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.ID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(p.Type))
	copy(buf[12:], p.Body)
	// Trailing two bytes are already zero.
	_, err := w.Write(buf)
	return err
}

// readPacket reads one framed packet.
func readPacket(r io.Reader) (packet, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return packet{}, err
	}
	size := int32(binary.LittleEndian.Uint32(header[:]))
	if size < 10 || size > maxPacketSize {
		return packet{}, asaman.E(asaman.KindRconProtocolError, "packet size %d out of range", size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return packet{}, err
	}

	p := packet{
		ID:   int32(binary.LittleEndian.Uint32(body[0:4])),
		Type: int32(binary.LittleEndian.Uint32(body[4:8])),
	}
	payload := body[8:]
	if len(payload) < 2 || payload[len(payload)-1] != 0 || payload[len(payload)-2] != 0 {
		return packet{}, asaman.E(asaman.KindRconProtocolError, "packet missing terminators")
	}
	p.Body = string(payload[:len(payload)-2])
	return p, nil
}
