/*
 * MIT License
 *
 * Copyright (c) 2026 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package protocol implements the framed binary tunnel protocol: the
// IDENT/PING/PONG/HELLO/CONNECT/BYE/DATA frames, the per-tunnel state
// machine that reads and interprets them, the client-number registry
// mapping local sockets to 16-bit ids, liveness timers, and TCP
// reconnection. Frames are packed big-endian with no padding and no
// version byte.
package protocol

const (
	// CmdIdent identifies a peer as socket-server or socket-client; carries
	// one role byte (RoleServer or RoleClient).
	CmdIdent byte = 0x49
	// CmdPing is a bare liveness probe.
	CmdPing byte = 0x3f
	// CmdPong answers CmdPing.
	CmdPong byte = 0x21
	// CmdHello announces a new local socket on the socket-server side;
	// carries a u16 client id.
	CmdHello byte = 0x48
	// CmdConnect announces a successful local dial on the socket-client
	// side; carries a u16 client id.
	CmdConnect byte = 0x43
	// CmdBye announces a client id is gone; carries a u16 client id.
	CmdBye byte = 0x42
	// CmdData carries an opaque payload for a client id; header is a u16
	// id followed by a u16 length, then that many payload bytes.
	CmdData byte = 0x44
)

const (
	// RoleServer is the IDENT role byte sent by the socket-server peer.
	RoleServer byte = 0x53
	// RoleClient is the IDENT role byte sent by the socket-client peer.
	RoleClient byte = 0x43
)

// Busy is the literal response sent to a TCP peer that connects while a
// tunnel is already active.
var Busy = []byte("busy.\n")

// bodyLen returns how many bytes follow the command byte for each fixed
// frame shape, i.e. what rdexpect is set to right after the command byte
// is read. CmdData's body length is variable (header plus payload) and is
// handled separately by the state machine.
func bodyLen(cmd byte) (n int, ok bool) {
	switch cmd {
	case CmdIdent:
		return 1, true
	case CmdPing, CmdPong:
		return 0, true
	case CmdHello, CmdConnect, CmdBye:
		return 2, true
	case CmdData:
		return 4, true
	}
	return 0, false
}

// EncodeIdent builds an IDENT frame for the given role.
func EncodeIdent(role byte) []byte {
	return []byte{CmdIdent, role}
}

// EncodePing builds a PING frame.
func EncodePing() []byte {
	return []byte{CmdPing}
}

// EncodePong builds a PONG frame.
func EncodePong() []byte {
	return []byte{CmdPong}
}

func encodeID(cmd byte, id uint16) []byte {
	return []byte{cmd, byte(id >> 8), byte(id)}
}

// EncodeHello builds a HELLO frame for client id.
func EncodeHello(id uint16) []byte { return encodeID(CmdHello, id) }

// EncodeConnect builds a CONNECT frame for client id.
func EncodeConnect(id uint16) []byte { return encodeID(CmdConnect, id) }

// EncodeBye builds a BYE frame for client id.
func EncodeBye(id uint16) []byte { return encodeID(CmdBye, id) }

// EncodeDataHeader builds the 5-byte DATA header (command, id, length);
// the caller appends the payload itself, which is why Connections feeding
// a tunnel reserve a 5-byte front offset in their read buffer.
func EncodeDataHeader(id uint16, length uint16) []byte {
	return []byte{CmdData, byte(id >> 8), byte(id), byte(length >> 8), byte(length)}
}

func decodeID(body []byte) uint16 {
	return uint16(body[0])<<8 | uint16(body[1])
}
