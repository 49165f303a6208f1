// Package rsp implements the GDB remote serial protocol presentation layer:
// packet framing, checksumming and escaping, plus parsing of command
// payloads into a closed set of command variants. It knows nothing about
// the machine being debugged; higher layers map commands onto it.
package rsp

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
)

// Framing bytes of the remote serial protocol
const (
	packetStart  = '$'
	packetEnd    = '#'
	packetAck    = '+'
	packetNack   = '-'
	escapeMarker = '}'
	escapeXOR    = 0x20

	// InterruptByte is recognized outside normal framing at any time and
	// requests an asynchronous stop of a running program
	InterruptByte = 0x03
)

// PacketKind classifies what the reader pulled off the wire
type PacketKind int

const (
	// PacketCommand carries a checksum-verified, unescaped command payload
	PacketCommand PacketKind = iota
	// PacketInterrupt is the out-of-band interrupt byte
	PacketInterrupt
	// PacketNack reports a '-' from the peer: the last reply must be resent
	PacketNack
	// PacketBadChecksum reports a frame that failed checksum or escaping
	// validation; the session answers with a '-' and discards it
	PacketBadChecksum
)

// Packet is one unit read from the transport
type Packet struct {
	Kind    PacketKind
	Payload []byte
}

// Checksum computes the protocol checksum: the unsigned sum of the
// transmitted payload bytes modulo 256.
func Checksum(payload []byte) byte {
	var sum byte
	for _, b := range payload {
		sum += b
	}
	return sum
}

// Reader deframes packets from a byte stream.
type Reader struct {
	br *bufio.Reader
}

// NewReader creates a packet reader over the transport byte stream
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// ReadPacket reads the next packet from the stream. Bytes preceding a start
// marker are discarded, except for interrupt bytes and '-' retransmission
// requests which are surfaced as their own packet kinds. '+' acks from the
// peer are swallowed. Errors are transport errors only; protocol-level
// damage is reported through PacketBadChecksum.
func (r *Reader) ReadPacket() (Packet, error) {
	for {
		c, err := r.br.ReadByte()
		if err != nil {
			return Packet{}, err
		}
		switch c {
		case InterruptByte:
			return Packet{Kind: PacketInterrupt}, nil
		case packetNack:
			return Packet{Kind: PacketNack}, nil
		case packetAck:
			continue
		case packetStart:
			return r.readFrame()
		default:
			// noise between frames, skip
		}
	}
}

// readFrame consumes payload#cs after the start marker was seen
func (r *Reader) readFrame() (Packet, error) {
	var raw []byte
	for {
		c, err := r.br.ReadByte()
		if err != nil {
			return Packet{}, err
		}
		if c == packetEnd {
			break
		}
		raw = append(raw, c)
	}

	var csum [2]byte
	if _, err := io.ReadFull(r.br, csum[:]); err != nil {
		return Packet{}, err
	}
	var want [1]byte
	if _, err := hex.Decode(want[:], csum[:]); err != nil {
		return Packet{Kind: PacketBadChecksum}, nil
	}
	// The checksum covers the bytes as transmitted, before unescaping
	if Checksum(raw) != want[0] {
		return Packet{Kind: PacketBadChecksum}, nil
	}

	payload, ok := unescape(raw)
	if !ok {
		return Packet{Kind: PacketBadChecksum}, nil
	}
	return Packet{Kind: PacketCommand, Payload: payload}, nil
}

// Writer frames and sends packets over a byte stream. It is the session's
// job to guarantee a single writer at a time.
type Writer struct {
	bw *bufio.Writer
}

// NewWriter creates a packet writer over the transport byte stream
func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriter(w)}
}

// WritePacket frames payload with escaping and a freshly computed checksum
// and flushes it to the transport.
func (w *Writer) WritePacket(payload []byte) error {
	escaped := escape(payload)
	if err := w.bw.WriteByte(packetStart); err != nil {
		return err
	}
	if _, err := w.bw.Write(escaped); err != nil {
		return err
	}
	if err := w.bw.WriteByte(packetEnd); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w.bw, "%02x", Checksum(escaped)); err != nil {
		return err
	}
	return w.bw.Flush()
}

// WriteAck acknowledges a well-formed packet
func (w *Writer) WriteAck() error {
	if err := w.bw.WriteByte(packetAck); err != nil {
		return err
	}
	return w.bw.Flush()
}

// WriteNack rejects a damaged packet, asking the peer to retransmit
func (w *Writer) WriteNack() error {
	if err := w.bw.WriteByte(packetNack); err != nil {
		return err
	}
	return w.bw.Flush()
}

// escape protects payload bytes that collide with framing characters:
// the escape marker followed by the byte XORed with 0x20
func escape(payload []byte) []byte {
	out := make([]byte, 0, len(payload))
	for _, b := range payload {
		switch b {
		case packetStart, packetEnd, escapeMarker, '*':
			out = append(out, escapeMarker, b^escapeXOR)
		default:
			out = append(out, b)
		}
	}
	return out
}

// unescape reverses escape. Run-length encoding ('*') is never negotiated
// by this stub, so its appearance marks the frame as damaged.
func unescape(raw []byte) ([]byte, bool) {
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case escapeMarker:
			i++
			if i >= len(raw) {
				return nil, false
			}
			out = append(out, raw[i]^escapeXOR)
		case '*':
			return nil, false
		default:
			out = append(out, raw[i])
		}
	}
	return out, true
}
