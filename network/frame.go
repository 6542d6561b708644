package network

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/najoast/noderoute/core"
)

// Constants for frame serialization
const (
	// FrameHeaderSize is the fixed size of the frame header in bytes
	FrameHeaderSize = 16

	// FrameMagic marks the start of every frame
	FrameMagic uint16 = 0x4e52

	// FrameVersion is the frame layout written by this package
	FrameVersion uint8 = 1

	// DefaultMaxFrameSize bounds header, routes and payload together
	DefaultMaxFrameSize = 16 * 1024 * 1024 // 16MB

	// maxAddressLen is the longest address a frame can carry
	maxAddressLen = math.MaxUint16
)

// FrameFlag defines frame flags. None are interpreted yet; unknown flags
// are preserved.
type FrameFlag uint8

const (
	FrameFlagNone FrameFlag = 0
)

// FrameCodec converts routed messages to and from transport frames.
//
// Layout, big endian:
//
//	0  magic         uint16
//	2  version       uint8
//	3  flags         uint8
//	4  onward count  uint16
//	6  return count  uint16
//	8  routes length uint32
//	12 payload len   uint32
//	16 routes: per hop a uint16 length followed by the address bytes
//	   payload
type FrameCodec struct {
	maxFrameSize int
}

// NewFrameCodec creates a codec enforcing maxFrameSize. A non-positive
// value selects DefaultMaxFrameSize.
func NewFrameCodec(maxFrameSize int) *FrameCodec {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &FrameCodec{maxFrameSize: maxFrameSize}
}

// MaxFrameSize returns the enforced frame size limit.
func (c *FrameCodec) MaxFrameSize() int {
	return c.maxFrameSize
}

// Encode encodes a message to a frame.
func (c *FrameCodec) Encode(msg *core.Message) ([]byte, error) {
	if msg == nil {
		return nil, &TransportError{Kind: KindEncoding, Op: "encode", Err: core.ErrNilMessage}
	}
	if len(msg.OnwardRoute) > math.MaxUint16 || len(msg.ReturnRoute) > math.MaxUint16 {
		return nil, &TransportError{Kind: KindEncoding, Op: "encode", Err: fmt.Errorf("route too long")}
	}

	routesLen := 0
	for _, route := range []core.Route{msg.OnwardRoute, msg.ReturnRoute} {
		for _, addr := range route {
			if len(addr) > maxAddressLen {
				return nil, &TransportError{Kind: KindEncoding, Op: "encode",
					Err: fmt.Errorf("address of %d bytes exceeds %d", len(addr), maxAddressLen)}
			}
			routesLen += 2 + len(addr)
		}
	}

	totalSize := FrameHeaderSize + routesLen + len(msg.Payload)
	if totalSize > c.maxFrameSize {
		return nil, &TransportError{Kind: KindCapacity, Op: "encode",
			Err: fmt.Errorf("frame too large: %d bytes (max %d)", totalSize, c.maxFrameSize)}
	}

	buf := make([]byte, totalSize)

	// Encode header
	binary.BigEndian.PutUint16(buf[0:2], FrameMagic)
	buf[2] = FrameVersion
	buf[3] = byte(FrameFlagNone)
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(msg.OnwardRoute)))
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(msg.ReturnRoute)))
	binary.BigEndian.PutUint32(buf[8:12], uint32(routesLen))
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(msg.Payload)))

	// Encode routes
	off := FrameHeaderSize
	for _, route := range []core.Route{msg.OnwardRoute, msg.ReturnRoute} {
		for _, addr := range route {
			binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(addr)))
			off += 2
			off += copy(buf[off:], addr)
		}
	}

	// Copy payload
	copy(buf[off:], msg.Payload)

	return buf, nil
}

// frameHeader is the decoded fixed part of a frame.
type frameHeader struct {
	onward    int
	ret       int
	routesLen int
	payload   int
}

// bodyLen returns the number of bytes following the header.
func (h frameHeader) bodyLen() int {
	return h.routesLen + h.payload
}

// decodeHeader validates the fixed header.
func (c *FrameCodec) decodeHeader(data []byte) (frameHeader, error) {
	if len(data) < FrameHeaderSize {
		return frameHeader{}, &TransportError{Kind: KindProtocol, Op: "decode",
			Err: fmt.Errorf("data too short for frame header: %d bytes", len(data))}
	}
	if magic := binary.BigEndian.Uint16(data[0:2]); magic != FrameMagic {
		return frameHeader{}, &TransportError{Kind: KindProtocol, Op: "decode",
			Err: fmt.Errorf("bad frame magic 0x%04x", magic)}
	}
	if v := data[2]; v != FrameVersion {
		return frameHeader{}, &TransportError{Kind: KindProtocol, Op: "decode",
			Err: fmt.Errorf("unsupported frame version %d", v)}
	}

	h := frameHeader{
		onward:    int(binary.BigEndian.Uint16(data[4:6])),
		ret:       int(binary.BigEndian.Uint16(data[6:8])),
		routesLen: int(binary.BigEndian.Uint32(data[8:12])),
		payload:   int(binary.BigEndian.Uint32(data[12:16])),
	}

	// Compare in uint64 so hostile lengths cannot overflow.
	if uint64(FrameHeaderSize)+uint64(h.routesLen)+uint64(h.payload) > uint64(c.maxFrameSize) {
		return frameHeader{}, &TransportError{Kind: KindCapacity, Op: "decode",
			Err: fmt.Errorf("frame too large: %d bytes (max %d)", FrameHeaderSize+h.bodyLen(), c.maxFrameSize)}
	}
	return h, nil
}

// Decode decodes a complete frame.
func (c *FrameCodec) Decode(data []byte) (*core.Message, error) {
	h, err := c.decodeHeader(data)
	if err != nil {
		return nil, err
	}
	if len(data) != FrameHeaderSize+h.bodyLen() {
		return nil, &TransportError{Kind: KindProtocol, Op: "decode",
			Err: fmt.Errorf("frame length mismatch: expected %d, got %d", FrameHeaderSize+h.bodyLen(), len(data))}
	}
	return c.decodeBody(h, data[FrameHeaderSize:])
}

func (c *FrameCodec) decodeBody(h frameHeader, body []byte) (*core.Message, error) {
	routes := body[:h.routesLen]

	onward, routes, err := decodeRoute(routes, h.onward)
	if err != nil {
		return nil, err
	}
	ret, routes, err := decodeRoute(routes, h.ret)
	if err != nil {
		return nil, err
	}
	if len(routes) != 0 {
		return nil, &TransportError{Kind: KindProtocol, Op: "decode",
			Err: fmt.Errorf("%d trailing route bytes", len(routes))}
	}

	msg := &core.Message{
		OnwardRoute: onward,
		ReturnRoute: ret,
		Timestamp:   time.Now(),
	}
	if h.payload > 0 {
		msg.Payload = make([]byte, h.payload)
		copy(msg.Payload, body[h.routesLen:])
	}
	return msg, nil
}

func decodeRoute(data []byte, hops int) (core.Route, []byte, error) {
	route := make(core.Route, 0, hops)
	for i := 0; i < hops; i++ {
		if len(data) < 2 {
			return nil, nil, &TransportError{Kind: KindProtocol, Op: "decode", Err: fmt.Errorf("truncated route")}
		}
		n := int(binary.BigEndian.Uint16(data[0:2]))
		if len(data) < 2+n {
			return nil, nil, &TransportError{Kind: KindProtocol, Op: "decode", Err: fmt.Errorf("truncated address")}
		}
		route = append(route, core.Address(data[2:2+n]))
		data = data[2+n:]
	}
	return route, data, nil
}

// ReadFrame reads one frame from a stream.
func (c *FrameCodec) ReadFrame(r io.Reader) (*core.Message, error) {
	header := make([]byte, FrameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	h, err := c.decodeHeader(header)
	if err != nil {
		return nil, err
	}

	body := make([]byte, h.bodyLen())
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return c.decodeBody(h, body)
}
