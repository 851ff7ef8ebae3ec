package xnet

import (
	"encoding/binary"
	"net/netip"
)

const (
	ipProtoTCP     = 6
	offsetChecksum = 16
)

// crc791 is the internet checksum of RFC 791: the 16-bit ones' complement
// of the ones' complement sum of all 16-bit words. An odd trailing octet is
// padded with zeros. The zero value is ready to use.
type crc791 struct {
	sum uint32
}

func (c *crc791) addUint16(v uint16) { c.sum += uint32(v) }

func (c *crc791) addUint32(v uint32) {
	c.addUint16(uint16(v >> 16))
	c.addUint16(uint16(v))
}

func (c *crc791) writeEven(b []byte) {
	for i := 0; i+1 < len(b); i += 2 {
		c.sum += uint32(binary.BigEndian.Uint16(b[i:]))
	}
}

// payloadSum16 returns the checksum after adding b, which may be of odd length.
func (c *crc791) payloadSum16(b []byte) uint16 {
	odd := len(b) & 1
	c.writeEven(b[:len(b)-odd])
	sum := c.sum
	if odd > 0 {
		sum += uint32(b[len(b)-1]) << 8
	}
	sum = (sum & 0xffff) + sum>>16
	return ^uint16(sum + sum>>16)
}

// writePseudoHeader adds the TCP pseudo header of RFC 9293 3.1 (IPv4) or RFC 8200 8.1 (IPv6).
func (c *crc791) writePseudoHeader(src, dst netip.Addr, length int) {
	if src.Is4() && dst.Is4() {
		s, d := src.As4(), dst.As4()
		c.writeEven(s[:])
		c.writeEven(d[:])
		c.addUint16(ipProtoTCP)
		c.addUint16(uint16(length))
		return
	}
	s, d := src.As16(), dst.As16()
	c.writeEven(s[:])
	c.writeEven(d[:])
	c.addUint32(uint32(length))
	c.addUint32(ipProtoTCP)
}

// setChecksum computes and writes the checksum field of segment.
func setChecksum(src, dst netip.Addr, segment []byte) {
	binary.BigEndian.PutUint16(segment[offsetChecksum:], 0)
	var c crc791
	c.writePseudoHeader(src, dst, len(segment))
	binary.BigEndian.PutUint16(segment[offsetChecksum:], c.payloadSum16(segment))
}

// validChecksum reports whether the checksum field of segment is correct.
func validChecksum(src, dst netip.Addr, segment []byte) bool {
	var c crc791
	c.writePseudoHeader(src, dst, len(segment))
	return c.payloadSum16(segment) == 0
}
