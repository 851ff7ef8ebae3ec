package tcp

import (
	"encoding/binary"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

const (
	sizeHeaderTCP = header.TCPMinimumSize
	sizeOptionMSS = 4
	// offsetUrgent is the offset of the urgent pointer within the TCP header.
	offsetUrgent = 18
)

var (
	errShortSegment   = errors.New("tcp: segment shorter than header")
	errBadDataOffset  = errors.New("tcp: invalid data offset")
	errShortEncodeBuf = errors.New("tcp: buffer too short for segment")
)

// Header is the decoded form of a TCP segment header. The checksum is not
// covered here since it depends on the IP pseudo header, computed by the network.
type Header struct {
	SrcPort uint16
	DstPort uint16
	Segment
	// MSS is the maximum segment size option value. Zero if option absent.
	// Only significant in SYN segments.
	MSS uint16
}

// HeaderLen returns the encoded size of the header including options.
func (h *Header) HeaderLen() int {
	if h.MSS != 0 && h.Flags.HasAny(FlagSYN) {
		return sizeHeaderTCP + sizeOptionMSS
	}
	return sizeHeaderTCP
}

// EncodeSegment writes the header followed by payload into dst and returns
// the number of bytes written. payload length must match hdr.DATALEN.
func EncodeSegment(dst []byte, hdr Header, payload []byte) (int, error) {
	hlen := hdr.HeaderLen()
	n := hlen + len(payload)
	switch {
	case int(hdr.DATALEN) != len(payload):
		return 0, errors.Errorf("tcp: payload length %d mismatches segment DATALEN %d", len(payload), hdr.DATALEN)
	case len(dst) < n:
		return 0, errShortEncodeBuf
	case hdr.WND > 0xffff:
		return 0, errWindowTooLarge
	}
	tcp := header.TCP(dst[:n])
	tcp.Encode(&header.TCPFields{
		SrcPort:    hdr.SrcPort,
		DstPort:    hdr.DstPort,
		SeqNum:     uint32(hdr.SEQ),
		AckNum:     uint32(hdr.ACK),
		DataOffset: uint8(hlen),
		Flags:      uint8(hdr.Flags.Mask()),
		WindowSize: uint16(hdr.WND),
	})
	binary.BigEndian.PutUint16(dst[offsetUrgent:], uint16(hdr.UP))
	if hlen > sizeHeaderTCP {
		header.EncodeMSSOption(uint32(hdr.MSS), dst[sizeHeaderTCP:hlen])
	}
	copy(dst[hlen:n], payload)
	return n, nil
}

// AppendSegment is like [EncodeSegment] but appends to dst.
func AppendSegment(dst []byte, hdr Header, payload []byte) ([]byte, error) {
	off := len(dst)
	dst = append(dst, make([]byte, hdr.HeaderLen()+len(payload))...)
	n, err := EncodeSegment(dst[off:], hdr, payload)
	return dst[:off+n], err
}

// DecodeSegment parses a TCP segment. The returned payload aliases b.
func DecodeSegment(b []byte) (hdr Header, payload []byte, err error) {
	if len(b) < sizeHeaderTCP {
		return hdr, nil, errShortSegment
	}
	tcp := header.TCP(b)
	off := int(tcp.DataOffset())
	if off < sizeHeaderTCP || off > len(b) {
		return hdr, nil, errBadDataOffset
	}
	payload = b[off:]
	flags := Flags(tcp.Flags()).Mask()
	hdr = Header{
		SrcPort: tcp.SourcePort(),
		DstPort: tcp.DestinationPort(),
		Segment: Segment{
			SEQ:     Value(tcp.SequenceNumber()),
			ACK:     Value(tcp.AckNumber()),
			WND:     Size(tcp.WindowSize()),
			Flags:   flags,
			DATALEN: Size(len(payload)),
			UP:      Size(binary.BigEndian.Uint16(b[offsetUrgent:])),
		},
	}
	if flags.HasAny(FlagSYN) && off > sizeHeaderTCP {
		opts := header.ParseSynOptions(tcp.Options(), flags.HasAny(FlagACK))
		hdr.MSS = opts.MSS
	}
	return hdr, payload, nil
}
