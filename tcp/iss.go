package tcp

import (
	"encoding/binary"
	"io"
	"net/netip"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2s"
)

// ISSGenerator generates initial sequence numbers as described in RFC 6528:
//
//	ISN = M + F(localip, localport, remoteip, remoteport, secretkey)
//
// M is a clock that increments every 4 microseconds and F is the keyed
// BLAKE2s hash of the connection 4-tuple truncated to 32 bits.
type ISSGenerator struct {
	key [blake2s.Size]byte
}

// NewISSGenerator returns a generator with a secret key read from rand,
// typically crypto/rand.Reader.
func NewISSGenerator(rand io.Reader) (*ISSGenerator, error) {
	var g ISSGenerator
	if rand == nil {
		return nil, errors.New("tcp: nil ISS entropy source")
	}
	if _, err := io.ReadFull(rand, g.key[:]); err != nil {
		return nil, errors.Wrap(err, "tcp: reading ISS secret")
	}
	return &g, nil
}

// ISS returns the initial sequence number for a connection between local and remote at time now.
func (g *ISSGenerator) ISS(now time.Time, local, remote netip.AddrPort) Value {
	return DefaultNewISS(now) + g.hash(local, remote)
}

func (g *ISSGenerator) hash(local, remote netip.AddrPort) Value {
	h, err := blake2s.New256(g.key[:])
	if err != nil {
		panic(err) // Key length is fixed to a valid size.
	}
	var buf [2*16 + 2*2]byte
	la := local.Addr().As16()
	ra := remote.Addr().As16()
	copy(buf[0:16], la[:])
	binary.BigEndian.PutUint16(buf[16:18], local.Port())
	copy(buf[18:34], ra[:])
	binary.BigEndian.PutUint16(buf[34:36], remote.Port())
	h.Write(buf[:])
	var sum [blake2s.Size]byte
	return Value(binary.BigEndian.Uint32(h.Sum(sum[:0])))
}
