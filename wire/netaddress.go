package wire

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

const (
	// MaxAddrPerMsg is the maximum number of addresses that can be in a
	// single addr message.
	MaxAddrPerMsg = 1000

	// netAddressSize is the size of a full network address on the wire.
	netAddressSize = 8 + 4 + 8 + 16 + 2

	// lightNetAddressSize is the size of the address form used inside the
	// version message, which has no time and no stream.
	lightNetAddressSize = 8 + 16 + 2
)

// NetAddress defines information about a peer on the network including the
// time it was last seen, the stream it serves, the services it supports, its
// IP address, and port.
type NetAddress struct {
	// Last time the address was seen.  Only encoded in the full form.
	Timestamp time.Time

	// Stream the peer serves.  Only encoded in the full form.
	Stream uint32

	// Bitfield which identifies the services supported by the address.
	Services ServiceFlag

	// IP address of the peer.  IPv4 addresses are mapped into IPv6.
	IP net.IP

	// Port the peer is using.
	Port uint16
}

// NewNetAddressIPPort returns a new NetAddress using the provided IP, port,
// stream and supported services with the timestamp set to the current time.
func NewNetAddressIPPort(ip net.IP, port uint16, stream uint32, services ServiceFlag) *NetAddress {
	return &NetAddress{
		Timestamp: time.Unix(time.Now().Unix(), 0),
		Stream:    stream,
		Services:  services,
		IP:        ip,
		Port:      port,
	}
}

// NewNetAddress returns a new NetAddress using the provided TCP address,
// stream and supported services.
func NewNetAddress(addr *net.TCPAddr, stream uint32, services ServiceFlag) *NetAddress {
	return NewNetAddressIPPort(addr.IP, uint16(addr.Port), stream, services)
}

// String returns host:port of the address.
func (na *NetAddress) String() string {
	return net.JoinHostPort(na.IP.String(), strconv.Itoa(int(na.Port)))
}

// Equal reports whether both addresses point at the same endpoint.
func (na *NetAddress) Equal(other *NetAddress) bool {
	return na.Port == other.Port && na.IP.Equal(other.IP)
}

// readNetAddress reads an encoded NetAddress from r.  The light form, used by
// the version message, carries neither the time nor the stream.
func readNetAddress(r io.Reader, na *NetAddress, light bool) error {
	if !light {
		ts, err := readUint64(r)
		if err != nil {
			return err
		}
		stream, err := readUint32(r)
		if err != nil {
			return err
		}
		na.Timestamp = time.Unix(int64(ts), 0)
		na.Stream = stream
	}

	services, err := readUint64(r)
	if err != nil {
		return err
	}

	var ip [16]byte
	if _, err := io.ReadFull(r, ip[:]); err != nil {
		return err
	}
	port, err := readUint16(r)
	if err != nil {
		return err
	}

	na.Services = ServiceFlag(services)
	na.IP = net.IP(ip[:])
	na.Port = port
	return nil
}

// writeNetAddress serializes a NetAddress to w in its full or light form.
func writeNetAddress(w io.Writer, na *NetAddress, light bool) error {
	if !light {
		if err := writeUint64(w, uint64(na.Timestamp.Unix())); err != nil {
			return err
		}
		if err := writeUint32(w, na.Stream); err != nil {
			return err
		}
	}

	if err := writeUint64(w, uint64(na.Services)); err != nil {
		return err
	}

	// Ensure to always write 16 bytes even if the ip is nil.
	var ip [16]byte
	if na.IP != nil {
		ip16 := na.IP.To16()
		if ip16 == nil {
			return messageError("writeNetAddress", ErrMalformed,
				fmt.Sprintf("invalid ip address %v", na.IP))
		}
		copy(ip[:], ip16)
	}
	if _, err := w.Write(ip[:]); err != nil {
		return err
	}
	return writeUint16(w, na.Port)
}

// ReadNetAddress reads a NetAddress in the full form used by addr messages.
func ReadNetAddress(r io.Reader, na *NetAddress) error {
	return readNetAddress(r, na, false)
}

// WriteNetAddress writes na in the full form used by addr messages.
func WriteNetAddress(w io.Writer, na *NetAddress) error {
	return writeNetAddress(w, na, false)
}
