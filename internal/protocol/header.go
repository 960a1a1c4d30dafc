package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
)

// Protocol constants for the binary request header.
const (
	Version = 0x00

	CommandTCP = 0x01
	CommandUDP = 0x02

	AddrIPv4   = 0x01
	AddrDomain = 0x02
	AddrIPv6   = 0x03
)

// minHeaderLen is the smallest possible complete header: version, account id,
// addon length, command, port, address type and the shortest address form, a
// one-character domain.
const minHeaderLen = 1 + 16 + 1 + 1 + 2 + 1 + 2

var (
	// ErrIncomplete signals that more bytes are needed before the header can
	// be decoded. The caller should buffer and retry.
	ErrIncomplete = errors.New("header incomplete")
	// ErrInvalid signals a malformed header that no amount of additional
	// bytes can repair.
	ErrInvalid = errors.New("header invalid")
)

// Header is the decoded request preamble of a tunnel connection. It is
// immutable once returned by Decode.
type Header struct {
	Version     byte
	Account     uuid.UUID
	AddonLength byte
	Command     byte
	Port        uint16
	AddressType byte
	Address     string

	// PayloadOffset is the index into the decoded buffer where client
	// payload begins.
	PayloadOffset int
}

// Target returns the upstream dial address in host:port form.
func (h *Header) Target() string {
	return net.JoinHostPort(h.Address, strconv.Itoa(int(h.Port)))
}

// Decode parses a request header from the start of buf. It is a pure function
// over the supplied slice: it never blocks and has no side effects. A short
// buffer yields ErrIncomplete, a malformed one ErrInvalid; both are wrapped
// with detail and matchable via errors.Is.
func Decode(buf []byte) (*Header, error) {
	if len(buf) < minHeaderLen {
		return nil, fmt.Errorf("%w: have %d bytes, need at least %d", ErrIncomplete, len(buf), minHeaderLen)
	}
	if buf[0] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalid, buf[0])
	}

	account, err := uuid.FromBytes(buf[1:17])
	if err != nil {
		return nil, fmt.Errorf("%w: account id: %v", ErrInvalid, err)
	}

	addonLen := int(buf[17])
	cmdIdx := 18 + addonLen
	// command + port + address type
	if len(buf) < cmdIdx+4 {
		return nil, fmt.Errorf("%w: addon block extends past buffer", ErrIncomplete)
	}

	command := buf[cmdIdx]
	switch command {
	case CommandTCP, CommandUDP:
	default:
		return nil, fmt.Errorf("%w: unsupported command %d", ErrInvalid, command)
	}

	port := binary.BigEndian.Uint16(buf[cmdIdx+1 : cmdIdx+3])
	addrType := buf[cmdIdx+3]
	addrIdx := cmdIdx + 4

	var (
		address string
		addrLen int
	)
	switch addrType {
	case AddrIPv4:
		if len(buf) < addrIdx+net.IPv4len {
			return nil, fmt.Errorf("%w: ipv4 address truncated", ErrIncomplete)
		}
		address = net.IP(buf[addrIdx : addrIdx+net.IPv4len]).String()
		addrLen = net.IPv4len
	case AddrDomain:
		if len(buf) < addrIdx+1 {
			return nil, fmt.Errorf("%w: domain length truncated", ErrIncomplete)
		}
		domainLen := int(buf[addrIdx])
		if domainLen == 0 {
			return nil, fmt.Errorf("%w: empty domain", ErrInvalid)
		}
		if len(buf) < addrIdx+1+domainLen {
			return nil, fmt.Errorf("%w: domain truncated", ErrIncomplete)
		}
		address = string(buf[addrIdx+1 : addrIdx+1+domainLen])
		addrLen = 1 + domainLen
	case AddrIPv6:
		if len(buf) < addrIdx+net.IPv6len {
			return nil, fmt.Errorf("%w: ipv6 address truncated", ErrIncomplete)
		}
		address = net.IP(buf[addrIdx : addrIdx+net.IPv6len]).String()
		addrLen = net.IPv6len
	default:
		return nil, fmt.Errorf("%w: unsupported address type %d", ErrInvalid, addrType)
	}

	return &Header{
		Version:       buf[0],
		Account:       account,
		AddonLength:   byte(addonLen),
		Command:       command,
		Port:          port,
		AddressType:   addrType,
		Address:       address,
		PayloadOffset: addrIdx + addrLen,
	}, nil
}

// Encode builds the wire form of a request header for the given account,
// command and target. The address type is inferred from host: an IPv4
// literal, an IPv6 literal, or a domain name.
func Encode(account uuid.UUID, command byte, host string, port uint16) ([]byte, error) {
	buf := make([]byte, 0, minHeaderLen+len(host))
	buf = append(buf, Version)
	buf = append(buf, account[:]...)
	buf = append(buf, 0) // no addons
	buf = append(buf, command)
	buf = binary.BigEndian.AppendUint16(buf, port)

	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			buf = append(buf, AddrIPv4)
			buf = append(buf, ip4...)
		} else {
			buf = append(buf, AddrIPv6)
			buf = append(buf, ip.To16()...)
		}
		return buf, nil
	}

	if len(host) == 0 || len(host) > 255 {
		return nil, fmt.Errorf("domain length %d out of range", len(host))
	}
	buf = append(buf, AddrDomain, byte(len(host)))
	buf = append(buf, host...)
	return buf, nil
}
