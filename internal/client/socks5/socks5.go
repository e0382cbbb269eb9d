// Package socks5 implements the server half of a minimal SOCKS5 (RFC 1928)
// negotiation: no authentication and the CONNECT command only. It lets
// tools like ssh -D and curl --socks5-hostname reach targets through the
// runner.
package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
)

// SOCKS5 protocol constants.
const (
	Version5 = 0x05

	AuthNone         = 0x00
	AuthNoAcceptable = 0xFF

	CmdConnect = 0x01

	AddrIPv4   = 0x01
	AddrDomain = 0x03
	AddrIPv6   = 0x04

	RepSuccess              = 0x00
	RepGeneralFailure       = 0x01
	RepConnectionNotAllowed = 0x02
	RepNetworkUnreachable   = 0x03
	RepHostUnreachable      = 0x04
	RepConnectionRefused    = 0x05
	RepTTLExpired           = 0x06
	RepCommandNotSupported  = 0x07
	RepAddressNotSupported  = 0x08
)

// ErrNoAcceptableAuth is returned when the client does not offer the
// no-authentication method.
var ErrNoAcceptableAuth = errors.New("client does not support no-auth")

// Handshake performs the server-side negotiation on conn and returns the
// CONNECT target as host:port. The caller sends the final reply with
// SendReply once it knows whether the target is reachable.
func Handshake(conn io.ReadWriter) (string, error) {
	if err := negotiateAuth(conn); err != nil {
		return "", err
	}
	return readConnect(conn)
}

// negotiateAuth handles VER | NMETHODS | METHODS and selects no-auth.
func negotiateAuth(conn io.ReadWriter) error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return fmt.Errorf("read auth header: %w", err)
	}
	if header[0] != Version5 {
		return fmt.Errorf("unsupported SOCKS version: %d", header[0])
	}
	if header[1] == 0 {
		return errors.New("no auth methods offered")
	}
	methods := make([]byte, header[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return fmt.Errorf("read auth methods: %w", err)
	}

	for _, m := range methods {
		if m == AuthNone {
			if _, err := conn.Write([]byte{Version5, AuthNone}); err != nil {
				return fmt.Errorf("write auth reply: %w", err)
			}
			return nil
		}
	}
	_, _ = conn.Write([]byte{Version5, AuthNoAcceptable})
	return ErrNoAcceptableAuth
}

// readConnect parses VER | CMD | RSV | ATYP | DST.ADDR | DST.PORT.
func readConnect(conn io.ReadWriter) (string, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return "", fmt.Errorf("read request header: %w", err)
	}
	if header[0] != Version5 {
		return "", fmt.Errorf("unsupported SOCKS version in request: %d", header[0])
	}
	if header[1] != CmdConnect {
		_ = SendReply(conn, RepCommandNotSupported, nil)
		return "", fmt.Errorf("unsupported SOCKS command: %d", header[1])
	}

	host, err := readHost(conn, header[3])
	if err != nil {
		return "", err
	}

	var port uint16
	if err := binary.Read(conn, binary.BigEndian, &port); err != nil {
		return "", fmt.Errorf("read port: %w", err)
	}
	return net.JoinHostPort(host, strconv.Itoa(int(port))), nil
}

func readHost(conn io.ReadWriter, atyp byte) (string, error) {
	switch atyp {
	case AddrIPv4, AddrIPv6:
		size := net.IPv4len
		if atyp == AddrIPv6 {
			size = net.IPv6len
		}
		addr := make([]byte, size)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return "", fmt.Errorf("read IP address: %w", err)
		}
		return net.IP(addr).String(), nil
	case AddrDomain:
		var n [1]byte
		if _, err := io.ReadFull(conn, n[:]); err != nil {
			return "", fmt.Errorf("read domain length: %w", err)
		}
		domain := make([]byte, n[0])
		if _, err := io.ReadFull(conn, domain); err != nil {
			return "", fmt.Errorf("read domain: %w", err)
		}
		return string(domain), nil
	default:
		_ = SendReply(conn, RepAddressNotSupported, nil)
		return "", fmt.Errorf("unsupported address type: %d", atyp)
	}
}

// SendReply sends a SOCKS5 reply to the client. A nil bindAddr is sent as
// 0.0.0.0:0.
func SendReply(conn io.Writer, rep byte, bindAddr *net.TCPAddr) error {
	reply := []byte{Version5, rep, 0x00}
	switch {
	case bindAddr == nil:
		reply = append(reply, AddrIPv4, 0, 0, 0, 0)
		reply = binary.BigEndian.AppendUint16(reply, 0)
	case bindAddr.IP.To4() != nil:
		reply = append(reply, AddrIPv4)
		reply = append(reply, bindAddr.IP.To4()...)
		reply = binary.BigEndian.AppendUint16(reply, uint16(bindAddr.Port))
	default:
		reply = append(reply, AddrIPv6)
		reply = append(reply, bindAddr.IP.To16()...)
		reply = binary.BigEndian.AppendUint16(reply, uint16(bindAddr.Port))
	}

	_, err := conn.Write(reply)
	return err
}
