// MIT License
//
// Copyright (c) 2023 TTBT Enterprises LLC
// Copyright (c) 2023 Robin Thellend <rthellend@rthellend.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package proxyhdr decodes PROXY protocol v1 and v2 headers incrementally.
//
// The decoder never rejects a connection. When the first bytes of a stream
// are not a valid header, they are handed back to the caller as ordinary
// application data.
//
// See https://www.haproxy.org/download/2.9/doc/proxy-protocol.txt
package proxyhdr

import (
	"bytes"
	"errors"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/crypto/cryptobyte"
)

var (
	// ErrNeedMore indicates that the buffer holds a valid prefix of a
	// header, but not the whole header yet.
	ErrNeedMore = errors.New("proxyhdr: need more data")
	// ErrNotProxyProtocol indicates that the data doesn't start with the
	// v1 prefix or the v2 signature.
	ErrNotProxyProtocol = errors.New("proxyhdr: not a proxy protocol header")
	// ErrHeaderTooLong indicates that no v1 line terminator was found
	// within the maximum v1 header length.
	ErrHeaderTooLong = errors.New("proxyhdr: v1 header too long")
	// ErrInvalidLength indicates that the v2 length is too short for the
	// declared address family.
	ErrInvalidLength = errors.New("proxyhdr: invalid v2 length")
	// ErrMalformed indicates a header with invalid fields.
	ErrMalformed = errors.New("proxyhdr: malformed header")
)

const (
	// MaxV1Length is the maximum length of a v1 header, including the
	// CRLF terminator.
	MaxV1Length = 107

	v2HeaderLength = 16
)

var (
	v1Prefix    = []byte("PROXY ")
	v2Signature = []byte("\r\n\r\n\x00\r\nQUIT\n")
)

// Command is the v2 command. v1 headers are always CommandProxy, except for
// UNKNOWN which is reported as CommandLocal.
type Command uint8

const (
	CommandLocal Command = 0x0
	CommandProxy Command = 0x1
)

// Transport is the address family (high nibble) and transport protocol (low
// nibble), using the v2 encoding.
type Transport uint8

const (
	TransportUnspec Transport = 0x00
	TCPv4           Transport = 0x11
	UDPv4           Transport = 0x12
	TCPv6           Transport = 0x21
	UDPv6           Transport = 0x22
	UnixStream      Transport = 0x31
	UnixDatagram    Transport = 0x32
)

const (
	familyUnspec = 0x0
	familyInet   = 0x1
	familyInet6  = 0x2
	familyUnix   = 0x3

	protoUnspec = 0x0
	protoStream = 0x1
	protoDgram  = 0x2
)

func (t Transport) family() uint8 {
	return uint8(t) >> 4
}

func (t Transport) proto() uint8 {
	return uint8(t) & 0xf
}

func (t Transport) String() string {
	switch t {
	case TCPv4:
		return "TCP4"
	case UDPv4:
		return "UDP4"
	case TCPv6:
		return "TCP6"
	case UDPv6:
		return "UDP6"
	case UnixStream:
		return "UNIX-STREAM"
	case UnixDatagram:
		return "UNIX-DGRAM"
	}
	return "UNSPEC"
}

// addrLength returns the size of the v2 address block for the family.
func addrLength(family uint8) int {
	switch family {
	case familyInet:
		return 12
	case familyInet6:
		return 36
	case familyUnix:
		return 216
	}
	return 0
}

// Parse attempts to decode a header from the beginning of buf. It returns the
// header and the number of bytes consumed. ErrNeedMore is returned when buf is
// a valid but incomplete prefix. Any other error is structural: buf doesn't
// start with a valid header.
func Parse(buf []byte) (*Header, int, error) {
	if len(buf) == 0 {
		return nil, 0, ErrNeedMore
	}
	switch {
	case hasPrefix(buf, v1Prefix):
		return parseV1(buf)
	case hasPrefix(buf, v2Signature):
		return parseV2(buf)
	}
	return nil, 0, ErrNotProxyProtocol
}

// hasPrefix returns true if buf starts with prefix, or if buf is shorter and
// could still be the start of prefix.
func hasPrefix(buf, prefix []byte) bool {
	n := min(len(buf), len(prefix))
	return bytes.Equal(buf[:n], prefix[:n])
}

func parseV1(buf []byte) (*Header, int, error) {
	if len(buf) < len(v1Prefix) {
		return nil, 0, ErrNeedMore
	}
	window := buf[:min(len(buf), MaxV1Length)]
	end := bytes.Index(window, []byte("\r\n"))
	if end < 0 {
		if len(buf) >= MaxV1Length {
			return nil, 0, ErrHeaderTooLong
		}
		if bytes.IndexByte(window, '\n') >= 0 {
			return nil, 0, ErrMalformed
		}
		return nil, 0, ErrNeedMore
	}
	fields := strings.Split(string(buf[:end]), " ")
	consumed := end + 2

	if len(fields) >= 2 && fields[1] == "UNKNOWN" {
		return &Header{Version: 1, Command: CommandLocal, Transport: TransportUnspec}, consumed, nil
	}
	if len(fields) != 6 {
		return nil, 0, ErrMalformed
	}
	var transport Transport
	switch fields[1] {
	case "TCP4":
		transport = TCPv4
	case "TCP6":
		transport = TCPv6
	default:
		return nil, 0, ErrMalformed
	}
	src, err := parseV1Addr(transport, fields[2], fields[4])
	if err != nil {
		return nil, 0, err
	}
	dst, err := parseV1Addr(transport, fields[3], fields[5])
	if err != nil {
		return nil, 0, err
	}
	return &Header{
		Version:     1,
		Command:     CommandProxy,
		Transport:   transport,
		Source:      src,
		Destination: dst,
	}, consumed, nil
}

func parseV1Addr(transport Transport, ip, port string) (net.Addr, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil || addr.Zone() != "" {
		return nil, ErrMalformed
	}
	if transport == TCPv4 && !addr.Is4() {
		return nil, ErrMalformed
	}
	if transport == TCPv6 && !addr.Is6() {
		return nil, ErrMalformed
	}
	p, err := parsePort(port)
	if err != nil {
		return nil, err
	}
	return net.TCPAddrFromAddrPort(netip.AddrPortFrom(addr, p)), nil
}

func parsePort(s string) (uint16, error) {
	if len(s) == 0 || len(s) > 5 {
		return 0, ErrMalformed
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, ErrMalformed
		}
	}
	if len(s) > 1 && s[0] == '0' {
		return 0, ErrMalformed
	}
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, ErrMalformed
	}
	return uint16(n), nil
}

func parseV2(buf []byte) (*Header, int, error) {
	if len(buf) < v2HeaderLength {
		return nil, 0, ErrNeedMore
	}
	in := cryptobyte.String(buf[len(v2Signature):])
	var verCmd, famProto uint8
	var length uint16
	if !in.ReadUint8(&verCmd) || !in.ReadUint8(&famProto) || !in.ReadUint16(&length) {
		return nil, 0, ErrNeedMore
	}
	if verCmd>>4 != 2 {
		return nil, 0, ErrMalformed
	}
	cmd := Command(verCmd & 0xf)
	if cmd != CommandLocal && cmd != CommandProxy {
		return nil, 0, ErrMalformed
	}
	transport := Transport(famProto)
	if transport.family() > familyUnix || transport.proto() > protoDgram {
		return nil, 0, ErrMalformed
	}
	alen := addrLength(transport.family())
	if int(length) < alen {
		return nil, 0, ErrInvalidLength
	}
	total := v2HeaderLength + int(length)
	if len(buf) < total {
		return nil, 0, ErrNeedMore
	}

	var addrs, tlvs []byte
	if !in.ReadBytes(&addrs, alen) || !in.ReadBytes(&tlvs, int(length)-alen) {
		return nil, 0, ErrInvalidLength
	}
	h := &Header{
		Version:   2,
		Command:   cmd,
		Transport: transport,
	}
	if len(tlvs) > 0 {
		h.RawTLVs = bytes.Clone(tlvs)
	}
	if cmd == CommandLocal {
		return h, total, nil
	}
	switch transport.family() {
	case familyInet, familyInet6:
		if err := h.parseInetAddrs(addrs); err != nil {
			return nil, 0, err
		}
	}
	// UNSPEC and UNIX addresses are skipped.
	return h, total, nil
}

func (h *Header) parseInetAddrs(addrs []byte) error {
	in := cryptobyte.String(addrs)
	ipLen := 4
	if h.Transport.family() == familyInet6 {
		ipLen = 16
	}
	var srcIP, dstIP []byte
	var srcPort, dstPort uint16
	if !in.ReadBytes(&srcIP, ipLen) || !in.ReadBytes(&dstIP, ipLen) ||
		!in.ReadUint16(&srcPort) || !in.ReadUint16(&dstPort) {
		return ErrInvalidLength
	}
	src, _ := netip.AddrFromSlice(srcIP)
	dst, _ := netip.AddrFromSlice(dstIP)
	srcAP := netip.AddrPortFrom(src, srcPort)
	dstAP := netip.AddrPortFrom(dst, dstPort)

	switch h.Transport.proto() {
	case protoStream:
		h.Source = net.TCPAddrFromAddrPort(srcAP)
		h.Destination = net.TCPAddrFromAddrPort(dstAP)
	case protoDgram:
		h.Source = net.UDPAddrFromAddrPort(srcAP)
		h.Destination = net.UDPAddrFromAddrPort(dstAP)
	}
	return nil
}
