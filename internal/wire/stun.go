// Package wire implements the fixed-layout byte codecs the traversal
// pipeline depends on: STUN Binding messages and authenticated UDP probes.
// Nothing in this package performs I/O; callers own the sockets.
package wire

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/fernglade/punchlink/pkg/types"
)

// STUN message and attribute constants, RFC 5389.
const (
	MagicCookie          = 0x2112A442
	BindingRequest       = 0x0001
	BindingResponse      = 0x0101
	BindingErrorResponse = 0x0111
	XORMappedAddress     = 0x0020
	ErrorCodeAttr        = 0x0009

	StunHeaderSize      = 20
	TransactionIDSize   = 12
	attributeHeaderSize = 4

	FamilyIPv4 = 0x01
	FamilyIPv6 = 0x02
)

// StunErrorResponse reports a STUN ERROR-CODE attribute class/number.
type StunErrorResponse struct {
	Code int
}

func (e *StunErrorResponse) Error() string {
	return fmt.Sprintf("stun: error response, code %d", e.Code)
}

// BuildBindingRequest constructs the fixed 20-byte STUN Binding Request:
// type 0x0001, length 0, magic cookie, and the given 12-byte transaction ID.
func BuildBindingRequest(transactionID []byte) ([]byte, error) {
	if len(transactionID) != TransactionIDSize {
		return nil, fmt.Errorf("wire: transaction id must be %d bytes, got %d", TransactionIDSize, len(transactionID))
	}

	msg := make([]byte, StunHeaderSize)
	binary.BigEndian.PutUint16(msg[0:2], BindingRequest)
	binary.BigEndian.PutUint16(msg[2:4], 0)
	binary.BigEndian.PutUint32(msg[4:8], MagicCookie)
	copy(msg[8:20], transactionID)
	return msg, nil
}

// ParseBindingResponse validates the STUN header against expectedTransactionID
// and walks attributes looking for XOR-MAPPED-ADDRESS. A Binding Error
// Response surfaces as *StunErrorResponse.
func ParseBindingResponse(response []byte, expectedTransactionID []byte) (*types.Endpoint, error) {
	if len(response) < StunHeaderSize {
		return nil, fmt.Errorf("wire: response too short: %d bytes", len(response))
	}

	messageType := binary.BigEndian.Uint16(response[0:2])
	messageLength := binary.BigEndian.Uint16(response[2:4])
	cookie := binary.BigEndian.Uint32(response[4:8])
	txID := response[8:20]

	if cookie != MagicCookie {
		return nil, fmt.Errorf("wire: invalid magic cookie: 0x%08x", cookie)
	}
	if !bytesEqual(txID, expectedTransactionID) {
		return nil, fmt.Errorf("wire: transaction id mismatch")
	}
	if len(response) < StunHeaderSize+int(messageLength) {
		return nil, fmt.Errorf("wire: incomplete message: got %d bytes, want %d", len(response), StunHeaderSize+int(messageLength))
	}

	payload := response[StunHeaderSize : StunHeaderSize+int(messageLength)]

	if messageType == BindingErrorResponse {
		return nil, parseErrorResponse(payload)
	}
	if messageType != BindingResponse {
		return nil, fmt.Errorf("wire: unexpected message type: 0x%04x", messageType)
	}

	endpoint, err := findXORMappedAddress(payload, txID)
	if err != nil {
		return nil, fmt.Errorf("wire: parse attributes: %w", err)
	}
	if endpoint == nil {
		return nil, fmt.Errorf("wire: XOR-MAPPED-ADDRESS attribute not found")
	}
	return endpoint, nil
}

func parseErrorResponse(payload []byte) error {
	pos := 0
	for pos+attributeHeaderSize <= len(payload) {
		attrType := binary.BigEndian.Uint16(payload[pos : pos+2])
		attrLength := int(binary.BigEndian.Uint16(payload[pos+2 : pos+4]))
		pos += attributeHeaderSize
		if pos+attrLength > len(payload) {
			break
		}
		if attrType == ErrorCodeAttr && attrLength >= 4 {
			class := int(payload[pos+2])
			number := int(payload[pos+3])
			return &StunErrorResponse{Code: class*100 + number}
		}
		pos += attrLength
		if pad := attrLength % 4; pad != 0 {
			pos += 4 - pad
		}
	}
	return &StunErrorResponse{Code: 0}
}

func findXORMappedAddress(payload []byte, transactionID []byte) (*types.Endpoint, error) {
	pos := 0
	for pos+attributeHeaderSize <= len(payload) {
		attrType := binary.BigEndian.Uint16(payload[pos : pos+2])
		attrLength := int(binary.BigEndian.Uint16(payload[pos+2 : pos+4]))
		pos += attributeHeaderSize

		if pos+attrLength > len(payload) {
			return nil, fmt.Errorf("incomplete attribute: type=0x%04x, length=%d", attrType, attrLength)
		}
		attrValue := payload[pos : pos+attrLength]

		if attrType == XORMappedAddress {
			return decodeXORMappedAddress(attrValue, transactionID)
		}

		pos += attrLength
		if pad := attrLength % 4; pad != 0 {
			pos += 4 - pad
		}
	}
	return nil, nil
}

// decodeXORMappedAddress implements RFC 5389 §15.2.
func decodeXORMappedAddress(value []byte, transactionID []byte) (*types.Endpoint, error) {
	if len(value) < 4 {
		return nil, fmt.Errorf("value too short: %d bytes", len(value))
	}

	family := value[1]
	xorPort := binary.BigEndian.Uint16(value[2:4])
	port := int(xorPort ^ uint16(MagicCookie>>16))

	var ip string
	switch family {
	case FamilyIPv4:
		if len(value) < 8 {
			return nil, fmt.Errorf("IPv4 address too short: %d bytes", len(value))
		}
		xorAddr := binary.BigEndian.Uint32(value[4:8])
		addr := xorAddr ^ MagicCookie
		ip = fmt.Sprintf("%d.%d.%d.%d", byte(addr>>24), byte(addr>>16), byte(addr>>8), byte(addr))

	case FamilyIPv6:
		if len(value) < 20 {
			return nil, fmt.Errorf("IPv6 address too short: %d bytes", len(value))
		}
		xorKey := make([]byte, 16)
		binary.BigEndian.PutUint32(xorKey[0:4], MagicCookie)
		copy(xorKey[4:16], transactionID)

		addr := make([]byte, 16)
		for i := 0; i < 16; i++ {
			addr[i] = value[4+i] ^ xorKey[i]
		}
		ip = net.IP(addr).String()

	default:
		return nil, fmt.Errorf("unsupported address family: 0x%02x", family)
	}

	return &types.Endpoint{IP: ip, Port: port}, nil
}

// encodeXORMappedAddress is the inverse of decodeXORMappedAddress, kept for
// the codec's round-trip test.
func encodeXORMappedAddress(ep types.Endpoint, transactionID []byte) ([]byte, error) {
	ip := net.ParseIP(ep.IP)
	if ip == nil {
		return nil, fmt.Errorf("invalid IP: %q", ep.IP)
	}

	value := make([]byte, 0, 20)
	value = append(value, 0x00)

	if v4 := ip.To4(); v4 != nil {
		value = append(value, FamilyIPv4)
		xorPort := uint16(ep.Port) ^ uint16(MagicCookie>>16)
		portBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(portBuf, xorPort)
		value = append(value, portBuf...)

		addr := binary.BigEndian.Uint32(v4)
		xorAddr := addr ^ MagicCookie
		addrBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(addrBuf, xorAddr)
		value = append(value, addrBuf...)
		return value, nil
	}

	v6 := ip.To16()
	if v6 == nil {
		return nil, fmt.Errorf("unsupported IP: %q", ep.IP)
	}
	value = append(value, FamilyIPv6)
	xorPort := uint16(ep.Port) ^ uint16(MagicCookie>>16)
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, xorPort)
	value = append(value, portBuf...)

	xorKey := make([]byte, 16)
	binary.BigEndian.PutUint32(xorKey[0:4], MagicCookie)
	copy(xorKey[4:16], transactionID)

	addrBuf := make([]byte, 16)
	for i := 0; i < 16; i++ {
		addrBuf[i] = v6[i] ^ xorKey[i]
	}
	value = append(value, addrBuf...)
	return value, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
