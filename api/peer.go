package api

import (
	"encoding/binary"
	"net"
)

// APIPing greets a newly-connected peer and announces the sender's hostkey
// for the given tunnel.
type APIPing struct {
	TunnelID uint16
	HostKey  []byte
}

func (msg *APIPing) Type() Type { return TypeAPIPing }

func (msg *APIPing) Parse(data []byte) (err error) {
	if len(data) < 2 {
		return ErrInvalidMessage
	}
	msg.TunnelID = binary.BigEndian.Uint16(data)
	msg.HostKey = append(msg.HostKey[0:0], data[2:]...)
	return nil
}

func (msg *APIPing) PackedSize() (n int) {
	return 2 + len(msg.HostKey)
}

func (msg *APIPing) Pack(buf []byte) (n int, err error) {
	n = msg.PackedSize()
	if cap(buf) < n {
		return -1, ErrBufferTooSmall
	}
	buf = buf[:n]
	binary.BigEndian.PutUint16(buf, msg.TunnelID)
	copy(buf[2:], msg.HostKey)
	return n, nil
}

// APIPingResponse answers an APIPing with the receiver's own hostkey.
type APIPingResponse struct {
	TunnelID uint16
	HostKey  []byte
}

func (msg *APIPingResponse) Type() Type { return TypeAPIPingResponse }

func (msg *APIPingResponse) Parse(data []byte) (err error) {
	if len(data) < 2 {
		return ErrInvalidMessage
	}
	msg.TunnelID = binary.BigEndian.Uint16(data)
	msg.HostKey = append(msg.HostKey[0:0], data[2:]...)
	return nil
}

func (msg *APIPingResponse) PackedSize() (n int) {
	return 2 + len(msg.HostKey)
}

func (msg *APIPingResponse) Pack(buf []byte) (n int, err error) {
	n = msg.PackedSize()
	if cap(buf) < n {
		return -1, ErrBufferTooSmall
	}
	buf = buf[:n]
	binary.BigEndian.PutUint16(buf, msg.TunnelID)
	copy(buf[2:], msg.HostKey)
	return n, nil
}

// APINextHopQuery asks the addressed hop to extend the tunnel by one more
// hop drawn from its own peer source.
type APINextHopQuery struct {
	TunnelID uint16
}

func (msg *APINextHopQuery) Type() Type { return TypeAPINextHopQuery }

func (msg *APINextHopQuery) Parse(data []byte) (err error) {
	if len(data) != 2 {
		return ErrInvalidMessage
	}
	msg.TunnelID = binary.BigEndian.Uint16(data)
	return nil
}

func (msg *APINextHopQuery) PackedSize() (n int) { return 2 }

func (msg *APINextHopQuery) Pack(buf []byte) (n int, err error) {
	n = msg.PackedSize()
	if cap(buf) < n {
		return -1, ErrBufferTooSmall
	}
	binary.BigEndian.PutUint16(buf, msg.TunnelID)
	return n, nil
}

// APINextHopResponse reports the hostkey of the new next hop acquired by a
// prior APINextHopQuery or APIFinalHopQuery.
type APINextHopResponse struct {
	TunnelID uint16
	HostKey  []byte
}

func (msg *APINextHopResponse) Type() Type { return TypeAPINextHopResponse }

func (msg *APINextHopResponse) Parse(data []byte) (err error) {
	const minSize = 2 + 2
	if len(data) < minSize {
		return ErrInvalidMessage
	}
	msg.TunnelID = binary.BigEndian.Uint16(data)
	// 2 bytes reserved
	msg.HostKey = append(msg.HostKey[0:0], data[4:]...)
	return nil
}

func (msg *APINextHopResponse) PackedSize() (n int) {
	return 2 + 2 + len(msg.HostKey)
}

func (msg *APINextHopResponse) Pack(buf []byte) (n int, err error) {
	n = msg.PackedSize()
	if cap(buf) < n {
		return -1, ErrBufferTooSmall
	}
	buf = buf[:n]
	binary.BigEndian.PutUint16(buf, msg.TunnelID)
	buf[2] = 0x00
	buf[3] = 0x00
	copy(buf[4:], msg.HostKey)
	return n, nil
}

// APIFinalHopQuery asks the addressed hop to connect directly to the given
// destination, completing the tunnel.
type APIFinalHopQuery struct {
	TunnelID uint16
	IPv6     bool
	Port     uint16
	Address  net.IP
	HostKey  []byte
}

func (msg *APIFinalHopQuery) Type() Type { return TypeAPIFinalHopQuery }

func (msg *APIFinalHopQuery) Parse(data []byte) (err error) {
	const minSize = 2 + 2 + 2 + 4
	if len(data) < minSize {
		return ErrInvalidMessage
	}

	msg.TunnelID = binary.BigEndian.Uint16(data)
	msg.Port = binary.BigEndian.Uint16(data[2:4])
	msg.IPv6 = data[5]&flagIPv6 > 0

	// hostkey always begins right after the fixed-size address field: the
	// original implementation this was ported from sliced the hostkey
	// starting inside the IPv4 address bytes; here the offset is derived
	// from the address width instead of hardcoded.
	keyOffset := 6 + 4
	if msg.IPv6 {
		keyOffset = 6 + 16
		if len(data) < keyOffset {
			return ErrInvalidMessage
		}
		msg.Address = ReadIP(true, data[6:])
	} else {
		msg.Address = ReadIP(false, data[6:])
	}

	msg.HostKey = append(msg.HostKey[0:0], data[keyOffset:]...)
	return nil
}

func (msg *APIFinalHopQuery) PackedSize() (n int) {
	n = 2 + 2 + 2 + 4 + len(msg.HostKey)
	if msg.IPv6 {
		n += 12
	}
	return n
}

func (msg *APIFinalHopQuery) Pack(buf []byte) (n int, err error) {
	n = msg.PackedSize()
	if cap(buf) < n {
		return -1, ErrBufferTooSmall
	}
	buf = buf[:n]

	binary.BigEndian.PutUint16(buf, msg.TunnelID)
	binary.BigEndian.PutUint16(buf[2:4], msg.Port)
	buf[4] = 0x00

	flags := byte(0x00)
	addr := msg.Address
	keyOffset := 6 + 4
	if msg.IPv6 {
		keyOffset = 6 + 16
		flags |= flagIPv6
		for i := 0; i < 16; i++ {
			buf[6+i] = addr[15-i]
		}
	} else {
		buf[6] = addr[3]
		buf[7] = addr[2]
		buf[8] = addr[1]
		buf[9] = addr[0]
	}
	buf[5] = flags

	copy(buf[keyOffset:], msg.HostKey)
	return n, nil
}

// APIData is an onion-addressed envelope: hopFingerprint selects whether
// the payload is meant for the receiving relay (if it matches the low 16
// bits of the local hostkey's fingerprint) or must be forwarded verbatim
// along the tunnel.
type APIData struct {
	TunnelID       uint16
	HopFingerprint uint16
	Payload        []byte
}

func (msg *APIData) Type() Type { return TypeAPIData }

func (msg *APIData) Parse(data []byte) (err error) {
	const minSize = 2 + 2
	if len(data) < minSize {
		return ErrInvalidMessage
	}
	msg.TunnelID = binary.BigEndian.Uint16(data)
	msg.HopFingerprint = binary.BigEndian.Uint16(data[2:4])
	msg.Payload = append(msg.Payload[0:0], data[4:]...)
	return nil
}

func (msg *APIData) PackedSize() (n int) {
	return 2 + 2 + len(msg.Payload)
}

func (msg *APIData) Pack(buf []byte) (n int, err error) {
	n = msg.PackedSize()
	if cap(buf) < n {
		return -1, ErrBufferTooSmall
	}
	// copy the payload before writing the header bytes: when buf aliases
	// msg.Payload (e.g. re-wrapping a forwarded frame in place), copy moves
	// the overlapping bytes correctly, and the header then only overwrites
	// source bytes that have already been moved.
	out := buf[:n]
	copy(out[4:], msg.Payload)
	binary.BigEndian.PutUint16(out, msg.TunnelID)
	binary.BigEndian.PutUint16(out[2:4], msg.HopFingerprint)
	return n, nil
}
