package api

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ensure that the implementations match the interface
var (
	_ Message = &APIPing{}
	_ Message = &APIPingResponse{}
	_ Message = &APINextHopQuery{}
	_ Message = &APINextHopResponse{}
	_ Message = &APIFinalHopQuery{}
	_ Message = &APIData{}
)

func roundTrip(t *testing.T, msg Message) Message {
	t.Helper()
	buf := make([]byte, MaxSize)
	n, err := msg.Pack(buf)
	require.NoError(t, err)
	require.Equal(t, msg.PackedSize(), n)

	out, err := parseMessage(msg.Type(), buf[:n])
	require.NoError(t, err)
	return out
}

func TestAPIPing(t *testing.T) {
	require.Equal(t, TypeAPIPing, (&APIPing{}).Type())

	msg := &APIPing{TunnelID: 0x0102, HostKey: []byte("a hostkey")}
	out := roundTrip(t, msg)
	assert.Equal(t, msg, out)

	assert.Equal(t, ErrInvalidMessage, (&APIPing{}).Parse([]byte{0x00}))
	_, err := (&APIPing{HostKey: make([]byte, 10)}).Pack([]byte{})
	assert.Equal(t, ErrBufferTooSmall, err)
}

func TestAPIPingResponse(t *testing.T) {
	require.Equal(t, TypeAPIPingResponse, (&APIPingResponse{}).Type())

	msg := &APIPingResponse{TunnelID: 7, HostKey: []byte("k")}
	out := roundTrip(t, msg)
	assert.Equal(t, msg, out)
}

func TestAPINextHopQuery(t *testing.T) {
	require.Equal(t, TypeAPINextHopQuery, (&APINextHopQuery{}).Type())

	msg := &APINextHopQuery{TunnelID: 99}
	out := roundTrip(t, msg)
	assert.Equal(t, msg, out)

	assert.Equal(t, ErrInvalidMessage, (&APINextHopQuery{}).Parse([]byte{0x00}))
}

func TestAPINextHopResponse(t *testing.T) {
	require.Equal(t, TypeAPINextHopResponse, (&APINextHopResponse{}).Type())

	msg := &APINextHopResponse{TunnelID: 5, HostKey: []byte("next hop key")}
	out := roundTrip(t, msg)
	assert.Equal(t, msg, out)
}

func TestAPIFinalHopQuery(t *testing.T) {
	require.Equal(t, TypeAPIFinalHopQuery, (&APIFinalHopQuery{}).Type())

	t.Run("IPv4", func(t *testing.T) {
		msg := &APIFinalHopQuery{
			TunnelID: 1,
			Port:     1400,
			Address:  net.IP{127, 0, 0, 1},
			HostKey:  []byte("dest-hostkey"),
		}
		out := roundTrip(t, msg)
		assert.Equal(t, msg, out)
	})

	t.Run("IPv6", func(t *testing.T) {
		msg := &APIFinalHopQuery{
			TunnelID: 1,
			IPv6:     true,
			Port:     1400,
			Address:  net.ParseIP("::1"),
			HostKey:  []byte("dest-hostkey"),
		}
		out := roundTrip(t, msg)
		assert.Equal(t, msg, out)
	})

	t.Run("hostkey does not overlap address", func(t *testing.T) {
		// regression check for the offset bug where the hostkey could be
		// sliced starting inside the IPv4 address bytes
		msg := &APIFinalHopQuery{
			TunnelID: 1,
			Port:     1400,
			Address:  net.IP{10, 20, 30, 40},
			HostKey:  []byte{0xAA, 0xBB, 0xCC},
		}
		buf := make([]byte, MaxSize)
		n, err := msg.Pack(buf)
		require.NoError(t, err)

		var parsed APIFinalHopQuery
		require.NoError(t, parsed.Parse(buf[:n]))
		assert.Equal(t, net.IP{10, 20, 30, 40}, parsed.Address)
		assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, parsed.HostKey)
	})
}

func TestAPIData(t *testing.T) {
	require.Equal(t, TypeAPIData, (&APIData{}).Type())

	msg := &APIData{TunnelID: 42, HopFingerprint: 0xBEEF, Payload: []byte("ciphertext")}
	out := roundTrip(t, msg)
	assert.Equal(t, msg, out)

	assert.Equal(t, ErrInvalidMessage, (&APIData{}).Parse([]byte{0x00}))
}

func TestAPIDataPackDoesNotCorruptAliasedPayload(t *testing.T) {
	buf := make([]byte, MaxSize)
	want := []byte("forward me unchanged")
	// the payload lives at the start of the very buffer it is packed into
	payload := buf[:len(want)]
	copy(payload, want)
	msg := &APIData{TunnelID: 1, HopFingerprint: 2, Payload: payload}

	n, err := msg.Pack(buf)
	require.NoError(t, err)

	var parsed APIData
	require.NoError(t, parsed.Parse(buf[:n]))
	assert.Equal(t, want, parsed.Payload)
}
