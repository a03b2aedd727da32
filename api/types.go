// Package api provides the wire codec shared by the relay's three message
// families: RPS queries, onion control-plane requests from the local
// control client, and the internal peer-to-peer API exchanged between
// relays. All three share one framing: a 16-bit big-endian length covering
// header+body, followed by a 16-bit big-endian type tag.
package api

type Type uint16

const (
	TypeRPSQuery Type = 540
	TypeRPSPeer  Type = 541
	// RPS reserved until 559

	TypeOnionTunnelBuild    Type = 560
	TypeOnionTunnelReady    Type = 561
	TypeOnionTunnelIncoming Type = 562
	TypeOnionTunnelDestroy  Type = 563
	TypeOnionTunnelData     Type = 564
	TypeOnionError          Type = 565
	TypeOnionCover          Type = 566
	// Onion reserved until 599

	// the internal peer-to-peer API used between relays during tunnel
	// construction and teardown. Carries a 16-bit tunnel ID, distinct from
	// the 32-bit ID used on the 560-series control-plane frames above.
	TypeAPIPing            Type = 9000
	TypeAPIPingResponse    Type = 9001
	TypeAPINextHopQuery    Type = 9002
	TypeAPINextHopResponse Type = 9003
	TypeAPIFinalHopQuery   Type = 9004
	TypeAPIData            Type = 9005
)

// AppType identifies which module a port mapping entry in an RPS_PEER reply
// belongs to.
type AppType uint16

func (at AppType) valid() bool {
	switch at {
	case AppTypeDHT, AppTypeGossip, AppTypeNSE, AppTypeOnion:
		return true
	default:
		return false
	}
}

const (
	AppTypeDHT    AppType = 650
	AppTypeGossip AppType = 500
	AppTypeNSE    AppType = 520
	AppTypeOnion  AppType = 560
)
