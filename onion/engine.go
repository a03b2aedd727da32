package onion

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net"

	"github.com/go-kit/kit/log/level"

	"onionmod/api"
	"onionmod/cryptobox"
	"onionmod/hoptable"
)

// readLoop owns all reads off one peer Link, dispatching plaintext
// handshake messages directly and routing API_DATA envelopes through peel.
// It is the single reader for link: no other goroutine ever reads from it.
func (r *Relay) readLoop(link *Link) {
	defer r.dropLink(link)

	for {
		msg, err := link.conn.ReadMsg()
		if err != nil {
			level.Debug(r.logger).Log("msg", "peer link closed", "peer", link.Address, "err", err)
			return
		}

		switch m := msg.(type) {
		case *api.APIPing:
			r.handlePing(link, m)
		case *api.APIPingResponse:
			if !link.deliver(m.TunnelID, m) {
				level.Warn(r.logger).Log("msg", "unsolicited ping response", "tunnel", m.TunnelID)
			}
		case *api.APIData:
			r.peel(link, m)
		default:
			level.Warn(r.logger).Log("msg", "unexpected message on peer link", "type", msg.Type())
		}
	}
}

// handlePing accepts a fresh greeting on a Link, recording the sender as
// the previous hop of a tunnel this relay did not initiate, and answers
// with the local hostkey.
func (r *Relay) handlePing(link *Link, msg *api.APIPing) {
	peerKey, err := cryptobox.ParseHostKey(msg.HostKey)
	if err != nil {
		level.Warn(r.logger).Log("msg", "malformed hostkey in ping", "err", err)
		return
	}

	rejected := false
	r.tunnels.InsertOrUpdate(msg.TunnelID, func(cur *hoptable.Tunnel) *hoptable.Tunnel {
		if cur == nil {
			cur = &hoptable.Tunnel{ID: msg.TunnelID, State: hoptable.StateBuilding}
		}
		if cur.PreviousHop != nil {
			rejected = true
			return cur
		}
		cur.PreviousHop = &hoptable.Hop{Address: link.Address, Port: link.Port, HostKey: peerKey, Conn: link}
		return cur
	})
	if rejected {
		level.Warn(r.logger).Log("msg", "rejecting ping: previous hop already fixed for tunnel", "tunnel", msg.TunnelID)
		return
	}

	if err := link.send(&api.APIPingResponse{TunnelID: msg.TunnelID, HostKey: r.hostKeyBytes}); err != nil {
		level.Warn(r.logger).Log("msg", "failed to answer ping", "err", err)
	}
}

// peel is the forward-or-terminate step: if env addresses this relay's own
// fingerprint, decrypt and act on it; otherwise forward the envelope
// verbatim to whichever adjacent hop isn't the one it arrived on.
func (r *Relay) peel(arrivedOn *Link, env *api.APIData) {
	if env.HopFingerprint == r.localFingerprint {
		inner, err := r.unwrap(env)
		if err != nil {
			level.Warn(r.logger).Log("msg", "failed to decrypt envelope addressed to self", "tunnel", env.TunnelID, "err", err)
			return
		}

		switch m := inner.(type) {
		case *api.APINextHopResponse:
			if arrivedOn.deliver(env.TunnelID, m) {
				return
			}
			// no local wait: the reply belongs to a relay further upstream,
			// so re-wrap it for this relay's own previous hop.
			tunnel, ok := r.tunnels.Lookup(env.TunnelID)
			if !ok || tunnel.PreviousHop == nil {
				level.Warn(r.logger).Log("msg", "unsolicited extend response", "tunnel", env.TunnelID)
				return
			}
			if err := r.replyUpstream(tunnel.PreviousHop, env.TunnelID, m); err != nil {
				level.Warn(r.logger).Log("msg", "failed to relay extend response upstream", "tunnel", env.TunnelID, "err", err)
			}
		case *api.APINextHopQuery:
			go r.handleNextHopQuery(arrivedOn, env.TunnelID)
		case *api.APIFinalHopQuery:
			go r.handleFinalHopQuery(arrivedOn, env.TunnelID, m)
		case *api.OnionTunnelData:
			r.handleTunnelPayload(env.TunnelID, m.Data)
		case *api.OnionTunnelDestroy:
			r.handleTunnelDestroy(arrivedOn, env.TunnelID)
		default:
			level.Warn(r.logger).Log("msg", "unexpected inner message", "type", inner.Type())
		}
		return
	}

	tunnel, ok := r.tunnels.Lookup(env.TunnelID)
	if !ok {
		level.Warn(r.logger).Log("msg", "data for unknown tunnel", "tunnel", env.TunnelID)
		return
	}

	next := oppositeHop(tunnel, arrivedOn)
	if next == nil {
		level.Warn(r.logger).Log("msg", "no hop to forward to", "tunnel", env.TunnelID)
		return
	}

	nextLink, ok := next.Conn.(*Link)
	if !ok {
		level.Warn(r.logger).Log("msg", "adjacent hop is not a link", "tunnel", env.TunnelID)
		return
	}

	if err := nextLink.send(env); err != nil {
		level.Warn(r.logger).Log("msg", "failed to forward envelope", "tunnel", env.TunnelID, "err", err)
	}
}

// oppositeHop returns whichever of a tunnel's two neighbors is not the one
// a message arrived on.
func oppositeHop(tunnel *hoptable.Tunnel, arrivedOn *Link) *hoptable.Hop {
	if tunnel.PreviousHop != nil {
		if l, ok := tunnel.PreviousHop.Conn.(*Link); ok && l == arrivedOn {
			return tunnel.NextHop
		}
	}
	if tunnel.NextHop != nil {
		if l, ok := tunnel.NextHop.Conn.(*Link); ok && l == arrivedOn {
			return tunnel.PreviousHop
		}
	}
	// arrivedOn owns neither recorded hop; fall back to whichever exists,
	// which only happens for a tunnel still mid-construction.
	if tunnel.NextHop != nil {
		return tunnel.NextHop
	}
	return tunnel.PreviousHop
}

// handleNextHopQuery extends a tunnel by one hop drawn from the local peer
// source, then reports the new tail's hostkey back toward whoever asked.
func (r *Relay) handleNextHopQuery(arrivedOn *Link, tunnelID uint16) {
	peer, err := r.rps.GetPeer()
	if err != nil {
		level.Warn(r.logger).Log("msg", "peer source unavailable while extending tunnel", "tunnel", tunnelID, "err", err)
		return
	}

	if err := r.extendTo(arrivedOn, tunnelID, peer.Address, peer.Port, peer.HostKey); err != nil {
		level.Warn(r.logger).Log("msg", "failed to extend tunnel", "tunnel", tunnelID, "err", err)
	}
}

// handleFinalHopQuery connects directly to the requested destination,
// completing the tunnel at this relay.
func (r *Relay) handleFinalHopQuery(arrivedOn *Link, tunnelID uint16, query *api.APIFinalHopQuery) {
	destKey, err := cryptobox.ParseHostKey(query.HostKey)
	if err != nil {
		level.Warn(r.logger).Log("msg", "malformed destination hostkey", "tunnel", tunnelID, "err", err)
		return
	}

	if err := r.extendTo(arrivedOn, tunnelID, query.Address, query.Port, destKey); err != nil {
		level.Warn(r.logger).Log("msg", "failed to reach requested destination", "tunnel", tunnelID, "err", err)
		return
	}
	r.broadcastIncoming(tunnelID)
}

// extendTo dials address:port, exchanges the plaintext handshake, records
// the new adjacency and answers the hop that requested the extension.
// expectedKey is the hostkey the caller already believes address:port
// carries (from the peer source, or from the destination named in an
// APIFinalHopQuery); a mismatched handshake reply aborts the extension
// rather than silently trusting whichever key answered the socket.
func (r *Relay) extendTo(arrivedOn *Link, tunnelID uint16, address net.IP, port uint16, expectedKey *rsa.PublicKey) error {
	next, err := r.getOrCreateLink(address, port)
	if err != nil {
		return fmt.Errorf("dialing next hop: %w", err)
	}

	reportedKey, err := r.handshake(next, tunnelID)
	if err != nil {
		return fmt.Errorf("handshake with next hop: %w", err)
	}

	if cryptobox.FingerprintBytes(cryptobox.MarshalHostKey(reportedKey)) != cryptobox.FingerprintBytes(cryptobox.MarshalHostKey(expectedKey)) {
		return ErrHostkeyMismatch
	}

	tunnel := r.tunnels.InsertOrUpdate(tunnelID, func(cur *hoptable.Tunnel) *hoptable.Tunnel {
		if cur == nil {
			cur = &hoptable.Tunnel{ID: tunnelID}
		}
		cur.State = hoptable.StateActive
		cur.NextHop = &hoptable.Hop{Address: address, Port: port, HostKey: reportedKey, Conn: next}
		return cur
	})

	if tunnel.PreviousHop == nil {
		// no upstream hop is recorded for this tunnel on this relay, which
		// should not happen: extendTo only runs in response to a request
		// peeled from some upstream link.
		return errors.New("onion: extending tunnel with no upstream hop recorded")
	}

	reply := &api.APINextHopResponse{TunnelID: tunnelID, HostKey: cryptobox.MarshalHostKey(reportedKey)}
	return r.replyUpstream(tunnel.PreviousHop, tunnelID, reply)
}

func (r *Relay) replyUpstream(prevHop *hoptable.Hop, tunnelID uint16, inner api.Message) error {
	prevLink, ok := prevHop.Conn.(*Link)
	if !ok {
		return ErrNotALink
	}
	envelope, err := r.wrap(tunnelID, prevHop.HostKey, inner)
	if err != nil {
		return err
	}
	return prevLink.send(envelope)
}
