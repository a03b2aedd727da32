package onion

import (
	"crypto/rand"
	"fmt"
	"net"
	"strconv"

	"github.com/go-kit/kit/log/level"

	"onionmod/api"
	"onionmod/cryptobox"
	"onionmod/hoptable"
)

// ListenControl opens a plain TCP listener for the local control client,
// deliberately not TLS since this socket never leaves the host. It shares
// dispatch with ListenPeers through
// controlReadLoop/readLoop both funnelling into the same Relay methods,
// which keeps the two listeners' log lines consistent with whichever port
// actually accepted the connection.
func (r *Relay) ListenControl(hostname string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(hostname, strconv.Itoa(port)))
	if err != nil {
		return err
	}

	level.Info(r.logger).Log("msg", "control listener started", "addr", ln.Addr())

	go func() {
		<-r.quit
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-r.quit:
				return
			default:
			}
			level.Error(r.logger).Log("msg", "error accepting control connection", "err", err)
			continue
		}

		cl := &controlLink{conn: api.NewConnection(conn)}
		r.trackControl(cl)
		go r.controlReadLoop(cl)
	}
}

func (r *Relay) controlReadLoop(cl *controlLink) {
	defer func() {
		r.untrackControl(cl)
		cl.conn.Terminate()
	}()

	for {
		msg, err := cl.conn.ReadMsg()
		if err != nil {
			level.Debug(r.logger).Log("msg", "control connection closed", "err", err)
			return
		}

		switch m := msg.(type) {
		case *api.OnionTunnelBuild:
			go r.BuildTunnel(cl, m)
		case *api.OnionTunnelDestroy:
			r.DestroyTunnel(uint16(m.TunnelID))
		case *api.OnionTunnelData:
			if err := r.SendData(uint16(m.TunnelID), m.Data); err != nil {
				level.Warn(r.logger).Log("msg", "failed to send tunnel data", "tunnel", m.TunnelID, "err", err)
				r.sendError(cl, m.TunnelID, m.Type())
			}
		case *api.OnionCover:
			go r.SendCover(cl, m.CoverSize)
		default:
			level.Warn(r.logger).Log("msg", "unexpected message on control link", "type", msg.Type())
		}
	}
}

// BuildTunnel implements the initiator role: pick a first hop, extend hop
// by hop through the tunnel's own tail, and finalize at the requested
// destination.
func (r *Relay) BuildTunnel(cl *controlLink, req *api.OnionTunnelBuild) {
	tunnelID, err := r.newTunnelID()
	if err != nil {
		level.Error(r.logger).Log("msg", "failed to allocate tunnel id", "err", err)
		r.sendError(cl, 0, req.Type())
		return
	}
	r.registerControl(tunnelID, cl)

	if err := r.buildTunnelCore(tunnelID, req); err != nil {
		level.Warn(r.logger).Log("msg", "failed to build tunnel", "tunnel", tunnelID, "err", err)
		r.DestroyTunnel(tunnelID)
		r.sendError(cl, uint32(tunnelID), req.Type())
		return
	}

	if err := cl.send(&api.OnionTunnelReady{TunnelID: uint32(tunnelID), DestHostKey: req.DestHostKey}); err != nil {
		level.Warn(r.logger).Log("msg", "failed to notify control client of ready tunnel", "tunnel", tunnelID, "err", err)
	}
}

// buildTunnelCore runs the hop-by-hop construction protocol for a tunnel
// id the caller has already allocated and registered, without touching the
// control connection. BuildTunnel and SendCover both drive it.
func (r *Relay) buildTunnelCore(tunnelID uint16, req *api.OnionTunnelBuild) error {
	destKey, err := req.ParseHostKey()
	if err != nil {
		return fmt.Errorf("malformed destination hostkey: %w", err)
	}

	first, err := r.rps.GetPeer()
	if err != nil {
		return fmt.Errorf("no first hop available: %w", err)
	}

	entry, err := r.getOrCreateLink(first.Address, first.Port)
	if err != nil {
		return fmt.Errorf("failed to dial first hop: %w", err)
	}

	tailKey, err := r.handshake(entry, tunnelID)
	if err != nil {
		return fmt.Errorf("handshake with first hop failed: %w", err)
	}

	r.tunnels.InsertOrUpdate(tunnelID, func(*hoptable.Tunnel) *hoptable.Tunnel {
		return &hoptable.Tunnel{
			ID:      tunnelID,
			State:   hoptable.StateBuilding,
			NextHop: &hoptable.Hop{Address: first.Address, Port: first.Port, HostKey: tailKey, Conn: entry},
		}
	})

	for i := 0; i < r.cfg.MinHops-1; i++ {
		tailKey, err = r.requestExtend(entry, tunnelID, tailKey)
		if err != nil {
			return fmt.Errorf("failed to extend tunnel: %w", err)
		}
	}

	finalKey, err := r.requestFinalize(entry, tunnelID, tailKey, req.Address, req.OnionPort, req.DestHostKey)
	if err != nil {
		return fmt.Errorf("failed to reach destination: %w", err)
	}

	if cryptobox.FingerprintBytes(cryptobox.MarshalHostKey(finalKey)) != cryptobox.FingerprintBytes(cryptobox.MarshalHostKey(destKey)) {
		return ErrHostkeyMismatch
	}

	r.tunnels.InsertOrUpdate(tunnelID, func(cur *hoptable.Tunnel) *hoptable.Tunnel {
		if cur != nil {
			cur.State = hoptable.StateActive
		}
		return cur
	})
	return nil
}

// SendData wraps payload as a TUNNEL_DATA frame addressed to the tunnel's
// current next hop and forwards it. Intermediate hops never call this
// directly: they forward an already-addressed envelope verbatim from
// peel. Only the initiator, driving a tunnel it owns, calls SendData.
func (r *Relay) SendData(tunnelID uint16, payload []byte) error {
	tunnel, ok := r.tunnels.Lookup(tunnelID)
	if !ok || tunnel.NextHop == nil {
		return ErrUnknownTunnel
	}

	link, ok := tunnel.NextHop.Conn.(*Link)
	if !ok {
		return ErrNotALink
	}

	envelope, err := r.wrap(tunnelID, tunnel.NextHop.HostKey, &api.OnionTunnelData{TunnelID: uint32(tunnelID), Data: payload})
	if err != nil {
		return err
	}
	return link.send(envelope)
}

// handleTunnelPayload is invoked by peel when this relay is the addressed
// endpoint of a TUNNEL_DATA frame. Absent a local application to hand the
// bytes to, it reports the data to whichever control client owns the
// tunnel.
func (r *Relay) handleTunnelPayload(tunnelID uint16, data []byte) {
	cl, ok := r.ownerOf(tunnelID)
	if !ok {
		level.Debug(r.logger).Log("msg", "dropping data for tunnel with no registered owner", "tunnel", tunnelID)
		return
	}
	if err := cl.send(&api.OnionTunnelData{TunnelID: uint32(tunnelID), Data: data}); err != nil {
		level.Warn(r.logger).Log("msg", "failed to deliver tunnel data to control client", "tunnel", tunnelID, "err", err)
	}
}

// DestroyTunnel sends TUNNEL_DESTROY to the tunnel's next hop if one is
// recorded, removes the tunnel from the hop table, and releases the
// control-plane ownership entry. Adjacent links are not closed.
func (r *Relay) DestroyTunnel(tunnelID uint16) {
	tunnel, ok := r.tunnels.Lookup(tunnelID)
	if ok && tunnel.NextHop != nil {
		if link, ok := tunnel.NextHop.Conn.(*Link); ok {
			if envelope, err := r.wrap(tunnelID, tunnel.NextHop.HostKey, &api.OnionTunnelDestroy{TunnelID: uint32(tunnelID)}); err == nil {
				link.send(envelope)
			}
		}
	}

	r.tunnels.Remove(tunnelID)
	r.unregisterControl(tunnelID)
}

// handleTunnelDestroy is the intermediate-hop mirror of DestroyTunnel:
// triggered by peel when a TUNNEL_DESTROY envelope addressed to this relay
// arrives from upstream, it tears the local tunnel down and, if it still
// has a next hop, propagates the teardown further downstream.
func (r *Relay) handleTunnelDestroy(arrivedOn *Link, tunnelID uint16) {
	tunnel, ok := r.tunnels.Lookup(tunnelID)
	if ok && tunnel.NextHop != nil {
		if link, ok := tunnel.NextHop.Conn.(*Link); ok && link != arrivedOn {
			if envelope, err := r.wrap(tunnelID, tunnel.NextHop.HostKey, &api.OnionTunnelDestroy{TunnelID: uint32(tunnelID)}); err == nil {
				link.send(envelope)
			}
		}
	}
	r.tunnels.Remove(tunnelID)
}

// SendCover builds an ephemeral tunnel to a peer sampled at random, pushes
// coverSize bytes of random payload through it, then tears it down
// immediately. Legal only when this relay has no tunnel of its own
// currently active, since cover traffic exists to mask genuine use.
func (r *Relay) SendCover(cl *controlLink, coverSize uint16) {
	r.controlMu.Lock()
	owned := make([]uint16, 0, len(r.owners))
	for id := range r.owners {
		owned = append(owned, id)
	}
	r.controlMu.Unlock()
	for _, id := range owned {
		if tunnel, ok := r.tunnels.Lookup(id); ok && tunnel.State == hoptable.StateActive {
			level.Warn(r.logger).Log("msg", "rejecting cover traffic request", "err", ErrTunnelActive)
			r.sendError(cl, 0, api.TypeOnionCover)
			return
		}
	}

	r.activeMu.Lock()
	if r.active > 0 {
		r.activeMu.Unlock()
		level.Warn(r.logger).Log("msg", "rejecting cover traffic request", "err", ErrTunnelActive)
		r.sendError(cl, 0, api.TypeOnionCover)
		return
	}
	r.active++
	r.activeMu.Unlock()
	defer func() {
		r.activeMu.Lock()
		r.active--
		r.activeMu.Unlock()
	}()

	dest, err := r.rps.GetPeer()
	if err != nil {
		level.Warn(r.logger).Log("msg", "no peer available for cover traffic", "err", err)
		return
	}

	fakeBuild := &api.OnionTunnelBuild{
		OnionPort:   dest.Port,
		Address:     dest.Address,
		DestHostKey: cryptobox.MarshalHostKey(dest.HostKey),
	}

	tunnelID, err := r.newTunnelID()
	if err != nil {
		level.Error(r.logger).Log("msg", "failed to allocate tunnel id for cover traffic", "err", err)
		return
	}
	r.registerControl(tunnelID, cl)
	defer r.DestroyTunnel(tunnelID)

	if err := r.buildTunnelCore(tunnelID, fakeBuild); err != nil {
		level.Warn(r.logger).Log("msg", "failed to build cover tunnel", "err", err)
		return
	}

	payload := make([]byte, coverSize)
	if _, err := rand.Read(payload); err != nil {
		level.Warn(r.logger).Log("msg", "failed to fill cover payload", "err", err)
		return
	}

	if err := r.SendData(tunnelID, payload); err != nil {
		level.Warn(r.logger).Log("msg", "failed to send cover traffic", "err", err)
	}
}
