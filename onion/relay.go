// Package onion implements the relay's tunnel engine: building, extending,
// peeling and tearing down onion-routed circuits over the peer API, and the
// control-plane surface the local client drives it through.
package onion

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"onionmod/api"
	"onionmod/config"
	"onionmod/cryptobox"
	"onionmod/hoptable"
	"onionmod/rpsclient"
)

var (
	ErrNoPeerSource    = errors.New("onion: no peer available from peer source")
	ErrHostkeyMismatch = errors.New("onion: final hop hostkey does not match requested destination")
	ErrUnknownTunnel   = errors.New("onion: unknown tunnel")
	ErrNotALink        = errors.New("onion: adjacent hop connection is not a peer link")
	ErrBuildTimedOut   = errors.New("onion: timed out waiting for a hop to respond")
	ErrTunnelActive    = errors.New("onion: a tunnel is already active; cover traffic is only legal while idle")
	ErrUnexpectedReply = errors.New("onion: reply did not match the request in flight")
)

// controlLink wraps one control-plane client connection. Writes are
// serialized the same way Link's writeMu serializes peer writes, since
// TUNNEL_INCOMING can be broadcast to a connection while a reply to a
// different request is also being written.
type controlLink struct {
	conn    *api.Connection
	writeMu sync.Mutex
}

func (cl *controlLink) send(msg api.Message) error {
	cl.writeMu.Lock()
	defer cl.writeMu.Unlock()
	return cl.conn.Send(msg)
}

// Relay is the process-wide onion engine: one value constructed at startup
// and threaded through both listeners, replacing what earlier shipped as
// package-level globals and a bare Router value.
type Relay struct {
	cfg    *config.Config
	logger log.Logger

	hostKey          *rsa.PrivateKey
	hostKeyBytes     []byte
	localFingerprint uint16

	tunnels *hoptable.Table
	rps     rpsclient.Client

	linksMu sync.Mutex
	links   map[string]*Link

	controlMu  sync.Mutex
	owners     map[uint16]*controlLink
	allControl map[*controlLink]struct{}

	activeMu sync.Mutex
	active   int // count of cover-traffic sends currently in flight

	quit chan struct{}
}

// New constructs a Relay from a validated Config and a connected peer
// source client.
func New(cfg *config.Config, logger log.Logger, rps rpsclient.Client) *Relay {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	hostKeyBytes := cryptobox.MarshalHostKey(&cfg.HostKey.PublicKey)
	return &Relay{
		cfg:              cfg,
		logger:           logger,
		hostKey:          cfg.HostKey,
		hostKeyBytes:     hostKeyBytes,
		localFingerprint: cryptobox.FingerprintBytes(hostKeyBytes),
		tunnels:          hoptable.New(),
		rps:              rps,
		links:            make(map[string]*Link),
		owners:           make(map[uint16]*controlLink),
		allControl:       make(map[*controlLink]struct{}),
		quit:             make(chan struct{}),
	}
}

// Shutdown closes every open peer link and stops both listeners.
func (r *Relay) Shutdown() {
	close(r.quit)

	r.linksMu.Lock()
	for key, link := range r.links {
		link.Close()
		delete(r.links, key)
	}
	r.linksMu.Unlock()
}

func addrKey(address net.IP, port uint16) string {
	return net.JoinHostPort(address.String(), fmt.Sprintf("%d", port))
}

// getOrCreateLink returns the existing Link to address:port, dialing a new
// one if none is tracked yet. One Link is shared by every tunnel routed
// through that neighbor.
func (r *Relay) getOrCreateLink(address net.IP, port uint16) (*Link, error) {
	key := addrKey(address, port)

	r.linksMu.Lock()
	if link, ok := r.links[key]; ok {
		r.linksMu.Unlock()
		return link, nil
	}
	r.linksMu.Unlock()

	cert, err := tlsCertFromHostKey(r.hostKey)
	if err != nil {
		return nil, err
	}

	link, err := dialLink(address, port, cert)
	if err != nil {
		return nil, err
	}

	r.trackLink(link)
	go r.readLoop(link)
	return link, nil
}

func (r *Relay) trackLink(link *Link) {
	r.linksMu.Lock()
	r.links[addrKey(link.Address, link.Port)] = link
	r.linksMu.Unlock()
}

func (r *Relay) dropLink(link *Link) {
	r.linksMu.Lock()
	delete(r.links, addrKey(link.Address, link.Port))
	r.linksMu.Unlock()
	link.Close()
}

// newTunnelID draws a 16-bit tunnel id not currently occupied in the hop
// table. crypto/rand is used rather than a seeded generator since tunnel
// ids double as a capability an adversary should not be able to predict.
func (r *Relay) newTunnelID() (uint16, error) {
	var buf [2]byte
	for i := 0; i < 64; i++ {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, err
		}
		id := binary.BigEndian.Uint16(buf[:])
		if id != 0 && !r.tunnels.Occupied(id) {
			return id, nil
		}
	}
	return 0, errors.New("onion: could not allocate a free tunnel id")
}

func (r *Relay) registerControl(tunnelID uint16, cl *controlLink) {
	r.controlMu.Lock()
	defer r.controlMu.Unlock()
	r.owners[tunnelID] = cl
}

func (r *Relay) unregisterControl(tunnelID uint16) {
	r.controlMu.Lock()
	defer r.controlMu.Unlock()
	delete(r.owners, tunnelID)
}

func (r *Relay) ownerOf(tunnelID uint16) (*controlLink, bool) {
	r.controlMu.Lock()
	defer r.controlMu.Unlock()
	cl, ok := r.owners[tunnelID]
	return cl, ok
}

func (r *Relay) trackControl(cl *controlLink) {
	r.controlMu.Lock()
	r.allControl[cl] = struct{}{}
	r.controlMu.Unlock()
}

func (r *Relay) untrackControl(cl *controlLink) {
	r.controlMu.Lock()
	delete(r.allControl, cl)
	for id, owner := range r.owners {
		if owner == cl {
			delete(r.owners, id)
		}
	}
	r.controlMu.Unlock()
}

// broadcastIncoming sends TUNNEL_INCOMING to every connected control
// client, as required whenever this relay becomes the terminal hop of a
// tunnel it did not itself build.
func (r *Relay) broadcastIncoming(tunnelID uint16) {
	r.controlMu.Lock()
	clients := make([]*controlLink, 0, len(r.allControl))
	for cl := range r.allControl {
		clients = append(clients, cl)
	}
	r.controlMu.Unlock()

	msg := &api.OnionTunnelIncoming{TunnelID: uint32(tunnelID)}
	for _, cl := range clients {
		if err := cl.send(msg); err != nil {
			level.Warn(r.logger).Log("msg", "failed to notify control client of incoming tunnel", "err", err)
		}
	}
}

func (r *Relay) sendError(cl *controlLink, tunnelID uint32, reqType api.Type) {
	if cl == nil {
		return
	}
	if err := cl.conn.SendError(tunnelID, reqType); err != nil {
		level.Warn(r.logger).Log("msg", "failed to deliver error to control client", "err", err)
	}
}

func (r *Relay) timeout(seconds int) time.Duration {
	if seconds <= 0 {
		seconds = 10
	}
	return time.Duration(seconds) * time.Second
}

// wrap encrypts inner under pub and returns the API_DATA envelope addressed
// to whichever relay holds the matching fingerprint.
func (r *Relay) wrap(tunnelID uint16, pub *rsa.PublicKey, inner api.Message) (*api.APIData, error) {
	buf := make([]byte, inner.PackedSize()+api.HeaderSize)
	n, err := api.PackMessage(buf, inner)
	if err != nil {
		return nil, err
	}

	ciphertext, err := cryptobox.Encrypt(buf[:n], pub)
	if err != nil {
		return nil, err
	}

	return &api.APIData{
		TunnelID:       tunnelID,
		HopFingerprint: cryptobox.FingerprintBytes(cryptobox.MarshalHostKey(pub)),
		Payload:        ciphertext,
	}, nil
}

// unwrap decrypts an API_DATA envelope addressed to this relay and parses
// its inner frame.
func (r *Relay) unwrap(env *api.APIData) (api.Message, error) {
	plaintext, err := cryptobox.Decrypt(env.Payload, r.hostKey)
	if err != nil {
		return nil, err
	}
	return api.ParseFrame(plaintext)
}

// handshake performs the plaintext greeting exchanged the moment a Link to
// a new neighbor is established: announce the local hostkey, and learn the
// neighbor's.
func (r *Relay) handshake(link *Link, tunnelID uint16) (*rsa.PublicKey, error) {
	ch, err := link.awaitReply(tunnelID)
	if err != nil {
		return nil, err
	}
	defer link.cancelReply(tunnelID)

	if err := link.send(&api.APIPing{TunnelID: tunnelID, HostKey: r.hostKeyBytes}); err != nil {
		return nil, err
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrLinkClosed
		}
		resp, ok := msg.(*api.APIPingResponse)
		if !ok {
			return nil, ErrUnexpectedReply
		}
		return cryptobox.ParseHostKey(resp.HostKey)
	case <-time.After(r.timeout(r.cfg.CreateTimeout)):
		return nil, ErrBuildTimedOut
	}
}

// requestExtend asks whoever holds fingerprint(tailKey) to extend the
// tunnel by one hop drawn from its own peer source, and returns the new
// tail's reported hostkey.
func (r *Relay) requestExtend(link *Link, tunnelID uint16, tailKey *rsa.PublicKey) (*rsa.PublicKey, error) {
	return r.request(link, tunnelID, tailKey, &api.APINextHopQuery{TunnelID: tunnelID})
}

// requestFinalize asks whoever holds fingerprint(tailKey) to connect
// directly to destAddr:destPort, completing the tunnel.
func (r *Relay) requestFinalize(link *Link, tunnelID uint16, tailKey *rsa.PublicKey, destAddr net.IP, destPort uint16, destHostKey []byte) (*rsa.PublicKey, error) {
	ipv6 := destAddr.To4() == nil
	query := &api.APIFinalHopQuery{
		TunnelID: tunnelID,
		IPv6:     ipv6,
		Port:     destPort,
		Address:  destAddr,
		HostKey:  destHostKey,
	}
	return r.request(link, tunnelID, tailKey, query)
}

func (r *Relay) request(link *Link, tunnelID uint16, tailKey *rsa.PublicKey, inner api.Message) (*rsa.PublicKey, error) {
	envelope, err := r.wrap(tunnelID, tailKey, inner)
	if err != nil {
		return nil, err
	}

	ch, err := link.awaitReply(tunnelID)
	if err != nil {
		return nil, err
	}
	defer link.cancelReply(tunnelID)

	if err := link.send(envelope); err != nil {
		return nil, err
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrLinkClosed
		}
		resp, ok := msg.(*api.APINextHopResponse)
		if !ok {
			return nil, ErrUnexpectedReply
		}
		return cryptobox.ParseHostKey(resp.HostKey)
	case <-time.After(r.timeout(r.cfg.BuildTimeout)):
		return nil, ErrBuildTimedOut
	}
}
