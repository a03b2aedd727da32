package onion

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"onionmod/api"
)

var (
	ErrAlreadyAwaiting = errors.New("a reply is already awaited for this tunnel on this link")
	ErrLinkClosed      = errors.New("link is closed")
)

// Link is a TCP+TLS connection to one neighbor relay, shared by every
// tunnel routed through that neighbor. Writes are serialized with writeMu,
// since forwarding on behalf of another tunnel writes to a socket it does
// not own and needs a per-connection write lock; reads are owned by the
// single goroutine running readLoop.
type Link struct {
	Address net.IP
	Port    uint16

	conn    *api.Connection
	nc      net.Conn
	writeMu sync.Mutex

	mu      sync.Mutex // guards pending and closed
	pending map[uint16]chan api.Message
	closed  bool
	quit    chan struct{}
}

// dialLink opens a new TLS connection to address:port, presenting a
// certificate derived from the local hostkey (peers don't validate it;
// identity is established by the per-hop RSA encryption layer, not TLS).
func dialLink(address net.IP, port uint16, cert tls.Certificate) (*Link, error) {
	tlsConfig := tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true, //nolint:gosec // peers use self-signed certs; identity is the hostkey fingerprint, not the TLS cert
	}

	nc, err := tls.Dial("tcp", net.JoinHostPort(address.String(), strconv.Itoa(int(port))), &tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("dialing peer %s:%d: %w", address, port, err)
	}

	return newLink(address, port, nc), nil
}

func newLink(address net.IP, port uint16, nc net.Conn) *Link {
	return &Link{
		Address: address,
		Port:    port,
		conn:    api.NewConnection(nc),
		nc:      nc,
		pending: make(map[uint16]chan api.Message),
		quit:    make(chan struct{}),
	}
}

// send writes one message to the underlying socket under the write lock.
func (l *Link) send(msg api.Message) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.Send(msg)
}

// awaitReply registers a one-shot channel that readLoop delivers the next
// API_DATA-peeled message for tunnelID to. Only one wait may be outstanding
// per tunnel on a link at a time: no step of a tunnel's construction ever
// overlaps another step of the same tunnel.
func (l *Link) awaitReply(tunnelID uint16) (chan api.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrLinkClosed
	}
	if _, ok := l.pending[tunnelID]; ok {
		return nil, ErrAlreadyAwaiting
	}

	ch := make(chan api.Message, 1)
	l.pending[tunnelID] = ch
	return ch, nil
}

func (l *Link) cancelReply(tunnelID uint16) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, tunnelID)
}

// deliver routes an already-peeled inner message to whatever goroutine is
// awaiting it on tunnelID. Returns false if nothing is waiting, leaving the
// message to the caller.
func (l *Link) deliver(tunnelID uint16, msg api.Message) bool {
	l.mu.Lock()
	ch, ok := l.pending[tunnelID]
	if ok {
		delete(l.pending, tunnelID)
	}
	l.mu.Unlock()

	if !ok {
		return false
	}
	ch <- msg
	return true
}

// Close shuts down the link's socket and fails every outstanding wait.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	for id, ch := range l.pending {
		close(ch)
		delete(l.pending, id)
	}
	close(l.quit)
	l.mu.Unlock()

	return l.nc.Close()
}
