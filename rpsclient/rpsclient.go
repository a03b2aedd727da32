// Package rpsclient is the relay's peer source client: New opens one TCP
// connection to the external random-peer-sampling service, and every
// GetPeer call reuses it to send RPS_QUERY and parse the RPS_PEER reply.
// A dropped connection is not re-established.
package rpsclient

import (
	"bufio"
	"crypto/rsa"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"onionmod/api"
	"onionmod/cryptobox"
)

var ErrNoOnionPort = errors.New("rpsclient: peer has no onion port advertised")

// Peer is one candidate relay returned by the peer source.
type Peer struct {
	Address net.IP
	Port    uint16
	HostKey *rsa.PublicKey
}

// Client queries the peer source for random candidate peers.
type Client interface {
	GetPeer() (*Peer, error)
	Close() error
}

type client struct {
	logger  log.Logger
	address string
	timeout time.Duration

	mu     sync.Mutex // serializes request/response exchanges on nc
	msgBuf [api.MaxSize]byte
	nc     net.Conn
	rd     *bufio.Reader
}

// New dials the peer source at address and returns a ready Client.
func New(logger log.Logger, address string, timeout time.Duration) (Client, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	c := &client{
		logger:  logger,
		address: address,
		timeout: timeout,
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *client) connect() (err error) {
	c.nc, err = net.Dial("tcp", c.address)
	if err != nil {
		return err
	}
	c.rd = bufio.NewReader(c.nc)
	return nil
}

func (c *client) Close() error {
	return c.nc.Close()
}

// GetPeer requests a single random peer from the peer source.
func (c *client) GetPeer() (peer *Peer, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data := c.msgBuf[:]
	n, err := api.PackMessage(data, &api.RPSQuery{})
	if err != nil {
		return nil, err
	}

	if err = c.nc.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, err
	}
	if _, err = c.nc.Write(data[:n]); err != nil {
		return nil, err
	}

	if err = c.nc.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, err
	}

	var hdr api.Header
	if err = hdr.Read(c.rd); err != nil || hdr.Type != api.TypeRPSPeer {
		level.Warn(c.logger).Log("msg", "invalid or no message received from peer source", "err", err)
		return nil, api.ErrInvalidMessage
	}

	body := c.msgBuf[:hdr.Size-api.HeaderSize]
	if _, err = io.ReadFull(c.rd, body); err != nil {
		level.Warn(c.logger).Log("msg", "error reading peer source reply body", "err", err)
		return nil, err
	}

	var reply api.RPSPeer
	if err = reply.Parse(body); err != nil {
		level.Warn(c.logger).Log("msg", "error parsing peer source reply", "err", err)
		return nil, err
	}

	port := reply.PortMap.Get(api.AppTypeOnion)
	if port == 0 {
		return nil, ErrNoOnionPort
	}

	hostKey, err := cryptobox.ParseHostKey(reply.DestHostKey)
	if err != nil {
		level.Warn(c.logger).Log("msg", "peer source returned invalid hostkey", "err", err)
		return nil, err
	}

	return &Peer{Address: reply.Address, Port: port, HostKey: hostKey}, nil
}
