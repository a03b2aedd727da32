package onion

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"strconv"

	"github.com/go-kit/kit/log/level"
)

// ListenPeers opens a TLS listener on hostname:port accepting connections
// from remote relays. Each accepted connection is handed to readLoop,
// which recognizes API_PING, API_DATA and their responses.
func (r *Relay) ListenPeers(hostname string, port int) error {
	cert, err := tlsCertFromHostKey(r.hostKey)
	if err != nil {
		return err
	}

	tlsConfig := tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true, //nolint:gosec // peers use self-signed certs
	}

	ln, err := tls.Listen("tcp", net.JoinHostPort(hostname, strconv.Itoa(port)), &tlsConfig)
	if err != nil {
		return err
	}

	level.Info(r.logger).Log("msg", "peer listener started", "addr", ln.Addr())

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
			level.Error(r.logger).Log("msg", "error accepting peer connection", "err", err)
			continue
		}

		host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
		if err != nil {
			level.Error(r.logger).Log("msg", "error parsing peer remote address", "err", err)
			conn.Close()
			continue
		}

		level.Debug(r.logger).Log("msg", "accepted peer connection", "peer", host)

		link := newLink(net.ParseIP(host), 0, conn)
		r.trackLink(link)
		go r.readLoop(link)
	}
}

// tlsCertFromHostKey derives a self-signed TLS certificate from the given
// RSA hostkey, usable in tls.Listen or tls.Dial. The certificate carries no
// identity guarantee of its own; the onion protocol's per-hop RSA envelope
// is what authenticates a peer, not this certificate.
func tlsCertFromHostKey(hostKey *rsa.PrivateKey) (cert tls.Certificate, err error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return cert, err
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"onion relay"},
		},
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, hostKey.Public(), hostKey)
	if err != nil {
		return cert, err
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(hostKey)
	if err != nil {
		return cert, err
	}

	certPem := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	privPem := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes})

	return tls.X509KeyPair(certPem, privPem)
}
