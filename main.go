// Command onionrelay runs one relay process: it builds, extends and tears
// down onion-routed tunnels on behalf of a local control client, and serves
// as an intermediate or terminal hop for tunnels other relays build.
package main

import (
	"flag"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"onionmod/config"
	"onionmod/onion"
	"onionmod/rpsclient"
)

func main() {
	var (
		configFilePath string
		hostname       string
		port           int
		apiPort        int
		hostKeyFile    string
		minHops        int
		rpsAddress     string
		verbose        bool
	)

	flag.StringVar(&configFilePath, "config", "", "path to an optional INI config file")
	flag.StringVar(&hostname, "hostname", "", "hostname or address this relay's peer and control listeners bind to")
	flag.IntVar(&port, "port", 0, "port the peer listener binds to")
	flag.IntVar(&apiPort, "api-port", 0, "port the control listener binds to")
	flag.StringVar(&hostKeyFile, "hostkey", "", "path to this relay's PEM-encoded RSA host key")
	flag.IntVar(&minHops, "minimum-hops", 0, "minimum number of intermediate hops (not counting the destination) a built tunnel must have")
	flag.StringVar(&rpsAddress, "rps-address", "", "address of the random peer sampling service")
	flag.BoolVar(&verbose, "verbose", false, "enable debug-level logging")
	flag.Parse()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	if verbose {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	cfg := config.Default()
	if configFilePath != "" {
		if err := cfg.FromFile(configFilePath); err != nil {
			stdlog.Fatalf("error loading config file: %v", err)
		}
	}

	// flags win over whatever the config file set: every flag given a
	// non-zero value is applied after FromFile has run.
	if hostname != "" {
		cfg.Hostname = hostname
	}
	if port != 0 {
		cfg.Port = port
	}
	if apiPort != 0 {
		cfg.APIPort = apiPort
	}
	if hostKeyFile != "" {
		cfg.HostKeyFile = hostKeyFile
	}
	if minHops != 0 {
		cfg.MinHops = minHops
	}
	if rpsAddress != "" {
		cfg.RPSAddress = rpsAddress
	}
	cfg.Verbose = verbose

	if err := cfg.LoadHostKey(); err != nil {
		stdlog.Fatalf("error loading host key: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		stdlog.Fatalf("invalid configuration: %v", err)
	}

	quit := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		level.Info(logger).Log("msg", "received signal, shutting down", "signal", sig)
		close(quit)
	}()

	rps, err := rpsclient.New(log.With(logger, "component", "rpsclient"), cfg.RPSAddress, time.Duration(cfg.APITimeout)*time.Second)
	if err != nil {
		stdlog.Fatalf("error connecting to peer source: %v", err)
	}

	relay := onion.New(&cfg, log.With(logger, "component", "onion"), rps)

	errPeer := make(chan error, 1)
	go func() {
		if err := relay.ListenPeers(cfg.Hostname, cfg.Port); err != nil {
			errPeer <- err
		}
	}()

	errControl := make(chan error, 1)
	go func() {
		if err := relay.ListenControl(cfg.Hostname, cfg.APIPort); err != nil {
			errControl <- err
		}
	}()

	select {
	case err := <-errPeer:
		relay.Shutdown()
		stdlog.Fatalf("error listening on peer socket: %v", err)
	case err := <-errControl:
		relay.Shutdown()
		stdlog.Fatalf("error listening on control socket: %v", err)
	case <-quit:
		relay.Shutdown()
		fmt.Fprintln(os.Stderr, "shut down cleanly")
	}
}
