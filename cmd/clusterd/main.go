// Command clusterd runs one membership node with an HTTP introspection API,
// modeled on the teacher's cmd/server/main.go: flag-parsed configuration,
// gin router, and a signal-driven graceful shutdown that announces Leave
// before the process exits.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/nimbus-cluster/membership"
	"github.com/nimbus-cluster/membership/internal/httpapi"
	"github.com/nimbus-cluster/membership/internal/seedstore"
	"github.com/nimbus-cluster/membership/keyring"
	nettransport "github.com/nimbus-cluster/membership/transport/net"
)

func main() {
	bindAddr := flag.String("bind", "0.0.0.0", "address to bind the gossip transport to")
	bindPort := flag.Int("port", 7946, "port to bind the gossip transport to")
	nodeId := flag.String("node-id", "", "this node's identity; a random id is used if empty")
	dataDir := flag.String("data-dir", "./data", "directory for the seed cache")
	httpAddr := flag.String("http-addr", ":8080", "address for the introspection HTTP/WebSocket API")
	seeds := flag.String("seeds", "", "comma-separated host:port seed addresses to join through")
	encryptKey := flag.String("encrypt-key", "", "base64-agnostic raw key bytes for cluster traffic encryption (16/24/32 bytes); empty disables encryption")
	label := flag.String("label", "", "gossip traffic label, to keep multiple clusters off each other's wire")
	wan := flag.Bool("wan", false, "use wide-area timing defaults instead of LAN defaults")
	flag.Parse()

	logger := logrus.StandardLogger()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg := membership.DefaultLANConfig()
	if *wan {
		cfg = membership.DefaultWANConfig()
	}
	cfg.Logger = logger
	cfg.Label = *label
	if *nodeId != "" {
		cfg.Id = membership.Id(*nodeId)
	}
	cfg.BindAddr = membership.Address{Host: *bindAddr, Port: uint16(*bindPort)}

	if *encryptKey != "" {
		kr, err := keyring.New(keyring.Key(*encryptKey))
		if err != nil {
			log.Fatalf("clusterd: invalid encrypt-key: %v", err)
		}
		cfg.Keyring = kr
		cfg.EnableCompression = true
	}

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		log.Fatalf("clusterd: create data dir: %v", err)
	}
	seedDB, err := seedstore.Open(filepath.Join(*dataDir, "seeds"), logger)
	if err != nil {
		log.Fatalf("clusterd: open seed store: %v", err)
	}
	defer seedDB.Close()

	tr, err := nettransport.NewTransport(nettransport.Config{
		BindAddr: *bindAddr,
		BindPort: *bindPort,
	})
	if err != nil {
		log.Fatalf("clusterd: start transport: %v", err)
	}

	m, err := membership.Create(cfg, tr)
	if err != nil {
		log.Fatalf("clusterd: create membership: %v", err)
	}

	joinAddrs := parseSeeds(*seeds)
	if stored, err := seedDB.All(); err != nil {
		logger.WithError(err).Warn("clusterd: could not load stored seeds")
	} else {
		for _, s := range stored {
			addr, err := parseHostPort(s.Addr)
			if err != nil {
				continue
			}
			joinAddrs = append(joinAddrs, addr)
		}
	}

	n, err := m.Join(joinAddrs)
	if err != nil {
		logger.WithError(err).Warn("clusterd: join failed, running as a single-node cluster")
		_, _ = m.Join(nil)
	} else {
		logger.WithField("contacted", n).Info("clusterd: joined cluster")
	}

	for _, rec := range m.Members() {
		_ = seedDB.Put(seedstore.Seed{Id: string(rec.Id), Addr: rec.Addr.String(), LastSeen: time.Now().Unix()})
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Next()
	})
	httpapi.NewHandler(m).Register(router)
	router.GET("/", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"node":    string(m.Local().Id),
			"api":     "/api/v1",
			"ws":      "/ws",
			"members": "/api/v1/members",
		})
	})

	go func() {
		logger.WithField("addr", *httpAddr).Info("clusterd: http api listening")
		if err := router.Run(*httpAddr); err != nil {
			logger.WithError(err).Fatal("clusterd: http server exited")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("clusterd: shutdown signal received, announcing leave")
	if err := m.Leave(3 * time.Second); err != nil {
		logger.WithError(err).Warn("clusterd: leave announcement failed")
	}
	if err := m.Shutdown(); err != nil {
		logger.WithError(err).Warn("clusterd: shutdown error")
	}
	logger.Info("clusterd: shutdown complete")
}

func parseSeeds(raw string) []membership.Address {
	var out []membership.Address
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		addr, err := parseHostPort(s)
		if err != nil {
			fmt.Fprintf(os.Stderr, "clusterd: skipping invalid seed %q: %v\n", s, err)
			continue
		}
		out = append(out, addr)
	}
	return out
}

func parseHostPort(s string) (membership.Address, error) {
	idx := strings.LastIndexByte(s, ':')
	if idx < 0 {
		return membership.Address{}, fmt.Errorf("missing port in %q", s)
	}
	port, err := strconv.ParseUint(s[idx+1:], 10, 16)
	if err != nil {
		return membership.Address{}, fmt.Errorf("invalid port in %q: %w", s, err)
	}
	return membership.Address{Host: s[:idx], Port: uint16(port)}, nil
}
