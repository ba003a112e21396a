// Package turnserver embeds an optional STUN/TURN server in the relay
// process so deployments without a public STUN service can still negotiate
// peer connections.
package turnserver

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"syscall"
	"time"

	"github.com/pion/turn/v4"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mikeyg42/duocall/internal/config"
)

var userPattern = regexp.MustCompile(`(\w+)=(\w+)`)

// Server wraps pion/turn with SO_REUSEPORT listeners so multiple readers
// share one UDP port and the kernel balances packets across them.
type Server struct {
	cfg     config.TURNConfig
	logger  *zap.Logger
	turn    *turn.Server
	started time.Time
}

// Stats is a point-in-time view of the server.
type Stats struct {
	ActiveAllocations int
	Uptime            time.Duration
}

// New builds and starts the TURN server.
func New(ctx context.Context, cfg config.TURNConfig, logger *zap.Logger) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger.Named("turn")}

	users, err := parseUsers(cfg.Users, cfg.Realm)
	if err != nil {
		return nil, err
	}

	relayIP := net.ParseIP(cfg.PublicIP)
	if relayIP == nil {
		return nil, fmt.Errorf("turnserver: invalid public ip %q", cfg.PublicIP)
	}
	gen := &turn.RelayAddressGeneratorPortRange{
		RelayAddress: relayIP,   // advertised to peers
		Address:      "0.0.0.0", // actually bound on every interface
		MinPort:      49152,
		MaxPort:      65535,
	}
	if err := gen.Validate(); err != nil {
		return nil, fmt.Errorf("turnserver: relay address generator: %w", err)
	}

	threads := cfg.ThreadNum
	if threads < 1 {
		threads = 1
	}
	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	lc := reusePortListenConfig()

	conns := make([]turn.PacketConnConfig, 0, threads)
	for i := 0; i < threads; i++ {
		pc, err := lc.ListenPacket(ctx, "udp4", addr)
		if err != nil {
			for _, c := range conns {
				c.PacketConn.Close()
			}
			return nil, fmt.Errorf("turnserver: listen %s: %w", addr, err)
		}
		conns = append(conns, turn.PacketConnConfig{
			PacketConn:            pc,
			RelayAddressGenerator: gen,
		})
		s.logger.Debug("listener up",
			zap.Int("index", i), zap.String("addr", pc.LocalAddr().String()))
	}

	srv, err := turn.NewServer(turn.ServerConfig{
		Realm: cfg.Realm,
		AuthHandler: func(username, realm string, srcAddr net.Addr) ([]byte, bool) {
			key, ok := users[username]
			return key, ok
		},
		PacketConnConfigs: conns,
	})
	if err != nil {
		for _, c := range conns {
			c.PacketConn.Close()
		}
		return nil, fmt.Errorf("turnserver: start: %w", err)
	}

	s.turn = srv
	s.started = time.Now()
	s.logger.Info("stun/turn server started",
		zap.Int("port", cfg.Port), zap.String("realm", cfg.Realm), zap.Int("listeners", threads))
	return s, nil
}

// URLs returns the ICE server URLs clients should be handed for this server.
func (s *Server) URLs() []string {
	host := fmt.Sprintf("%s:%d", s.cfg.PublicIP, s.cfg.Port)
	return []string{"stun:" + host, "turn:" + host}
}

// Stats reports allocation count and uptime.
func (s *Server) Stats() Stats {
	return Stats{
		ActiveAllocations: s.turn.AllocationCount(),
		Uptime:            time.Since(s.started),
	}
}

// Close shuts the server down and releases every listener.
func (s *Server) Close() error {
	if err := s.turn.Close(); err != nil {
		return fmt.Errorf("turnserver: close: %w", err)
	}
	s.logger.Info("stun/turn server stopped")
	return nil
}

// parseUsers expands "user=pass,user2=pass2" into long-term credential keys.
func parseUsers(spec, realm string) (map[string][]byte, error) {
	matches := userPattern.FindAllStringSubmatch(spec, -1)
	if len(matches) == 0 {
		return nil, fmt.Errorf("turnserver: no credentials in user spec %q", spec)
	}
	users := make(map[string][]byte, len(matches))
	for _, kv := range matches {
		users[kv[1]] = turn.GenerateAuthKey(kv[1], realm, kv[2])
	}
	return users, nil
}

// reusePortListenConfig sets SO_REUSEPORT so every listener binds the same
// port.
func reusePortListenConfig() *net.ListenConfig {
	return &net.ListenConfig{
		Control: func(network, address string, conn syscall.RawConn) error {
			var operr error
			if err := conn.Control(func(fd uintptr) {
				operr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return operr
		},
	}
}
