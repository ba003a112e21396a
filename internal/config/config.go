// Package config holds all duocall configuration.
package config

import (
	"time"

	"github.com/mikeyg42/duocall/internal/attach"
	"github.com/mikeyg42/duocall/internal/chat"
)

// Config holds configuration for both the relay process and the embedded
// client core.
type Config struct {
	Relay      RelayConfig
	Session    SessionConfig
	Media      MediaConfig
	Supervisor SupervisorConfig
	TURN       TURNConfig
	Postgres   chat.PostgresConfig
	MinIO      attach.MinIOConfig
	Identity   IdentityConfig
}

// RelayConfig configures the signaling relay server.
type RelayConfig struct {
	Addr           string
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	SendBuffer     int
	ICEServerURLs  []string
}

// SessionConfig configures the per-call state machine.
type SessionConfig struct {
	SetupTimeout   time.Duration // calling/connecting -> active
	DeclineTimeout time.Duration // unattended incoming call
	TeardownGrace  time.Duration
}

// MediaConfig configures local capture.
type MediaConfig struct {
	Width        int
	Height       int
	Framerate    int
	VideoBitRate int
	AudioBitRate int
}

// SupervisorConfig configures relay liveness monitoring during a call.
type SupervisorConfig struct {
	PingInterval      time.Duration
	PingTimeout       time.Duration
	Debounce          time.Duration
	ReconnectInterval time.Duration
	ReconnectAttempts uint64
}

// TURNConfig configures the optional embedded STUN/TURN server.
type TURNConfig struct {
	Enabled   bool
	PublicIP  string
	Port      int
	Realm     string
	Users     string // "user=pass,user2=pass2"
	ThreadNum int
}

// IdentityConfig configures bearer-credential verification.
type IdentityConfig struct {
	Secret string
}

// NewDefaultConfig returns a Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		Relay: RelayConfig{
			Addr:           "localhost:7000",
			WriteWait:      10 * time.Second,
			PongWait:       60 * time.Second,
			MaxMessageSize: 64 * 1024,
			SendBuffer:     128,
			ICEServerURLs:  []string{"stun:stun.l.google.com:19302"},
		},
		Session: SessionConfig{
			SetupTimeout:   30 * time.Second,
			DeclineTimeout: 30 * time.Second,
			TeardownGrace:  5 * time.Second,
		},
		Media: MediaConfig{
			Width:        640,
			Height:       480,
			Framerate:    25,
			VideoBitRate: 500_000,
			AudioBitRate: 32_000,
		},
		Supervisor: SupervisorConfig{
			PingInterval:      15 * time.Second,
			PingTimeout:       5 * time.Second,
			Debounce:          2 * time.Second,
			ReconnectInterval: 2 * time.Second,
			ReconnectAttempts: 5,
		},
		TURN: TURNConfig{
			Enabled:   false,
			Port:      3478,
			Realm:     "duocall",
			ThreadNum: 4,
		},
		Postgres: chat.PostgresConfig{
			MaxConnections:  10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
	}
}
