package config

import (
	"fmt"
	"net"
	"strings"
)

type validator struct{ errors []string }

func (v *validator) addError(format string, args ...interface{}) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}

// Validate checks the whole config and reports every problem at once rather
// than failing on the first.
func Validate(cfg *Config) error {
	v := &validator{}

	validateRelay(v, &cfg.Relay)
	validateSession(v, &cfg.Session)
	validateSupervisor(v, &cfg.Supervisor)
	validateTURN(v, &cfg.TURN)
	validateMinIO(v, cfg)

	if len(v.errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(v.errors, "\n"))
	}
	return nil
}

func validateRelay(v *validator, cfg *RelayConfig) {
	if cfg.Addr == "" {
		v.addError("relay address cannot be empty")
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
		v.addError("relay address must be host:port: %v", err)
	}
	if cfg.WriteWait <= 0 || cfg.PongWait <= 0 {
		v.addError("relay write/pong timeouts must be positive")
	}
	if cfg.MaxMessageSize <= 0 {
		v.addError("relay max message size must be positive")
	}
	if cfg.SendBuffer <= 0 {
		v.addError("relay send buffer must be positive")
	}
}

func validateSession(v *validator, cfg *SessionConfig) {
	if cfg.SetupTimeout <= 0 {
		v.addError("session setup timeout must be positive")
	}
	if cfg.DeclineTimeout <= 0 {
		v.addError("session decline timeout must be positive")
	}
}

func validateSupervisor(v *validator, cfg *SupervisorConfig) {
	if cfg.PingInterval <= 0 || cfg.PingTimeout <= 0 {
		v.addError("supervisor ping interval and timeout must be positive")
	}
	if cfg.ReconnectInterval <= 0 {
		v.addError("supervisor reconnect interval must be positive")
	}
	if cfg.ReconnectAttempts == 0 {
		v.addError("supervisor must allow at least one reconnect attempt")
	}
}

func validateTURN(v *validator, cfg *TURNConfig) {
	if !cfg.Enabled {
		return
	}
	if net.ParseIP(cfg.PublicIP) == nil {
		v.addError("turn public ip %q is not a valid IP", cfg.PublicIP)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		v.addError("turn port %d out of range", cfg.Port)
	}
	if strings.TrimSpace(cfg.Users) == "" {
		v.addError("turn requires at least one user=pass credential")
	}
	if cfg.Realm == "" {
		v.addError("turn realm cannot be empty")
	}
}

func validateMinIO(v *validator, cfg *Config) {
	m := &cfg.MinIO
	if m.Endpoint == "" {
		return // attachments disabled
	}
	if m.AccessKeyID == "" || m.SecretAccessKey == "" {
		v.addError("minio credentials required when an endpoint is set")
	}
	if m.Bucket == "" {
		v.addError("minio bucket cannot be empty")
	}
}
