package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"
)

const (
	envPrefix = "SIGNALING_"

	defaultSTUNServer = "stun:stun.l.google.com:19302"
)

var (
	ErrInvalidICEServer = errors.New("invalid ice server")
	ErrEnvOverride      = errors.New("cannot apply environment override")
)

type Config struct {
	APIListenAddr string
	WSListenAddr  string
	LogLevel      string

	AllowedOrigins []string

	STUNServers    []string
	TURNServers    []string
	TURNUsername   string
	TURNCredential string

	HeartbeatInterval time.Duration
	PingInterval      time.Duration
	PongWait          time.Duration
	WriteTimeout      time.Duration
	SendTimeout       time.Duration
	SendQueueSize     int
	MaxMessageSize    int64
	MessageRate       float64
	MessageBurst      int
}

// Bind registers all flags on fs with their defaults.
func (c *Config) Bind(fs *pflag.FlagSet) {
	fs.StringVarP(&c.APIListenAddr, "api-listen-addr", "a", ":8080", "api listen address")
	fs.StringVarP(&c.WSListenAddr, "ws-listen-addr", "w", ":8888", "websocket signaling listen address")
	fs.StringVarP(&c.LogLevel, "log-level", "l", "info", "log level")

	fs.StringSliceVar(&c.AllowedOrigins, "allowed-origins", []string{"*"}, "allowed origins for CORS and websocket upgrades")

	fs.StringSliceVar(&c.STUNServers, "stun-servers", []string{defaultSTUNServer}, "STUN server urls handed to clients")
	fs.StringSliceVar(&c.TURNServers, "turn-servers", nil, "TURN server urls handed to clients")
	fs.StringVar(&c.TURNUsername, "turn-username", "", "TURN username")
	fs.StringVar(&c.TURNCredential, "turn-credential", "", "TURN credential")

	fs.DurationVar(&c.HeartbeatInterval, "heartbeat-interval", 30*time.Second,
		"interval of application level pings sent to clients, 0 disables")
	fs.DurationVar(&c.PingInterval, "ws-ping-interval", 5*time.Second, "websocket ping interval")
	fs.DurationVar(&c.PongWait, "ws-pong-wait", 7*time.Second, "how long to wait for websocket pong")
	fs.DurationVar(&c.WriteTimeout, "write-timeout", 5*time.Second, "websocket write deadline")
	fs.DurationVar(&c.SendTimeout, "send-timeout", time.Second,
		"how long relay waits for a slow client before treating it as dead")
	fs.IntVar(&c.SendQueueSize, "send-queue-size", 64, "per client outgoing message queue size")
	fs.Int64Var(&c.MaxMessageSize, "max-message-size", 64*1024, "maximum inbound message size in bytes")
	fs.Float64Var(&c.MessageRate, "message-rate", 50, "inbound messages per second per client, 0 disables limiting")
	fs.IntVar(&c.MessageBurst, "message-burst", 100, "inbound message burst per client")
}

// EnvName returns environment variable that overrides flag.
func EnvName(flag string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// ApplyEnv sets flags that were not given on command line from environment.
func ApplyEnv(fs *pflag.FlagSet, lookup func(string) (string, bool)) error {
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		val, ok := lookup(EnvName(f.Name))
		if !ok {
			return
		}
		if err := fs.Set(f.Name, val); err != nil {
			errs = append(errs, fmt.Errorf("%w %s: %w", ErrEnvOverride, EnvName(f.Name), err))
		}
	})
	return errors.Join(errs...)
}

// ICEServers builds and validates the rendezvous server list handed to clients,
// one entry per configured url.
func (c *Config) ICEServers() ([]webrtc.ICEServer, error) {
	stunList := trimEmpty(c.STUNServers)
	turnList := trimEmpty(c.TURNServers)

	servers := make([]webrtc.ICEServer, 0, len(stunList)+len(turnList))
	for _, u := range stunList {
		server := webrtc.ICEServer{URLs: []string{u}}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("stun-servers: %w", err)
		}
		servers = append(servers, server)
	}

	for _, u := range turnList {
		server := webrtc.ICEServer{
			URLs:       []string{u},
			Username:   strings.TrimSpace(c.TURNUsername),
			Credential: strings.TrimSpace(c.TURNCredential),
		}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("turn-servers: %w", err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

func trimEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func validateICEServer(server webrtc.ICEServer) error {
	for _, raw := range server.URLs {
		uri, err := stun.ParseURI(raw)
		if err != nil {
			return errors.Join(ErrInvalidICEServer, fmt.Errorf("%q: %w", raw, err))
		}
		if uri.Scheme != stun.SchemeTypeTURN && uri.Scheme != stun.SchemeTypeTURNS {
			continue
		}
		if server.Username == "" {
			return fmt.Errorf("%w: %q requires username", ErrInvalidICEServer, raw)
		}
		if cred, ok := server.Credential.(string); !ok || cred == "" {
			return fmt.Errorf("%w: %q requires credential", ErrInvalidICEServer, raw)
		}
	}
	return nil
}
