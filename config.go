package p2p

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultTopic is the single broadcast channel every node joins.
	DefaultTopic = "Comm"

	// RouterGossipSub selects the mesh based gossipsub router with flood publishing.
	RouterGossipSub = "gossipsub"
	// RouterFloodSub selects the plain flooding router.
	RouterFloodSub = "floodsub"

	// OutboundQueueCapacity is the depth of the broadcast queue between the shell and the loop.
	OutboundQueueCapacity = 1
)

// Config defines the configuration parameters for a broadcast node.
type Config struct {
	ProcessName        string        `yaml:"process_name" validate:"required"`                    // Identifier for this node in logs
	ListenAddresses    []string      `yaml:"listen_addresses" validate:"required,min=1,dive,ip"`  // IPs to bind; both families for dual stack
	Port               int           `yaml:"port" validate:"gte=0,lte=65535"`                     // 0 picks an ephemeral port
	EnableQUIC         bool          `yaml:"enable_quic"`                                         // Also listen on /udp/<port>/quic-v1
	AdvertiseAddresses []string      `yaml:"advertise_addresses"`                                 // host[:port] entries announced instead of bound addrs
	PublicAddrsOnly    bool          `yaml:"public_addrs_only"`                                   // Strip private and loopback addrs from what the host announces
	PrivateKey         string        `yaml:"private_key" validate:"omitempty,hexadecimal"`        // Hex Ed25519 key; empty means a fresh identity
	SharedKey          string        `yaml:"shared_key" validate:"omitempty,len=64,hexadecimal"` // Pre-shared key for a private network
	Topic              string        `yaml:"topic" validate:"required"`
	Router             string        `yaml:"router" validate:"oneof=gossipsub floodsub"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval" validate:"gt=0"`
	DedupWindow        time.Duration `yaml:"dedup_window" validate:"gte=1s"`
	DedupCacheSize     int           `yaml:"dedup_cache_size" validate:"gt=0"`
	MaxMessageSize     int           `yaml:"max_message_size" validate:"gt=0"`
	IdleConnTimeout    time.Duration `yaml:"idle_conn_timeout" validate:"gt=0"`
	DialTimeout        time.Duration `yaml:"dial_timeout" validate:"gt=0"`
	EventBufferSize    int           `yaml:"event_buffer_size" validate:"gt=0"`
	// Discovery
	StaticPeers        []string `yaml:"static_peers"`
	EnableMDNS         bool     `yaml:"enable_mdns"`
	MDNSServiceName    string   `yaml:"mdns_service_name" validate:"required_if=EnableMDNS true"`
	BootstrapAddresses []string `yaml:"bootstrap_addresses"`
	DHTProtocolID      string   `yaml:"dht_protocol_id" validate:"required_with=BootstrapAddresses"`
	Advertise          bool     `yaml:"advertise"`
	DiscoveryDialRate  float64  `yaml:"discovery_dial_rate" validate:"gt=0"`
	DiscoveryDialBurst int      `yaml:"discovery_dial_burst" validate:"gt=0"`
	// Connection management
	EnableConnManager bool          `yaml:"enable_conn_manager"`
	ConnLowWater      int           `yaml:"conn_low_water" validate:"gte=0"`
	ConnHighWater     int           `yaml:"conn_high_water" validate:"gtefield=ConnLowWater"`
	ConnGracePeriod   time.Duration `yaml:"conn_grace_period"`
	EnableConnGater   bool          `yaml:"enable_conn_gater"`
	MaxConnsPerPeer   int           `yaml:"max_conns_per_peer" validate:"gte=0"`
	BlockedSubnets    []string      `yaml:"blocked_subnets" validate:"dive,cidr"` // Refuse sessions from and to these ranges
	// Observability
	MetricsAddress string `yaml:"metrics_address" validate:"omitempty,hostname_port"` // Serve /metrics here when set
}

// DefaultConfig returns a configuration that listens on all interfaces of both
// address families with an ephemeral port.
func DefaultConfig() Config {
	return Config{
		ProcessName:        "commnode",
		ListenAddresses:    []string{"0.0.0.0", "::"},
		Port:               0,
		EnableQUIC:         true,
		Topic:              DefaultTopic,
		Router:             RouterGossipSub,
		HeartbeatInterval:  5 * time.Second,
		DedupWindow:        60 * time.Second,
		DedupCacheSize:     4096,
		MaxMessageSize:     1 << 20,
		IdleConnTimeout:    60 * time.Second,
		DialTimeout:        15 * time.Second,
		EventBufferSize:    64,
		MDNSServiceName:    "commlink-mdns",
		DiscoveryDialRate:  2,
		DiscoveryDialBurst: 8,
		ConnLowWater:       50,
		ConnHighWater:      100,
		ConnGracePeriod:    60 * time.Second,
		MaxConnsPerPeer:    3,
	}
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration and returns a readable list of violations.
func (c Config) Validate() error {
	err := configValidator.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("[Config] validation error: %w", err)
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}

	return fmt.Errorf("[Config] invalid configuration: %s", strings.Join(msgs, "; "))
}

// LoadConfig reads a YAML file layered over DefaultConfig and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path) // #nosec G304 - path comes from the operator
	if err != nil {
		return Config{}, fmt.Errorf("[Config] failed to read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("[Config] failed to parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
