package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Registry backends for the topology service
const (
	BackendMemory = "memory"
	BackendEtcd   = "etcd"
	BackendRedis  = "redis"
)

// ServerConfig holds all configuration settings for the node, master and proxy servers
type ServerConfig struct {
	// Server settings
	Port           int           `yaml:"port"`
	Host           string        `yaml:"host"`
	MaxPayloadSize int64         `yaml:"max_payload_size"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Logging settings
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"` // Rotated with lumberjack when set

	// Storage node settings
	NodeID           string        `yaml:"node_id"`
	InstanceID       string        `yaml:"instance_id"`   // Shard this node belongs to
	AdvertiseURL     string        `yaml:"advertise_url"` // HTTP URL published to the topology service
	RaftAddr         string        `yaml:"raft_addr"`
	RaftDataDir      string        `yaml:"raft_data_dir"` // Empty keeps the raft log in memory
	Bootstrap        bool          `yaml:"bootstrap"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	ElectionTimeout  time.Duration `yaml:"election_timeout"`
	ApplyTimeout     time.Duration `yaml:"apply_timeout"`
	Dimension        int           `yaml:"dimension"` // 0 fixes the dimension on first insert

	// Topology service settings
	RegistryBackend string   `yaml:"registry_backend"`
	EtcdEndpoints   []string `yaml:"etcd_endpoints"`
	EtcdPrefix      string   `yaml:"etcd_prefix"`
	RedisAddr       string   `yaml:"redis_addr"`
	RedisPassword   string   `yaml:"redis_password"`

	// Shared by nodes (self registration) and the proxy
	TopologyURL string `yaml:"topology_url"`

	// Proxy settings
	InstanceIDs       []string      `yaml:"instance_ids"` // First entry is the default shard
	RefreshInterval   time.Duration `yaml:"refresh_interval"`
	ForwardTimeout    time.Duration `yaml:"forward_timeout"`
	ProbeNodes        bool          `yaml:"probe_nodes"`
	ReadFromFollowers bool          `yaml:"read_from_followers"`
	ProbeWorkers      int           `yaml:"probe_workers"`
}

// DefaultConfig returns a ServerConfig with default values
func DefaultConfig() *ServerConfig {
	return &ServerConfig{
		Port:             8080,
		Host:             "0.0.0.0",
		MaxPayloadSize:   5 * 1024 * 1024, // 5MB
		RequestTimeout:   10 * time.Second,
		LogLevel:         "info",
		NodeID:           "",
		InstanceID:       "instance1",
		RaftAddr:         "127.0.0.1:9090",
		Bootstrap:        false,
		HeartbeatTimeout: time.Second,
		ElectionTimeout:  time.Second,
		ApplyTimeout:     5 * time.Second,
		RegistryBackend:  BackendMemory,
		EtcdPrefix:       "/vdb/instances/",
		RefreshInterval:  30 * time.Second,
		ForwardTimeout:   20 * time.Second,
		ProbeNodes:       true,
		ProbeWorkers:     16,
	}
}

// LoadConfig loads configuration from CONFIG_FILE (if set) and then environment variables
func LoadConfig() (*ServerConfig, error) {
	config := DefaultConfig()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := config.LoadFile(path); err != nil {
			return nil, err
		}
	}

	config.applyEnv()
	return config, nil
}

// LoadFile overlays the YAML file at path onto the config
func (c *ServerConfig) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (c *ServerConfig) applyEnv() {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Port = p
		}
	}

	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Host = host
	}

	if maxSize := os.Getenv("MAX_PAYLOAD_SIZE"); maxSize != "" {
		if size, err := strconv.ParseInt(maxSize, 10, 64); err == nil {
			c.MaxPayloadSize = size
		}
	}

	envDuration("REQUEST_TIMEOUT", &c.RequestTimeout)

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	if file := os.Getenv("LOG_FILE"); file != "" {
		c.LogFile = file
	}

	if nodeID := os.Getenv("NODE_ID"); nodeID != "" {
		c.NodeID = nodeID
	}
	if instanceID := os.Getenv("INSTANCE_ID"); instanceID != "" {
		c.InstanceID = instanceID
	}
	if url := os.Getenv("ADVERTISE_URL"); url != "" {
		c.AdvertiseURL = url
	}
	if addr := os.Getenv("RAFT_ADDR"); addr != "" {
		c.RaftAddr = addr
	}
	if dir := os.Getenv("RAFT_DATA_DIR"); dir != "" {
		c.RaftDataDir = dir
	}
	if bootstrap := os.Getenv("RAFT_BOOTSTRAP"); bootstrap != "" {
		if b, err := strconv.ParseBool(bootstrap); err == nil {
			c.Bootstrap = b
		}
	}
	envDuration("HEARTBEAT_TIMEOUT", &c.HeartbeatTimeout)
	envDuration("ELECTION_TIMEOUT", &c.ElectionTimeout)
	envDuration("APPLY_TIMEOUT", &c.ApplyTimeout)
	if dim := os.Getenv("VECTOR_DIMENSION"); dim != "" {
		if d, err := strconv.Atoi(dim); err == nil {
			c.Dimension = d
		}
	}

	if backend := os.Getenv("REGISTRY_BACKEND"); backend != "" {
		c.RegistryBackend = backend
	}
	if endpoints := os.Getenv("ETCD_ENDPOINTS"); endpoints != "" {
		c.EtcdEndpoints = splitList(endpoints)
	}
	if prefix := os.Getenv("ETCD_PREFIX"); prefix != "" {
		c.EtcdPrefix = prefix
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.RedisAddr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		c.RedisPassword = password
	}

	if url := os.Getenv("TOPOLOGY_URL"); url != "" {
		c.TopologyURL = url
	}

	if ids := os.Getenv("PROXY_INSTANCE_IDS"); ids != "" {
		c.InstanceIDs = splitList(ids)
	}
	envDuration("REFRESH_INTERVAL", &c.RefreshInterval)
	envDuration("FORWARD_TIMEOUT", &c.ForwardTimeout)
	if probe := os.Getenv("PROXY_PROBE_NODES"); probe != "" {
		if b, err := strconv.ParseBool(probe); err == nil {
			c.ProbeNodes = b
		}
	}
	if follower := os.Getenv("PROXY_READ_FROM_FOLLOWERS"); follower != "" {
		if b, err := strconv.ParseBool(follower); err == nil {
			c.ReadFromFollowers = b
		}
	}
	if workers := os.Getenv("PROXY_PROBE_WORKERS"); workers != "" {
		if w, err := strconv.Atoi(workers); err == nil {
			c.ProbeWorkers = w
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Addr returns the HTTP listen address
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks settings shared by every server
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.MaxPayloadSize <= 0 {
		c.MaxPayloadSize = DefaultConfig().MaxPayloadSize
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultConfig().RequestTimeout
	}
	return nil
}

// ValidateNode checks storage node settings
func (c *ServerConfig) ValidateNode() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.NodeID == "" {
		return fmt.Errorf("NODE_ID is required")
	}
	if c.RaftAddr == "" {
		return fmt.Errorf("RAFT_ADDR is required")
	}
	if c.InstanceID == "" {
		return fmt.Errorf("INSTANCE_ID is required")
	}
	// Election timeout below the heartbeat timeout is rejected by raft
	if c.ElectionTimeout < c.HeartbeatTimeout {
		c.ElectionTimeout = c.HeartbeatTimeout
	}
	if c.AdvertiseURL == "" {
		c.AdvertiseURL = fmt.Sprintf("http://%s:%d", advertiseHost(c.Host), c.Port)
	}
	return nil
}

// ValidateMaster checks topology service settings
func (c *ServerConfig) ValidateMaster() error {
	if err := c.Validate(); err != nil {
		return err
	}
	switch c.RegistryBackend {
	case BackendMemory:
	case BackendEtcd:
		if len(c.EtcdEndpoints) == 0 {
			return fmt.Errorf("ETCD_ENDPOINTS is required for the etcd backend")
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown registry backend %q", c.RegistryBackend)
	}
	return nil
}

// ValidateProxy checks routing proxy settings
func (c *ServerConfig) ValidateProxy() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.TopologyURL == "" {
		return fmt.Errorf("TOPOLOGY_URL is required")
	}
	if len(c.InstanceIDs) == 0 {
		if c.InstanceID == "" {
			return fmt.Errorf("PROXY_INSTANCE_IDS is required")
		}
		c.InstanceIDs = []string{c.InstanceID}
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultConfig().RefreshInterval
	}
	if c.ForwardTimeout <= 0 {
		c.ForwardTimeout = DefaultConfig().ForwardTimeout
	}
	if c.ProbeWorkers <= 0 {
		c.ProbeWorkers = DefaultConfig().ProbeWorkers
	}
	return nil
}

func advertiseHost(host string) string {
	if host == "" || host == "0.0.0.0" {
		return "127.0.0.1"
	}
	return host
}
