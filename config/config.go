package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gitdht/gitrepo"
	"gitdht/oid"

	"github.com/BurntSushi/toml"

	log "github.com/sirupsen/logrus"
)

const DefaultPort = 39148

var ErrConfigInvalid = errors.New("invalid configuration")

// Duration is a time.Duration written as "15m" in the config file.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type Repo struct {
	Path     string   `toml:"path"`
	Branches []string `toml:"branches"` // Glob patterns matched against the full or short branch name
}

// Config represents the configuration of a git-dht node
type Config struct {
	// Default config file location
	configFile string

	Node struct {
		ID        oid.Oid `toml:"id"`
		Listen    string  `toml:"listen"`
		Advertise string  `toml:"advertise"` // Address recorded for ourselves, defaults to the listen address
		LogLevel  string  `toml:"log_level"`
	} `toml:"node"`

	Bootstrap struct {
		Service       string   `toml:"service"` // DNS SRV name of the bootstrap nodes
		Peers         []string `toml:"peers"`
		RetryMax      Duration `toml:"retry_max"`
		CheckInterval Duration `toml:"check_interval"`
	} `toml:"bootstrap"`

	Discovery struct {
		Multicast bool     `toml:"multicast"`
		Group     string   `toml:"group"`
		Interval  Duration `toml:"interval"`
	} `toml:"discovery"`

	DHT struct {
		K               int      `toml:"k"`
		Alpha           int      `toml:"alpha"`
		RPCTimeout      Duration `toml:"rpc_timeout"`
		RPCRetries      int      `toml:"rpc_retries"`
		LookupTimeout   Duration `toml:"lookup_timeout"`
		RateLimit       int      `toml:"rate_limit"`
		StorageCapacity int      `toml:"storage_capacity"`
		MaxPeersPerKey  int      `toml:"max_peers_per_key"`
		ExpiryInterval  Duration `toml:"expiry_interval"`
		RefreshInterval Duration `toml:"refresh_interval"`
	} `toml:"dht"`

	Announce struct {
		TTL          Duration `toml:"ttl"`
		Interval     Duration `toml:"interval"`
		PollInterval Duration `toml:"poll_interval"`
		HistoryDepth int      `toml:"history_depth"`
	} `toml:"announce"`

	DataStore struct {
		Contacts     string   `toml:"contacts"`
		SaveInterval Duration `toml:"save_interval"`
	} `toml:"datastore"`

	Status struct {
		Listen string `toml:"listen"`
	} `toml:"status"`

	Repos map[string]*Repo `toml:"repos"`
}

// NewEmptyConfig generates a new configuration with default settings
func NewEmptyConfig(configFile string) *Config {
	cfg := &Config{}

	cfg.configFile = configFile

	cfg.Node.Listen = fmt.Sprintf(":%d", DefaultPort)
	cfg.Node.LogLevel = "info"

	cfg.Bootstrap.Service = "_bootstrap._udp.git-dht.com"
	cfg.Bootstrap.RetryMax = Duration{5 * time.Minute}
	cfg.Bootstrap.CheckInterval = Duration{time.Minute}

	cfg.Discovery.Multicast = false
	cfg.Discovery.Group = "239.192.152.143:39149"
	cfg.Discovery.Interval = Duration{30 * time.Second}

	cfg.DHT.K = 20
	cfg.DHT.Alpha = 3
	cfg.DHT.RPCTimeout = Duration{2 * time.Second}
	cfg.DHT.RPCRetries = 2
	cfg.DHT.LookupTimeout = Duration{30 * time.Second}
	cfg.DHT.StorageCapacity = 100000
	cfg.DHT.MaxPeersPerKey = 100
	cfg.DHT.ExpiryInterval = Duration{time.Minute}
	cfg.DHT.RefreshInterval = Duration{15 * time.Minute}

	cfg.Announce.TTL = Duration{30 * time.Minute}
	cfg.Announce.Interval = Duration{15 * time.Minute}
	cfg.Announce.PollInterval = Duration{time.Minute}
	cfg.Announce.HistoryDepth = 16

	cfg.DataStore.Contacts = "/tmp/git-dht/contacts"
	cfg.DataStore.SaveInterval = Duration{5 * time.Minute}

	cfg.Repos = make(map[string]*Repo)

	return cfg
}

func NewConfigFromFile(configFile string) (*Config, error) {
	cfg := NewEmptyConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the file the configuration is loaded from and saved to.
func (c *Config) Path() string {
	return c.configFile
}

// Save saves the configuration to a file
func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	buf := new(bytes.Buffer)
	if err := toml.NewEncoder(buf).Encode(c); err != nil {
		return err
	}
	return os.WriteFile(c.configFile, buf.Bytes(), 0644)
}

func (c *Config) Load() error {
	log.Infof("Loading config from %s", c.configFile)
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}

	md, err := toml.Decode(string(data), c)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	for _, key := range md.Undecoded() {
		log.Warnf("Unknown config key %s", key)
	}

	// Repos without a branch list track master
	for _, r := range c.Repos {
		if len(r.Branches) == 0 {
			r.Branches = []string{"master"}
		}
	}

	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfigInvalid, fmt.Sprintf(format, args...))
}

func checkHostPort(name, value string, allowEmpty bool) error {
	if value == "" {
		if allowEmpty {
			return nil
		}
		return invalid("%s is not set", name)
	}
	_, port, err := net.SplitHostPort(value)
	if err != nil {
		return invalid("%s: %v", name, err)
	}
	if p, err := strconv.ParseUint(port, 10, 16); err != nil || p == 0 {
		return invalid("%s: bad port %q", name, port)
	}
	return nil
}

// Validate checks the values Load can not check by itself.
func (c *Config) Validate() error {
	if err := checkHostPort("node.listen", c.Node.Listen, false); err != nil {
		return err
	}
	if err := checkHostPort("node.advertise", c.Node.Advertise, true); err != nil {
		return err
	}
	if err := checkHostPort("status.listen", c.Status.Listen, true); err != nil {
		return err
	}
	if c.Discovery.Multicast {
		if err := checkHostPort("discovery.group", c.Discovery.Group, false); err != nil {
			return err
		}
	}
	for _, p := range c.Bootstrap.Peers {
		if err := checkHostPort("bootstrap.peers", p, false); err != nil {
			return err
		}
	}
	if c.Node.LogLevel != "" {
		if _, err := log.ParseLevel(c.Node.LogLevel); err != nil {
			return invalid("node.log_level: %v", err)
		}
	}

	positive := map[string]Duration{
		"bootstrap.retry_max":      c.Bootstrap.RetryMax,
		"bootstrap.check_interval": c.Bootstrap.CheckInterval,
		"dht.rpc_timeout":          c.DHT.RPCTimeout,
		"dht.lookup_timeout":       c.DHT.LookupTimeout,
		"dht.expiry_interval":      c.DHT.ExpiryInterval,
		"dht.refresh_interval":     c.DHT.RefreshInterval,
		"announce.ttl":             c.Announce.TTL,
		"announce.interval":        c.Announce.Interval,
		"announce.poll_interval":   c.Announce.PollInterval,
		"datastore.save_interval":  c.DataStore.SaveInterval,
	}
	if c.Discovery.Multicast {
		positive["discovery.interval"] = c.Discovery.Interval
	}
	for name, d := range positive {
		if d.Duration <= 0 {
			return invalid("%s must be positive", name)
		}
	}

	if c.Announce.Interval.Duration >= c.Announce.TTL.Duration {
		return invalid("announce.interval (%v) must be shorter than announce.ttl (%v)", c.Announce.Interval, c.Announce.TTL)
	}
	if c.DHT.K <= 0 || c.DHT.Alpha <= 0 {
		return invalid("dht.k and dht.alpha must be positive")
	}
	if c.DHT.RPCRetries < 0 || c.DHT.RateLimit < 0 || c.Announce.HistoryDepth < 0 {
		return invalid("negative counts are not allowed")
	}

	for name, r := range c.Repos {
		if r == nil || r.Path == "" {
			return invalid("repos.%s: path is not set", name)
		}
		if err := gitrepo.ValidatePatterns(r.Branches); err != nil {
			return invalid("repos.%s: %v", name, err)
		}
	}

	return nil
}
