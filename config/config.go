// Package config manages the dnsgate configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/semihalev/zlog/v2"
)

const configver = "1.0.0"

// Config type
type Config struct {
	Version string

	Bind    string
	BindTLS string
	BindDOH string

	TLSCertificate string
	TLSPrivateKey  string

	// API is the address of the metrics/status HTTP listener, blank
	// disables it.
	API string

	LogLevel string

	AccessList      []string
	ClientRateLimit int

	Policy             string
	ServFailOnNoPolicy bool
	ServeStale         bool
	DynBlockAction     string

	CacheSize     int
	CacheMaxTTL   uint32
	CacheMinTTL   uint32
	CacheStaleTTL uint32

	UDPTimeout Duration
	TCPTimeout Duration

	Servers []Server `toml:"servers"`
	Pools   []Pool   `toml:"pools"`
	Rules   []Rule   `toml:"rules"`

	sVersion string
}

// Server describes one downstream resolver.
type Server struct {
	Name    string
	Address string
	Source  string
	Sockets int

	QPS   int
	Burst int

	Weight int
	Order  int
	Pools  []string

	MaxOutstanding int

	CheckName        string
	CheckType        string
	CheckInterval    Duration
	CheckTimeout     Duration
	MaxCheckFailures int
	MinRiseSuccesses int
	MustResolve      bool
	ReconnectOnUp    bool

	UseECS bool
}

// Pool describes one named server pool.
type Pool struct {
	Name      string
	Policy    string
	CacheSize int
	UseECS    bool
}

// Rule seeds one entry of the query rule chain. All present match fields
// must hold for the rule to fire.
type Rule struct {
	Name string

	QType       string
	Suffixes    []string
	Netmasks    []string
	MaxQPS      int
	Probability float64

	Action string
	Value  []string
}

// ServerVersion return current server version
func (c *Config) ServerVersion() string {
	return c.sVersion
}

// Duration type
type Duration struct {
	time.Duration
}

// UnmarshalText for duration type
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

var defaultConfig = `
# Config version, config and build versions can be different.
version = "%s"

# Address to bind to for the DNS server
bind = ":53"

# Address to bind to for the DNS-over-TLS server
# bindtls = ":853"

# Address to bind to for the DNS-over-HTTPS server
# binddoh = ":8053"

# TLS certificate file
# tlscertificate = "server.crt"

# TLS private key file
# tlsprivatekey = "server.key"

# Address to bind to for the metrics/status http server, left blank for disabled
api = "127.0.0.1:8083"

# What kind of information should be logged, Log verbosity level [error, warn, info, debug]
loglevel = "info"

# Client networks allowed to query, empty list allows everyone
accesslist = [
"0.0.0.0/0",
"::0/0"
]

# Maximum queries per second per client ip, 0 for disabled
clientratelimit = 0

# Server selection policy [leastOutstanding, firstAvailable, roundRobin, whashed, wrandom, chashed, random]
policy = "leastOutstanding"

# Answer SERVFAIL instead of dropping when no server can be selected
servfailonnopolicy = true

# Serve expired cache entries when every server of a pool is down
servestale = false

# Action applied on dynamic block hits [Drop, Nxdomain, Refused, Truncate]
dynblockaction = "Drop"

# Packet cache size of the default pool, 0 disables caching; named pools
# set their own cachesize
cachesize = 10000

# Cap and floor for cached answer TTLs in seconds
cachemaxttl = 86400
cacheminttl = 0

# How long after expiry an answer may still be served stale, in seconds
cachestalettl = 60

# How long to wait for a backend answer over udp
udptimeout = "2s"

# How long to wait for a backend answer over tcp
tcptimeout = "30s"

# Downstream servers, the pools list attaches a server to named pools,
# an empty list attaches it to the default pool.
[[servers]]
address = "9.9.9.9:53"
qps = 0
weight = 1
order = 1
pools = []

[[servers]]
address = "149.112.112.112:53"
qps = 0
weight = 1
order = 2
pools = []
`

// Load reads the config, creating a default one when the file is missing.
func Load(cfgfile, version string) (*Config, error) {
	config := new(Config)

	if _, err := os.Stat(cfgfile); os.IsNotExist(err) {
		if path, err := filepath.Abs(cfgfile); err == nil {
			cfgfile = path
		}

		zlog.Info("Creating default config file", "path", cfgfile)

		if err := generateConfig(cfgfile); err != nil {
			return nil, err
		}
	}

	zlog.Info("Loading config file", "path", cfgfile)

	if _, err := toml.DecodeFile(cfgfile, config); err != nil {
		return nil, fmt.Errorf("could not load config: %w", err)
	}

	if config.Version != configver {
		zlog.Warn("Config file is out of date, you can generate a new one and check the changes")
	}

	config.sVersion = version

	if config.LogLevel == "" {
		config.LogLevel = "info"
	}

	if config.Policy == "" {
		config.Policy = "leastOutstanding"
	}

	if config.UDPTimeout.Duration == 0 {
		config.UDPTimeout.Duration = 2 * time.Second
	}

	if config.TCPTimeout.Duration == 0 {
		config.TCPTimeout.Duration = 30 * time.Second
	}

	return config, nil
}

func generateConfig(path string) error {
	output, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not generate config: %w", err)
	}
	defer output.Close()

	if _, err := fmt.Fprintf(output, defaultConfig, configver); err != nil {
		return fmt.Errorf("could not write default config: %w", err)
	}

	return nil
}
