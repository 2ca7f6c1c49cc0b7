package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/NodePath81/pltester/internal/util"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBindAddr = "0.0.0.0"
	DefaultBindPort = 52611

	defaultSessionIdle         = 5 * time.Minute
	defaultMaxSessions         = 64
	defaultMaxMessageBytes     = 1 << 20
	defaultDownloadSize        = "10mib"
	defaultMaxDownloadSize     = "100mib"
	defaultMaxUploadSize       = "100mib"

	defaultProbeNode           = "ws://127.0.0.1:52611/ws"
	defaultProbeRate           = 10.0
	defaultProbeSize           = "64"
	defaultProbeDuration       = 10 * time.Second
	defaultProbeRecvWait       = 500 * time.Millisecond
	defaultProbeConnectTimeout = 10 * time.Second
	defaultProbeWindow         = 10 * time.Second
	defaultProbeFrameInterval  = 100 * time.Millisecond
	defaultProbeChartInterval  = 1 * time.Second

	defaultSpeedtestTimeout = 60 * time.Second

	defaultGeoIPCacheSize = 4096
	defaultHistoryRetain  = 1000

	defaultControlMetricsEnabled = true
	defaultControlStatusEnabled  = true

	// MaxProbeRate bounds the pacing rate; faster rates cannot be timed.
	MaxProbeRate = 10_000
	// MaxProbePayload keeps probe datagrams below a typical path MTU.
	MaxProbePayload = 1400

	PublicIPAuto = "auto"
)

var defaultSTUNServers = []string{"stun.l.google.com:19302", "stun1.l.google.com:19302"}

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	switch value.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	default:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		if raw == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Hostname  string          `yaml:"hostname"`
	LogLevel  string          `yaml:"log_level"`
	Server    ServerConfig    `yaml:"server"`
	Probe     ProbeConfig     `yaml:"probe"`
	Speedtest SpeedtestConfig `yaml:"speedtest"`
	GeoIP     GeoIPConfig     `yaml:"geoip"`
	History   HistoryConfig   `yaml:"history"`
	Control   ControlConfig   `yaml:"control"`
}

// ServerConfig configures the test node.
type ServerConfig struct {
	BindAddr string `yaml:"bind_addr"`
	BindPort int    `yaml:"bind_port"`
	// PublicIP replaces local addresses in the echo session's ICE
	// candidates when the node sits behind 1:1 NAT. "auto" discovers it
	// with a STUN binding request and advertises it as srflx.
	PublicIP    string   `yaml:"public_ip"`
	STUNServers []string `yaml:"stun_servers"`
	// IncludeLoopback gathers loopback candidates, for nodes tested from
	// the same host.
	IncludeLoopback bool `yaml:"include_loopback"`
	// UDPPortMin and UDPPortMax bound the ICE ports of echo sessions; zero
	// means ephemeral ports.
	UDPPortMin      int      `yaml:"udp_port_min"`
	UDPPortMax      int      `yaml:"udp_port_max"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	SessionIdle     Duration `yaml:"session_idle"`
	MaxSessions     int      `yaml:"max_sessions"`
	MaxMessageBytes int64    `yaml:"max_message_bytes"`

	DownloadSize    string `yaml:"download_size"`
	MaxDownloadSize string `yaml:"max_download_size"`
	MaxUploadSize   string `yaml:"max_upload_size"`

	DownloadBytes    int64 `yaml:"-"`
	MaxDownloadBytes int64 `yaml:"-"`
	MaxUploadBytes   int64 `yaml:"-"`
}

// ProbeConfig configures a packet test run.
type ProbeConfig struct {
	Node       string   `yaml:"node"`
	Rate       float64  `yaml:"rate"`
	Size       string   `yaml:"size"`
	Duration   Duration `yaml:"duration"`
	StressMode bool     `yaml:"stress_mode"`
	// RecvWait is the grace period after the last send before unreceived
	// packets are declared lost.
	RecvWait       Duration `yaml:"recv_wait"`
	Window         Duration `yaml:"window"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	FrameInterval  Duration `yaml:"frame_interval"`
	ChartInterval  Duration `yaml:"chart_interval"`
	DSCP           int      `yaml:"dscp"`
	// STUNServers let the client gather a server reflexive candidate.
	STUNServers []string `yaml:"stun_servers"`

	SizeBytes int `yaml:"-"`
}

type SpeedtestConfig struct {
	// BaseURL defaults to the probe node's host with the /speedtest prefix.
	BaseURL string                `yaml:"base_url"`
	Timeout Duration              `yaml:"timeout"`
	Cases   []SpeedtestCaseConfig `yaml:"cases"`
}

type SpeedtestCaseConfig struct {
	Key      string         `yaml:"key"`
	Label    string         `yaml:"label"`
	Download TransferConfig `yaml:"download"`
	Upload   TransferConfig `yaml:"upload"`
}

type TransferConfig struct {
	PacketSize string `yaml:"packet_size"`
	TotalSize  string `yaml:"total_size"`

	PacketBytes int64 `yaml:"-"`
	TotalBytes  int64 `yaml:"-"`
}

type GeoIPConfig struct {
	CityDatabase string `yaml:"city_database"`
	ASNDatabase  string `yaml:"asn_database"`
	CacheSize    int    `yaml:"cache_size"`
}

type HistoryConfig struct {
	Path   string `yaml:"path"`
	Retain int    `yaml:"retain"`
}

type ControlConfig struct {
	AuthToken string               `yaml:"auth_token"`
	Metrics   ControlMetricsConfig `yaml:"metrics"`
	Status    ControlStatusConfig  `yaml:"status"`
}

type ControlMetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

type ControlStatusConfig struct {
	Enabled *bool `yaml:"enabled"`
}

func (m ControlMetricsConfig) IsEnabled() bool {
	return util.BoolValue(m.Enabled, defaultControlMetricsEnabled)
}

func (s ControlStatusConfig) IsEnabled() bool {
	return util.BoolValue(s.Enabled, defaultControlStatusEnabled)
}

// DefaultSpeedtestCases mirrors the built-in speed test cases.
func DefaultSpeedtestCases() []SpeedtestCaseConfig {
	standard := func(key, label, packet string) SpeedtestCaseConfig {
		return SpeedtestCaseConfig{
			Key:      key,
			Label:    label,
			Download: TransferConfig{PacketSize: packet, TotalSize: "30mib"},
			Upload:   TransferConfig{PacketSize: packet, TotalSize: "30mib"},
		}
	}
	return []SpeedtestCaseConfig{
		standard("100kb", "100 KB", "100kib"),
		standard("500kb", "500 KB", "500kib"),
		standard("1mb", "1 MB", "1mib"),
		standard("10mb", "10 MB", "10mib"),
		{
			Key:      "peak",
			Label:    "Download 100 MB / Upload 30 MB",
			Download: TransferConfig{PacketSize: "100mib", TotalSize: "100mib"},
			Upload:   TransferConfig{PacketSize: "30mib", TotalSize: "30mib"},
		},
	}
}

func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns a validated configuration with every default applied.
func Default() Config {
	var cfg Config
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		panic(err)
	}
	return cfg
}

// Load reads path, or returns Default when path is empty.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	return LoadConfig(path)
}

// Marshal renders cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

func (c *Config) setDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.Server.setDefaults()
	c.Probe.setDefaults()

	if c.Speedtest.Timeout == 0 {
		c.Speedtest.Timeout = Duration(defaultSpeedtestTimeout)
	}
	if len(c.Speedtest.Cases) == 0 {
		c.Speedtest.Cases = DefaultSpeedtestCases()
	}
	for i := range c.Speedtest.Cases {
		tc := &c.Speedtest.Cases[i]
		if tc.Label == "" {
			tc.Label = tc.Key
		}
		if tc.Upload.PacketSize == "" && tc.Upload.TotalSize == "" {
			tc.Upload = tc.Download
		}
	}

	if c.GeoIP.CacheSize == 0 {
		c.GeoIP.CacheSize = defaultGeoIPCacheSize
	}
	if c.History.Retain == 0 {
		c.History.Retain = defaultHistoryRetain
	}
}

func (s *ServerConfig) setDefaults() {
	if s.BindAddr == "" {
		s.BindAddr = DefaultBindAddr
	}
	if s.BindPort == 0 {
		s.BindPort = DefaultBindPort
	}
	if len(s.STUNServers) == 0 {
		s.STUNServers = append([]string(nil), defaultSTUNServers...)
	}
	if s.SessionIdle == 0 {
		s.SessionIdle = Duration(defaultSessionIdle)
	}
	if s.MaxSessions == 0 {
		s.MaxSessions = defaultMaxSessions
	}
	if s.MaxMessageBytes == 0 {
		s.MaxMessageBytes = defaultMaxMessageBytes
	}
	if s.DownloadSize == "" {
		s.DownloadSize = defaultDownloadSize
	}
	if s.MaxDownloadSize == "" {
		s.MaxDownloadSize = defaultMaxDownloadSize
	}
	if s.MaxUploadSize == "" {
		s.MaxUploadSize = defaultMaxUploadSize
	}
}

func (p *ProbeConfig) setDefaults() {
	if p.Node == "" {
		p.Node = defaultProbeNode
	}
	if len(p.STUNServers) == 0 {
		p.STUNServers = append([]string(nil), defaultSTUNServers...)
	}
	if p.Rate == 0 {
		p.Rate = defaultProbeRate
	}
	if p.Size == "" {
		p.Size = defaultProbeSize
	}
	if p.Duration == 0 {
		p.Duration = Duration(defaultProbeDuration)
	}
	if p.RecvWait == 0 {
		p.RecvWait = Duration(defaultProbeRecvWait)
	}
	if p.Window == 0 {
		p.Window = Duration(defaultProbeWindow)
	}
	if p.ConnectTimeout == 0 {
		p.ConnectTimeout = Duration(defaultProbeConnectTimeout)
	}
	if p.FrameInterval == 0 {
		p.FrameInterval = Duration(defaultProbeFrameInterval)
	}
	if p.ChartInterval == 0 {
		p.ChartInterval = Duration(defaultProbeChartInterval)
	}
}

func (c *Config) validate() error {
	if err := c.Server.validate(); err != nil {
		return err
	}
	if err := c.Probe.Validate(); err != nil {
		return err
	}
	if err := c.Speedtest.validate(); err != nil {
		return err
	}
	if c.GeoIP.CacheSize < 0 {
		return invalid("geoip.cache_size must be >= 0")
	}
	if c.History.Retain < 0 {
		return invalid("history.retain must be >= 0")
	}
	return nil
}

func (s *ServerConfig) validate() error {
	if net.ParseIP(s.BindAddr) == nil {
		return invalid("server.bind_addr must be an IP address")
	}
	if s.BindPort < 1 || s.BindPort > 65535 {
		return invalid("server.bind_port must be in 1..65535")
	}
	if s.PublicIP != "" && !strings.EqualFold(s.PublicIP, PublicIPAuto) && net.ParseIP(s.PublicIP) == nil {
		return invalid("server.public_ip must be an IP address or %q", PublicIPAuto)
	}
	if s.UDPPortMin < 0 || s.UDPPortMax < 0 || s.UDPPortMin > 65535 || s.UDPPortMax > 65535 {
		return invalid("server.udp_port_min/max must be in 0..65535")
	}
	if (s.UDPPortMin == 0) != (s.UDPPortMax == 0) {
		return invalid("server.udp_port_min and udp_port_max must be set together")
	}
	if s.UDPPortMin > s.UDPPortMax {
		return invalid("server.udp_port_max must be >= udp_port_min")
	}
	if s.SessionIdle.Duration() <= 0 {
		return invalid("server.session_idle must be > 0")
	}
	if s.MaxSessions < 1 {
		return invalid("server.max_sessions must be > 0")
	}
	if s.MaxMessageBytes < 1 {
		return invalid("server.max_message_bytes must be > 0")
	}
	var err error
	if s.DownloadBytes, err = positiveSize("server.download_size", s.DownloadSize); err != nil {
		return err
	}
	if s.MaxDownloadBytes, err = positiveSize("server.max_download_size", s.MaxDownloadSize); err != nil {
		return err
	}
	if s.MaxUploadBytes, err = positiveSize("server.max_upload_size", s.MaxUploadSize); err != nil {
		return err
	}
	for _, origin := range s.AllowedOrigins {
		if origin == "*" {
			continue
		}
		if parsed, err := url.Parse(origin); err != nil || parsed.Host == "" {
			return invalid("server.allowed_origins: invalid origin %q", origin)
		}
	}
	return nil
}

// Validate checks a probe configuration; callers re-run it after applying
// command line overrides.
func (p *ProbeConfig) Validate() error {
	parsed, err := url.Parse(p.Node)
	if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") || parsed.Host == "" {
		return invalid("probe.node must be a ws:// or wss:// url")
	}
	if p.Rate <= 0 || math.IsNaN(p.Rate) || math.IsInf(p.Rate, 0) {
		return invalid("probe.rate must be > 0")
	}
	if p.Rate > MaxProbeRate {
		return invalid("probe.rate must be <= %d", MaxProbeRate)
	}
	size, err := ParseSize(p.Size)
	if err != nil {
		return invalid("probe.size: %v", err)
	}
	if size < 1 || size > MaxProbePayload {
		return invalid("probe.size must be in 1..%d bytes", MaxProbePayload)
	}
	p.SizeBytes = int(size)
	if !p.StressMode && p.Duration.Duration() <= 0 {
		return invalid("probe.duration must be > 0")
	}
	if !p.StressMode && int64(p.Rate*p.Duration.Duration().Seconds()) < 1 {
		return invalid("probe.rate * probe.duration must be at least one packet")
	}
	if p.RecvWait.Duration() < 0 {
		return invalid("probe.recv_wait must be >= 0")
	}
	if p.Window.Duration() <= 0 {
		return invalid("probe.window must be > 0")
	}
	if p.ConnectTimeout.Duration() <= 0 {
		return invalid("probe.connect_timeout must be > 0")
	}
	if p.FrameInterval.Duration() <= 0 || p.ChartInterval.Duration() <= 0 {
		return invalid("probe.frame_interval and chart_interval must be > 0")
	}
	if p.DSCP < 0 || p.DSCP > 63 {
		return invalid("probe.dscp must be in 0..63")
	}
	return nil
}

func (s *SpeedtestConfig) validate() error {
	if s.BaseURL != "" {
		parsed, err := url.Parse(s.BaseURL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return invalid("speedtest.base_url must be an http or https url")
		}
	}
	if s.Timeout.Duration() <= 0 {
		return invalid("speedtest.timeout must be > 0")
	}
	seen := make(map[string]struct{}, len(s.Cases))
	for i := range s.Cases {
		tc := &s.Cases[i]
		if tc.Key == "" {
			return invalid("speedtest.cases[%d].key must not be empty", i)
		}
		if _, ok := seen[tc.Key]; ok {
			return invalid("duplicate speedtest case: %s", tc.Key)
		}
		seen[tc.Key] = struct{}{}
		if err := tc.Download.resolve(fmt.Sprintf("speedtest.cases[%s].download", tc.Key)); err != nil {
			return err
		}
		if err := tc.Upload.resolve(fmt.Sprintf("speedtest.cases[%s].upload", tc.Key)); err != nil {
			return err
		}
	}
	return nil
}

func (t *TransferConfig) resolve(path string) error {
	var err error
	if t.PacketBytes, err = positiveSize(path+".packet_size", t.PacketSize); err != nil {
		return err
	}
	if t.TotalBytes, err = positiveSize(path+".total_size", t.TotalSize); err != nil {
		return err
	}
	return nil
}

// SpeedtestBaseURL returns the configured base URL, or derives one from the
// probe node address.
func (c Config) SpeedtestBaseURL() (string, error) {
	if c.Speedtest.BaseURL != "" {
		return strings.TrimSuffix(c.Speedtest.BaseURL, "/"), nil
	}
	parsed, err := url.Parse(c.Probe.Node)
	if err != nil {
		return "", err
	}
	scheme := "http"
	if parsed.Scheme == "wss" {
		scheme = "https"
	}
	return (&url.URL{Scheme: scheme, Host: parsed.Host, Path: "/speedtest"}).String(), nil
}

func positiveSize(path, raw string) (int64, error) {
	v, err := ParseSize(raw)
	if err != nil {
		return 0, invalid("%s: %v", path, err)
	}
	if v < 1 {
		return 0, invalid("%s must be > 0", path)
	}
	return v, nil
}
