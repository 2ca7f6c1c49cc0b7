package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/NodePath81/pltester/internal/testenv"
)

var makeAR = testenv.MakeAR

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	assert, _ := makeAR(t)
	cfg := Default()
	assert.Equal(DefaultBindPort, cfg.Server.BindPort)
	assert.Equal(10.0, cfg.Probe.Rate)
	assert.Equal(64, cfg.Probe.SizeBytes)
	assert.Equal(500*time.Millisecond, cfg.Probe.RecvWait.Duration())
	assert.EqualValues(100<<20, cfg.Server.MaxDownloadBytes)
	assert.Len(cfg.Speedtest.Cases, 5)
	assert.EqualValues(100<<10, cfg.Speedtest.Cases[0].Download.PacketBytes)
	assert.EqualValues(30<<20, cfg.Speedtest.Cases[0].Download.TotalBytes)
	assert.True(cfg.Control.Metrics.IsEnabled())
	assert.Equal([]string{"stun.l.google.com:19302", "stun1.l.google.com:19302"}, cfg.Server.STUNServers)
	assert.Equal(cfg.Server.STUNServers, cfg.Probe.STUNServers)
	assert.False(cfg.Server.IncludeLoopback)

	base, err := cfg.SpeedtestBaseURL()
	assert.NoError(err)
	assert.Equal("http://127.0.0.1:52611/speedtest", base)
}

func TestLoadConfig(t *testing.T) {
	assert, require := makeAR(t)
	path := writeConfig(t, `
server:
  bind_port: 6000
  public_ip: 203.0.113.7
  udp_port_min: 40000
  udp_port_max: 40100
probe:
  node: wss://node.example:6000/ws
  rate: 50
  size: 1kb
  duration: 30
  recv_wait: 250ms
speedtest:
  cases:
    - key: small
      download: {packet_size: 100kb, total_size: 30mb}
control:
  auth_token: secret
  metrics:
    enabled: false
`)
	cfg, err := LoadConfig(path)
	require.NoError(err)
	assert.Equal(6000, cfg.Server.BindPort)
	assert.Equal("203.0.113.7", cfg.Server.PublicIP)
	assert.Equal(30*time.Second, cfg.Probe.Duration.Duration())
	assert.Equal(250*time.Millisecond, cfg.Probe.RecvWait.Duration())
	assert.Equal(1000, cfg.Probe.SizeBytes)
	require.Len(cfg.Speedtest.Cases, 1)
	tc := cfg.Speedtest.Cases[0]
	assert.Equal("small", tc.Label)
	assert.EqualValues(100_000, tc.Upload.PacketBytes, "upload inherits download sizes")
	assert.EqualValues(30_000_000, tc.Download.TotalBytes)
	assert.False(cfg.Control.Metrics.IsEnabled())

	base, err := cfg.SpeedtestBaseURL()
	assert.NoError(err)
	assert.Equal("https://node.example:6000/speedtest", base)
}

func TestValidationErrors(t *testing.T) {
	cases := map[string]string{
		"zero rate":        "probe:\n  rate: -1\n",
		"bad node":         "probe:\n  node: http://x/ws\n",
		"oversized probe":  "probe:\n  size: 9000\n",
		"half port range":  "server:\n  udp_port_min: 4000\n",
		"inverted range":   "server:\n  udp_port_min: 5000\n  udp_port_max: 4000\n",
		"bad public ip":    "server:\n  public_ip: nope\n",
		"bad dscp":         "probe:\n  dscp: 64\n",
		"duplicate case":   "speedtest:\n  cases:\n    - {key: a, download: {packet_size: 1, total_size: 1}}\n    - {key: a, download: {packet_size: 1, total_size: 1}}\n",
		"zero packet size": "speedtest:\n  cases:\n    - {key: a, download: {packet_size: 0, total_size: 1}}\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			assert, _ := makeAR(t)
			_, err := LoadConfig(writeConfig(t, body))
			assert.ErrorIs(err, ErrInvalidConfig)
		})
	}
}

func TestStressModeIgnoresDuration(t *testing.T) {
	assert, _ := makeAR(t)
	p := ProbeConfig{StressMode: true}
	p.setDefaults()
	p.Duration = 0
	assert.NoError(p.Validate())
}

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"100", 100},
		{"500kb", 500_000},
		{"1MB", 1_000_000},
		{"100kib", 102_400},
		{"30MiB", 31_457_280},
		{"1.5k", 1_500},
		{"2g", 2_000_000_000},
	}
	for _, tc := range cases {
		got, err := ParseSize(tc.in)
		if err != nil {
			t.Fatalf("ParseSize(%q) error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseSize(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
	for _, bad := range []string{"kb", "abc", "-5mb"} {
		if _, err := ParseSize(bad); err == nil {
			t.Fatalf("ParseSize(%q) expected error", bad)
		}
	}
}
