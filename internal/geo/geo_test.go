package geo

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/NodePath81/pltester/internal/config"
	"github.com/NodePath81/pltester/internal/testenv"
)

var makeAR = testenv.MakeAR

func TestExtractClientIP(t *testing.T) {
	assert, _ := makeAR(t)
	cases := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"remote only", nil, "203.0.113.7:5555", "203.0.113.7"},
		{"forwarded first", map[string]string{"X-Forwarded-For": " 198.51.100.1 , 10.0.0.1"}, "127.0.0.1:1", "198.51.100.1"},
		{"skips junk", map[string]string{"X-Forwarded-For": "unknown", "X-Real-IP": "2001:db8::1"}, "127.0.0.1:1", "2001:db8::1"},
		{"cloudflare", map[string]string{"CF-Connecting-IP": "192.0.2.10"}, "10.0.0.2:80", "192.0.2.10"},
		{"zone stripped", map[string]string{"X-Client-IP": "fe80::1%eth0"}, "", "fe80::1"},
		{"host port header", map[string]string{"X-Forwarded": "192.0.2.5:8080"}, "", "192.0.2.5"},
		{"nothing", nil, "", ""},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/api/ipinfo", nil)
		r.RemoteAddr = tc.remote
		for k, v := range tc.headers {
			r.Header.Set(k, v)
		}
		assert.Equal(tc.want, ExtractClientIP(r), tc.name)
	}
}

func TestIsLikelyPublicIP(t *testing.T) {
	assert, _ := makeAR(t)
	assert.True(IsLikelyPublicIP(net.ParseIP("8.8.8.8")))
	assert.True(IsLikelyPublicIP(net.ParseIP("2606:4700::1111")))
	for _, raw := range []string{"10.1.2.3", "192.168.0.1", "127.0.0.1", "169.254.1.1", "::1", "fe80::1", "0.0.0.0", "224.0.0.1"} {
		assert.False(IsLikelyPublicIP(net.ParseIP(raw)), raw)
	}
	assert.False(IsLikelyPublicIP(nil))
}

func TestLookupWithoutDatabase(t *testing.T) {
	assert, require := makeAR(t)
	svc, err := Open(config.GeoIPConfig{CacheSize: 8}, "", nil, nil)
	require.NoError(err)
	defer svc.Close()
	ctx := context.Background()

	assert.Equal(MessageNoIP, svc.Lookup(ctx, "", false).Message)
	assert.Equal(MessageInvalidIP, svc.Lookup(ctx, "not-an-ip", false).Message)
	reserved := svc.Lookup(ctx, "192.168.1.1", false)
	assert.False(reserved.Success)
	assert.Equal(MessageReserved, reserved.Message)
	public := svc.Lookup(ctx, "8.8.8.8", false)
	assert.False(public.Success)
	assert.Equal(MessageNoDatabase, public.Message)
	assert.Equal("8.8.8.8", public.IP)
}

func TestServerEntryUsesResolverAndCaches(t *testing.T) {
	assert, require := makeAR(t)
	calls := 0
	resolve := func(context.Context) (net.IP, error) {
		calls++
		return nil, errors.New("offline")
	}
	svc, err := Open(config.GeoIPConfig{}, "10.0.0.5", resolve, nil)
	require.NoError(err)
	now := time.Unix(1_700_000_000, 0)
	svc.now = func() time.Time { return now }

	entry := svc.ServerEntry(context.Background())
	assert.False(entry.Success)
	assert.Equal("10.0.0.5", entry.IP)
	assert.Equal(1, calls)

	now = now.Add(30 * time.Second)
	svc.ServerEntry(context.Background())
	assert.Equal(1, calls, "failure cached for a minute")

	now = now.Add(time.Minute)
	svc.ServerEntry(context.Background())
	assert.Equal(2, calls)
}

func TestHandler(t *testing.T) {
	assert, require := makeAR(t)
	svc, err := Open(config.GeoIPConfig{}, "", nil, nil)
	require.NoError(err)

	r := httptest.NewRequest(http.MethodGet, "/api/ipinfo?user=172.16.0.9", nil)
	w := httptest.NewRecorder()
	svc.Handler()(w, r)
	require.Equal(http.StatusOK, w.Code)
	assert.Equal("application/json", w.Header().Get("Content-Type"))

	var resp Response
	require.NoError(json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal("172.16.0.9", resp.User.IP)
	assert.Equal(MessageReserved, resp.User.Message)
	assert.Equal(MessageNoIP, resp.Server.Message)
	assert.False(resp.Timestamp.IsZero())
}
