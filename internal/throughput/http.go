package throughput

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const maxPingBodyBytes = 4 << 10

// HTTPTransferer talks to the node's speedtest endpoints rooted at BaseURL,
// e.g. http://node:52611/speedtest.
type HTTPTransferer struct {
	baseURL string
	client  *http.Client
	rng     *rand.Rand
}

func NewHTTPTransferer(baseURL string, client *http.Client) (*HTTPTransferer, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("speedtest base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("speedtest base url must be http or https: %q", baseURL)
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransferer{
		baseURL: strings.TrimSuffix(parsed.String(), "/"),
		client:  client,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (h *HTTPTransferer) Ping(ctx context.Context) error {
	endpoint := h.baseURL + "/ping?ts=" + strconv.FormatInt(time.Now().UnixMilli(), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Cache-Control", "no-store")
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping: HTTP %d", resp.StatusCode)
	}
	var ack struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxPingBodyBytes)).Decode(&ack); err != nil {
		return fmt.Errorf("ping: decode: %w", err)
	}
	return nil
}

func (h *HTTPTransferer) Download(ctx context.Context, n int64) (int64, error) {
	endpoint := h.baseURL + "/download?bytes=" + strconv.FormatInt(n, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Cache-Control", "no-store")
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download: HTTP %d", resp.StatusCode)
	}
	read, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return read, fmt.Errorf("download: read body: %w", err)
	}
	return read, nil
}

func (h *HTTPTransferer) Upload(ctx context.Context, n int64) (int64, error) {
	payload := io.LimitReader(rand.New(rand.NewSource(h.rng.Int63())), n)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/upload", payload)
	if err != nil {
		return 0, err
	}
	req.ContentLength = n
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("upload: HTTP %d", resp.StatusCode)
	}
	var ack struct {
		ReceivedBytes *int64 `json:"receivedBytes"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxPingBodyBytes)).Decode(&ack); err != nil {
		return 0, fmt.Errorf("upload: decode: %w", err)
	}
	if ack.ReceivedBytes == nil {
		return -1, nil
	}
	return *ack.ReceivedBytes, nil
}
