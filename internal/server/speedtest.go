package server

import (
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

const (
	speedtestChunkBytes = 64 << 10
	bytesPerMB          = 1024 * 1024
)

type uploadResponse struct {
	ReceivedBytes int64 `json:"receivedBytes"`
}

// downloadSize reads ?bytes=N, falling back to ?size= in MB and then to
// the configured default. The result is clamped to [1, max].
func downloadSize(r *http.Request, def, max int64) int64 {
	size := def
	q := r.URL.Query()
	if raw := q.Get("bytes"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed > 0 {
			size = parsed
		}
	} else if raw := q.Get("size"); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed > 0 {
			size = int64(parsed * bytesPerMB)
		}
	}
	if size > max {
		size = max
	}
	if size < 1 {
		size = 1
	}
	return size
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	size := downloadSize(r, s.cfg.Server.DownloadBytes, s.cfg.Server.MaxDownloadBytes)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Cache-Control", "no-store")

	src := rand.New(rand.NewSource(time.Now().UnixNano()))
	buf := make([]byte, speedtestChunkBytes)
	var written int64
	defer func() {
		s.metrics.AddSpeedtestBytes("download", written)
		s.metrics.ObserveSpeedtestRequest("download", http.StatusOK)
	}()
	for written < size {
		chunk := int64(len(buf))
		if size-written < chunk {
			chunk = size - written
		}
		_, _ = src.Read(buf[:chunk])
		n, err := w.Write(buf[:chunk])
		written += int64(n)
		if err != nil {
			return
		}
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxUploadBytes)
	defer reader.Close()

	received, err := io.Copy(io.Discard, reader)
	s.metrics.AddSpeedtestBytes("upload", received)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.metrics.ObserveSpeedtestRequest("upload", http.StatusRequestEntityTooLarge)
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		s.metrics.ObserveSpeedtestRequest("upload", http.StatusInternalServerError)
		http.Error(w, "failed to read payload", http.StatusInternalServerError)
		return
	}
	s.metrics.ObserveSpeedtestRequest("upload", http.StatusOK)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(uploadResponse{ReceivedBytes: received})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	s.metrics.ObserveSpeedtestRequest("ping", http.StatusOK)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store, no-cache")
	_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}
