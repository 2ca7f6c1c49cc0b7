// Package protocol defines the probe datagram format and the signaling
// messages exchanged over the node's websocket.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedProbe is returned for datagrams that are not "<seq>,<ts>".
var ErrMalformedProbe = errors.New("malformed probe payload")

const padByte = '.'

// EncodeProbe formats a probe payload as "<seq>,<sendTimestamp>". When size
// exceeds the header length the payload is padded to size bytes with a
// space followed by filler, which DecodeProbe ignores.
func EncodeProbe(seq uint64, sentAtMs float64, size int) string {
	header := strconv.FormatUint(seq, 10) + "," + strconv.FormatFloat(sentAtMs, 'f', 3, 64)
	if size <= len(header)+1 {
		return header
	}
	var b strings.Builder
	b.Grow(size)
	b.WriteString(header)
	b.WriteByte(' ')
	for b.Len() < size {
		b.WriteByte(padByte)
	}
	return b.String()
}

// DecodeProbe splits msg on its first comma. The remainder up to an
// optional space is the send timestamp.
func DecodeProbe(msg string) (uint64, float64, error) {
	seqStr, rest, ok := strings.Cut(msg, ",")
	if !ok {
		return 0, 0, fmt.Errorf("%w: missing comma", ErrMalformedProbe)
	}
	seq, err := strconv.ParseUint(strings.TrimSpace(seqStr), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: seq: %v", ErrMalformedProbe, err)
	}
	tsStr, _, _ := strings.Cut(rest, " ")
	ts, err := strconv.ParseFloat(tsStr, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: timestamp: %v", ErrMalformedProbe, err)
	}
	return seq, ts, nil
}
