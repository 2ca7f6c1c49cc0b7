package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/NodePath81/pltester/internal/protocol"
	"github.com/NodePath81/pltester/internal/testenv"
	"github.com/gorilla/websocket"
)

var makeAR = testenv.MakeAR

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

// fakeNode reads the client's offer, hands it to offers and writes the
// given replies. It never completes ICE.
func fakeNode(t *testing.T, offers chan<- protocol.Message, replies ...protocol.Message) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.ParseMessage(data)
		if err != nil || !msg.IsDescription() || msg.Type != protocol.TypeOffer {
			return
		}
		if offers != nil {
			offers <- msg
		}
		for _, reply := range replies {
			raw, _ := reply.Marshal()
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestDialRejectedIsPermanent(t *testing.T) {
	assert, require := makeAR(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer ts.Close()

	start := time.Now()
	_, err := Dial(context.Background(), DialOptions{Node: wsURL(ts), ConnectTimeout: 5 * time.Second})
	require.Error(err)
	assert.Contains(err.Error(), "HTTP 403")
	assert.Less(time.Since(start), 2*time.Second)
}

func TestDialNodeError(t *testing.T) {
	assert, require := makeAR(t)
	ts := fakeNode(t, nil, protocol.Message{Type: protocol.TypeError, Error: "echo session limit reached"})
	_, err := Dial(context.Background(), DialOptions{Node: wsURL(ts), ConnectTimeout: 5 * time.Second})
	require.ErrorIs(err, ErrSessionRefused)
	assert.Contains(err.Error(), "echo session limit reached")
}

func TestDialOffersUnorderedDataChannel(t *testing.T) {
	assert, require := makeAR(t)
	offers := make(chan protocol.Message, 1)
	ts := fakeNode(t, offers)

	start := time.Now()
	_, err := Dial(context.Background(), DialOptions{Node: wsURL(ts), ConnectTimeout: 500 * time.Millisecond})
	require.ErrorIs(err, context.DeadlineExceeded, "no answer must time out")
	assert.Less(time.Since(start), 3*time.Second)

	select {
	case offer := <-offers:
		assert.Equal(protocol.TypeOffer, offer.Type)
		assert.Contains(offer.SDP, "m=application")
		assert.Contains(offer.SDP, "webrtc-datachannel")
	default:
		t.Fatal("node saw no offer")
	}
}

func TestLoopbackNode(t *testing.T) {
	assert, _ := makeAR(t)
	assert.True(loopbackNode("ws://127.0.0.1:52611/ws"))
	assert.True(loopbackNode("ws://localhost/ws"))
	assert.False(loopbackNode("wss://node.example.com/ws"))
}

func TestReadyStateString(t *testing.T) {
	assert, _ := makeAR(t)
	assert.Equal("connecting", Connecting.String())
	assert.Equal("open", Open.String())
	assert.Equal("closing", Closing.String())
	assert.Equal("closed", Closed.String())
}
