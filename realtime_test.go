package sawerni_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	sawerni "github.com/xCyberpunkx/sawerni-go"
)

// wsServer is an httptest server speaking the realtime protocol. Frames
// pushed to the send channel are written to the connected client.
type wsServer struct {
	*httptest.Server
	send chan []byte
	got  chan *http.Request
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	ws := &wsServer{
		send: make(chan []byte, 16),
		got:  make(chan *http.Request, 1),
	}
	ws.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case ws.got <- r.Clone(context.Background()):
		default:
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "server shutdown")
		for data := range ws.send {
			if err := conn.Write(r.Context(), websocket.MessageText, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(func() {
		close(ws.send)
		ws.Server.Close()
	})
	return ws
}

func envelope(t *testing.T, eventType string, payload any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(sawerni.Envelope{Type: eventType, Payload: raw})
	require.NoError(t, err)
	return data
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		panic("unreachable")
	}
}

func TestRealtime_ConnectAndTokenHandshake(t *testing.T) {
	ws := newWSServer(t)
	rt := sawerni.NewRealtime(ws.URL, &sawerni.RealtimeConfig{Token: "secret-token"})

	connected := make(chan struct{}, 1)
	rt.OnConnected(func() { connected <- struct{}{} })

	require.NoError(t, rt.Connect(context.Background()))
	waitFor(t, connected)
	assert.Equal(t, sawerni.StateConnected, rt.State())

	req := waitFor(t, ws.got)
	assert.Equal(t, "/ws", req.URL.Path)
	assert.Equal(t, "secret-token", req.URL.Query().Get("token"))

	require.NoError(t, rt.Disconnect())
	assert.Equal(t, sawerni.StateDisconnected, rt.State())
}

func TestRealtime_DispatchesTypedEvents(t *testing.T) {
	ws := newWSServer(t)
	rt := sawerni.NewRealtime(ws.URL, &sawerni.RealtimeConfig{Token: "t"})

	msgs := make(chan sawerni.Message, 1)
	presence := make(chan sawerni.PresencePayload, 1)
	receipts := make(chan sawerni.ReadReceiptPayload, 1)
	rt.OnMessage(func(m sawerni.Message) { msgs <- m })
	rt.OnUserOnline(func(p sawerni.PresencePayload) { presence <- p })
	rt.OnReadReceipt(func(p sawerni.ReadReceiptPayload) { receipts <- p })

	require.NoError(t, rt.Connect(context.Background()))
	defer rt.Disconnect()

	ws.send <- envelope(t, sawerni.EventMessage, mkMsg("m1", "c1", t0, "over the wire"))
	got := waitFor(t, msgs)
	assert.Equal(t, "m1", got.ID)
	assert.Equal(t, "c1", got.ConversationID)
	require.NotNil(t, got.Content)
	assert.Equal(t, "over the wire", *got.Content)

	ws.send <- envelope(t, sawerni.EventUserOnline, sawerni.PresencePayload{UserID: "u2"})
	assert.Equal(t, "u2", waitFor(t, presence).UserID)

	ws.send <- envelope(t, sawerni.EventReadReceipt, sawerni.ReadReceiptPayload{ConversationID: "c1", ReaderID: "u2"})
	assert.Equal(t, "c1", waitFor(t, receipts).ConversationID)
}

func TestRealtime_UnsubscribeStopsDelivery(t *testing.T) {
	ws := newWSServer(t)
	rt := sawerni.NewRealtime(ws.URL, &sawerni.RealtimeConfig{Token: "t"})

	first := make(chan sawerni.Message, 4)
	sub := rt.OnMessage(func(m sawerni.Message) { first <- m })
	// Registered after the first handler, so it observes every dispatch
	// the first one had a chance at.
	marker := make(chan sawerni.Message, 4)
	rt.OnMessage(func(m sawerni.Message) { marker <- m })

	require.NoError(t, rt.Connect(context.Background()))
	defer rt.Disconnect()

	ws.send <- envelope(t, sawerni.EventMessage, mkMsg("m1", "c1", t0, "one"))
	waitFor(t, first)
	waitFor(t, marker)

	sub.Unsubscribe()
	sub.Unsubscribe() // safe to repeat

	ws.send <- envelope(t, sawerni.EventMessage, mkMsg("m2", "c1", t0.Add(time.Minute), "two"))
	assert.Equal(t, "m2", waitFor(t, marker).ID)

	select {
	case m := <-first:
		t.Fatalf("unsubscribed handler received %s", m.ID)
	default:
	}
}

func TestRealtime_MalformedFramesAreSkipped(t *testing.T) {
	ws := newWSServer(t)
	rt := sawerni.NewRealtime(ws.URL, &sawerni.RealtimeConfig{Token: "t"})

	msgs := make(chan sawerni.Message, 1)
	rt.OnMessage(func(m sawerni.Message) { msgs <- m })

	require.NoError(t, rt.Connect(context.Background()))
	defer rt.Disconnect()

	ws.send <- []byte("not json at all")
	ws.send <- envelope(t, sawerni.EventMessage, mkMsg("m1", "c1", t0, "still alive"))
	assert.Equal(t, "m1", waitFor(t, msgs).ID)
}

func TestRealtime_BindRoutesEventsIntoSyncer(t *testing.T) {
	ws := newWSServer(t)
	rt := sawerni.NewRealtime(ws.URL, &sawerni.RealtimeConfig{Token: "t"})

	f := newFakeAPI()
	f.addConv(mkConv("c1", "u2", "Rania", t0, 0))
	s, _ := newSyncer(f, 50)
	require.NoError(t, s.RefreshConversations(context.Background()))

	subs := s.Bind(rt)
	require.Len(t, subs, 5)
	// Registered after Bind, so once it fires the engine has applied the
	// same envelope.
	applied := make(chan string, 8)
	rt.On(sawerni.EventMessage, func(eventType string, _ json.RawMessage) { applied <- eventType })
	rt.On(sawerni.EventUserOnline, func(eventType string, _ json.RawMessage) { applied <- eventType })
	rt.On(sawerni.EventConversationCreated, func(eventType string, _ json.RawMessage) { applied <- eventType })

	require.NoError(t, rt.Connect(context.Background()))
	defer rt.Disconnect()

	ws.send <- envelope(t, sawerni.EventMessage, mkMsg("m1", "c1", t0.Add(time.Hour), "ping"))
	waitFor(t, applied)
	assert.Equal(t, 1, s.Unread("c1"))
	assert.Equal(t, []string{"m1"}, ids(s.Messages("c1")))

	ws.send <- envelope(t, sawerni.EventUserOnline, sawerni.PresencePayload{UserID: "u2"})
	waitFor(t, applied)
	assert.True(t, s.Conversations()[0].OtherParticipant.Online)

	ws.send <- envelope(t, sawerni.EventConversationCreated, mkConv("c2", "u3", "Karim", t0, 0))
	waitFor(t, applied)
	assert.Len(t, s.Conversations(), 2)

	// Detaching the engine leaves the connection up.
	sawerni.UnsubscribeAll(subs)
	ws.send <- envelope(t, sawerni.EventMessage, mkMsg("m2", "c1", t0.Add(2*time.Hour), "ignored"))
	waitFor(t, applied)
	assert.Equal(t, 1, s.Unread("c1"))
	assert.Equal(t, sawerni.StateConnected, rt.State())
}

func TestRealtime_ConnectIsIdempotent(t *testing.T) {
	ws := newWSServer(t)
	rt := sawerni.NewRealtime(ws.URL, &sawerni.RealtimeConfig{Token: "t"})

	require.NoError(t, rt.Connect(context.Background()))
	defer rt.Disconnect()
	require.NoError(t, rt.Connect(context.Background()))

	// Only one handshake reached the server.
	waitFor(t, ws.got)
	select {
	case <-ws.got:
		t.Fatal("second dial observed")
	default:
	}
}

func TestRealtime_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	rt := sawerni.NewRealtime(url, &sawerni.RealtimeConfig{Token: "t"})
	err := rt.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, sawerni.StateDisconnected, rt.State())
}
