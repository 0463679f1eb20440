package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// signalServer upgrades every request and hands the connection to serve.
func signalServer(t *testing.T, serve func(n int, conn *websocket.Conn)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		serve(int(conns.Add(1)), conn)
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

func runClient(t *testing.T, c *Client) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
	return cancel
}

func TestOfferAnswerExchange(t *testing.T) {
	got := make(chan Message, 1)
	srv, _ := signalServer(t, func(_ int, conn *websocket.Conn) {
		if err := conn.WriteJSON(Message{Type: TypeOffer, Session: "s1", SDP: "v=0 offer"}); err != nil {
			t.Errorf("write offer: %v", err)
			return
		}
		var reply Message
		if err := conn.ReadJSON(&reply); err != nil {
			t.Errorf("read answer: %v", err)
			return
		}
		got <- reply
	})

	c := New(Config{ServerURL: srv.URL, HostID: "h1"}, func(msg Message) *Message {
		if msg.Type != TypeOffer {
			return nil
		}
		return &Message{Type: TypeAnswer, SDP: "answer to " + msg.SDP}
	})
	runClient(t, c)

	select {
	case reply := <-got:
		if reply.Type != TypeAnswer || reply.Session != "s1" || reply.SDP != "answer to v=0 offer" {
			t.Fatalf("reply = %+v", reply)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no answer received")
	}
}

func TestReconnectsAfterServerClose(t *testing.T) {
	offers := make(chan string, 4)
	srv, conns := signalServer(t, func(n int, conn *websocket.Conn) {
		if n == 1 {
			return
		}
		conn.WriteJSON(Message{Type: TypeOffer, Session: "again"})
		time.Sleep(200 * time.Millisecond)
	})

	c := New(Config{ServerURL: srv.URL}, func(msg Message) *Message {
		offers <- msg.Session
		return nil
	})
	c.backoff = 10 * time.Millisecond
	runClient(t, c)

	select {
	case s := <-offers:
		if s != "again" {
			t.Fatalf("session = %q", s)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("client did not reconnect")
	}
	if conns.Load() < 2 {
		t.Fatalf("connections = %d, want at least 2", conns.Load())
	}
}

func TestHandlerPanicRepliesError(t *testing.T) {
	got := make(chan Message, 1)
	srv, _ := signalServer(t, func(_ int, conn *websocket.Conn) {
		conn.WriteJSON(Message{Type: TypeOffer, Session: "p"})
		var reply Message
		if err := conn.ReadJSON(&reply); err == nil {
			got <- reply
		}
	})
	c := New(Config{ServerURL: srv.URL}, func(Message) *Message { panic("boom") })
	runClient(t, c)

	select {
	case reply := <-got:
		if reply.Type != TypeError || reply.Session != "p" {
			t.Fatalf("reply = %+v", reply)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no error reply")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	srv, _ := signalServer(t, func(_ int, conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	c := New(Config{ServerURL: srv.URL}, func(Message) *Message { return nil })
	cancel := runClient(t, c)
	time.Sleep(50 * time.Millisecond)
	cancel()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if errors.Is(c.Send(Message{Type: TypeBye}), ErrStopped) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Send still accepted after cancel")
}

func TestSendFull(t *testing.T) {
	c := New(Config{ServerURL: "ws://127.0.0.1:1"}, nil)
	var err error
	for i := 0; i < cap(c.sendChan)+1; i++ {
		err = c.Send(Message{Type: TypeCandidate})
	}
	if !errors.Is(err, ErrSendFull) {
		t.Fatalf("err = %v, want ErrSendFull", err)
	}
}

func TestBuildWSURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "http://example.com/signal", want: "ws://example.com/signal?host=h&token=t"},
		{in: "https://example.com/signal", want: "wss://example.com/signal?host=h&token=t"},
		{in: "wss://example.com/ws?room=1", want: "wss://example.com/ws?host=h&room=1&token=t"},
		{in: "ftp://example.com", wantErr: true},
	}
	for _, tt := range tests {
		c := New(Config{ServerURL: tt.in, HostID: "h", AuthToken: "t"}, nil)
		got, err := c.buildWSURL()
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("%s: got %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestRunRejectsBadURL(t *testing.T) {
	c := New(Config{ServerURL: "gopher://x"}, nil)
	err := c.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "signaling url") {
		t.Fatalf("err = %v", err)
	}
}
