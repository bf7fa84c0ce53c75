package clearingws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newEchoServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token || r.Header.Get("X-Bank-Id") != "B07" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(messageType, payload); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestSanitizeURL(t *testing.T) {
	cases := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "http://137.184.36.3:6000", want: "ws://137.184.36.3:6000"},
		{raw: " 'https://clearing.example/ws' ", want: "wss://clearing.example/ws"},
		{raw: "ws://localhost:6000/socket", want: "ws://localhost:6000/socket"},
		{raw: "ftp://clearing.example", wantErr: true},
		{raw: "", wantErr: true},
	}

	for _, tc := range cases {
		got, err := sanitizeURL(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("expected error for %q, got %q", tc.raw, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("sanitizeURL(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestClientDial_RoundTripsFrames(t *testing.T) {
	server := newEchoServer(t, "secret")

	client, err := NewClient(server.URL, Credentials{BankID: "B07", BankName: "TestBank", Token: "secret"}, time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := client.Dial(ctx)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer session.Close()

	frame := []byte(`{"type":"transfer.reserve.result","data":{"id":"m1","ok":true}}`)
	if err := session.WriteFrame(ctx, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := session.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}

	got, err := session.ReadFrame()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(frame) {
		t.Fatalf("expected echoed frame %s, got %s", frame, got)
	}
}

func TestClientDial_RejectedCredentials(t *testing.T) {
	server := newEchoServer(t, "secret")

	client, err := NewClient(server.URL, Credentials{BankID: "B07", Token: "wrong"}, time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.Dial(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected status in error, got %v", err)
	}
}

func TestNewClient_RequiresBankID(t *testing.T) {
	if _, err := NewClient("ws://localhost:6000", Credentials{}, 0); err == nil {
		t.Fatal("expected error when bank id is missing")
	}
}
