package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mfinch/spyglass/internal/common"
	"github.com/mfinch/spyglass/internal/models"
)

func dialHub(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *JobEventHub, want int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client count = %d, want %d", hub.ClientCount(), want)
}

func TestJobEventHub_BroadcastsToClient(t *testing.T) {
	hub := NewJobEventHub(common.NewSilentLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	ts := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer ts.Close()

	conn := dialHub(t, ts)
	waitForClients(t, hub, 1)

	hub.Publish(&models.JobEvent{
		Type:      "job_completed",
		Execution: &models.JobExecution{JobName: "rss_ingest", Status: models.ExecStatusCompleted},
		Timestamp: time.Now().UTC(),
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var event models.JobEvent
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	if event.Type != "job_completed" || event.Execution == nil || event.Execution.JobName != "rss_ingest" {
		t.Errorf("event = %+v, want job_completed for rss_ingest", event)
	}
}

func TestJobEventHub_MultipleClients(t *testing.T) {
	hub := NewJobEventHub(common.NewSilentLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	ts := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer ts.Close()

	first := dialHub(t, ts)
	second := dialHub(t, ts)
	waitForClients(t, hub, 2)

	hub.Publish(&models.JobEvent{
		Type:      "job_started",
		Execution: &models.JobExecution{JobName: "social_sentiment", Status: models.ExecStatusRunning},
	})

	for _, conn := range []*websocket.Conn{first, second} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var event models.JobEvent
		if err := json.Unmarshal(data, &event); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if event.Execution == nil || event.Execution.JobName != "social_sentiment" {
			t.Errorf("event = %+v, want social_sentiment", event)
		}
	}
}

func TestJobEventHub_DisconnectRemovesClient(t *testing.T) {
	hub := NewJobEventHub(common.NewSilentLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	ts := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer ts.Close()

	conn := dialHub(t, ts)
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)
}

func TestJobEventHub_PublishWithoutClientsDoesNotBlock(t *testing.T) {
	hub := NewJobEventHub(common.NewSilentLogger())

	// No Run loop draining; the buffered channel absorbs a burst and
	// Publish drops once full instead of blocking.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			hub.Publish(&models.JobEvent{Type: "job_started"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked with no consumer")
	}
}
