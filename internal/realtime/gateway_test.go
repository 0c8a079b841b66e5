package realtime

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/holdfast-hq/holdfast/internal/config"
	"github.com/holdfast-hq/holdfast/internal/eventbus"
)

func newTestBus(t *testing.T) *eventbus.Bus {
	t.Helper()
	bus := eventbus.New(config.BusConfig{QueueDepth: 64})
	bus.Start()
	t.Cleanup(bus.Stop)
	return bus
}

// sseFrame is one parsed server-sent event.
type sseFrame struct {
	Event string
	ID    string
	Data  string
}

// readFrame consumes lines until a blank frame terminator, skipping comments.
func readFrame(t *testing.T, scanner *bufio.Scanner) sseFrame {
	t.Helper()
	var frame sseFrame
	seen := false
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if seen {
				return frame
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		seen = true
		switch {
		case strings.HasPrefix(line, "event: "):
			frame.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			frame.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			frame.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	t.Fatalf("stream ended before a complete frame: %v", scanner.Err())
	return frame
}

func TestGatewayStreamsMatchingEvents(t *testing.T) {
	bus := newTestBus(t)
	gateway := NewGateway(bus)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gateway.ServeSlots(w, r, "mt-1")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL, nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected text/event-stream, got %s", ct)
	}

	scanner := bufio.NewScanner(resp.Body)

	frame := readFrame(t, scanner)
	if frame.Event != "connected" {
		t.Fatalf("Expected connected frame first, got %q", frame.Event)
	}
	if !strings.Contains(frame.Data, "mt-1") {
		t.Errorf("Expected connected data to carry the meeting type, got %s", frame.Data)
	}

	// Events for other meeting types must not reach this client.
	if _, err := bus.Publish(context.Background(), eventbus.SubjectSlotHeld, eventbus.SlotEvent{
		HoldID:        "other-hold",
		MeetingTypeID: "mt-2",
		SlotStart:     time.Now().UTC(),
		SlotEnd:       time.Now().UTC().Add(30 * time.Minute),
	}); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	env, err := bus.Publish(context.Background(), eventbus.SubjectSlotHeld, eventbus.SlotEvent{
		HoldID:        "hold-1",
		MeetingTypeID: "mt-1",
		SlotStart:     time.Now().UTC(),
		SlotEnd:       time.Now().UTC().Add(30 * time.Minute),
	})
	if err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	frame = readFrame(t, scanner)
	if frame.Event != "slot.held" {
		t.Errorf("Expected slot.held frame, got %q", frame.Event)
	}
	if frame.ID != env.EventID {
		t.Errorf("Expected frame id %s, got %s", env.EventID, frame.ID)
	}
	if !strings.Contains(frame.Data, `"hold_id":"hold-1"`) {
		t.Errorf("Expected payload for hold-1, got %s", frame.Data)
	}
	if strings.Contains(frame.Data, "other-hold") {
		t.Errorf("Frame for mt-2 leaked through the filter: %s", frame.Data)
	}
}

func TestGatewayTearsDownConsumerOnDisconnect(t *testing.T) {
	bus := newTestBus(t)
	gateway := NewGateway(bus)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gateway.ServeSlots(w, r, "mt-1")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, "GET", srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	if frame := readFrame(t, scanner); frame.Event != "connected" {
		t.Fatalf("Expected connected frame, got %q", frame.Event)
	}
	if gateway.Active() != 1 {
		t.Fatalf("Expected 1 active client, got %d", gateway.Active())
	}

	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for gateway.Active() != 0 || bus.Stats().Consumers != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected teardown after disconnect, active=%d consumers=%d",
				gateway.Active(), bus.Stats().Consumers)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGatewaySkipsMalformedPayloads(t *testing.T) {
	bus := newTestBus(t)
	gateway := NewGateway(bus)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gateway.ServeSlots(w, r, "mt-1")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	if frame := readFrame(t, scanner); frame.Event != "connected" {
		t.Fatalf("Expected connected frame, got %q", frame.Event)
	}

	// Not JSON; the gateway must ack it and keep the stream alive.
	if err := bus.PublishEnvelope(context.Background(), eventbus.SubjectSlotHeld, eventbus.Envelope{
		Data: []byte("not json"),
	}); err != nil {
		t.Fatalf("Failed to publish malformed envelope: %v", err)
	}
	if _, err := bus.Publish(context.Background(), eventbus.SubjectSlotHeld, eventbus.SlotEvent{
		HoldID:        "hold-after",
		MeetingTypeID: "mt-1",
		SlotStart:     time.Now().UTC(),
		SlotEnd:       time.Now().UTC().Add(30 * time.Minute),
	}); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	frame := readFrame(t, scanner)
	if frame.Event != "slot.held" || !strings.Contains(frame.Data, "hold-after") {
		t.Errorf("Expected the well-formed event after the malformed one, got %+v", frame)
	}
}
