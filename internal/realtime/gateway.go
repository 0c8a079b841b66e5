package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/holdfast-hq/holdfast/internal/eventbus"
)

const (
	// frameBuffer is how many events a client can fall behind before the
	// consumer's ack-wait starts burning delivery attempts.
	frameBuffer = 16

	heartbeatInterval = 25 * time.Second
)

// Gateway streams slot and booking lifecycle events to browsers over SSE.
// Each connection gets its own ephemeral bus consumer, so an abandoned or
// stalled client drops its events instead of dead-lettering them.
type Gateway struct {
	bus    *eventbus.Bus
	active int64
}

// NewGateway creates a new realtime gateway
func NewGateway(bus *eventbus.Bus) *Gateway {
	return &Gateway{bus: bus}
}

// Active returns the number of connected SSE clients.
func (g *Gateway) Active() int {
	return int(atomic.LoadInt64(&g.active))
}

// ServeSlots streams slot.* and booking.* events whose payload names the
// given meeting type. The stream opens with a connected frame and stays up
// until the client disconnects.
func (g *Gateway) ServeSlots(w http.ResponseWriter, r *http.Request, meetingTypeID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	frames := make(chan eventbus.Envelope, frameBuffer)

	consumer, err := g.bus.Consume(eventbus.ConsumerConfig{
		Stream:        eventbus.StreamBookings,
		DeliverPolicy: eventbus.DeliverNew,
		MaxDeliver:    3,
		AckWait:       5 * time.Second,
	}, func(hctx context.Context, env eventbus.Envelope) error {
		if !matchesMeetingType(env, meetingTypeID) {
			return nil
		}
		select {
		case frames <- env:
			return nil
		case <-ctx.Done():
			// Client gone; ack so teardown is not delayed by retries.
			return nil
		case <-hctx.Done():
			return hctx.Err()
		}
	})
	if err != nil {
		http.Error(w, "stream unavailable", http.StatusInternalServerError)
		return
	}
	defer consumer.Stop()

	atomic.AddInt64(&g.active, 1)
	defer atomic.AddInt64(&g.active, -1)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: connected\ndata: {\"meetingTypeId\":%q}\n\n", meetingTypeID)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-frames:
			fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", env.EventType, env.EventID, env.Data)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// matchesMeetingType filters on the meeting_type_id carried in the payload.
// Malformed payloads are acked and logged; they cannot be fixed by retrying.
func matchesMeetingType(env eventbus.Envelope, meetingTypeID string) bool {
	var peek struct {
		MeetingTypeID string `json:"meeting_type_id"`
	}
	if err := json.Unmarshal(env.Data, &peek); err != nil {
		log.Printf("[SSE] Acking malformed %s payload: %v", env.EventType, err)
		return false
	}
	return peek.MeetingTypeID == meetingTypeID
}
