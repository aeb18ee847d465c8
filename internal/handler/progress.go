package handler

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"github.com/stemsplit/api/internal/model"
	"github.com/stemsplit/api/internal/registry"
	"github.com/stemsplit/api/internal/stream"
	"github.com/stemsplit/api/pkg/response"
)

type ProgressHandler struct {
	hub *stream.Hub

	// pingInterval bounds how long a dead SSE transport can hold its
	// subscriber slot when no job events arrive.
	pingInterval time.Duration
}

func NewProgressHandler(hub *stream.Hub) *ProgressHandler {
	return &ProgressHandler{
		hub:          hub,
		pingInterval: 30 * time.Second,
	}
}

// Stream handles GET /api/progress/:jobId as a server-sent event stream.
// Each event's data is the full snapshot; the stream closes after the
// terminal event. A write or flush error means the subscriber is gone, and
// releasing its slot takes priority over any final flush.
func (h *ProgressHandler) Stream(c *fiber.Ctx) error {
	jobID := c.Params("jobId")

	sub, err := h.hub.Subscribe(jobID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer h.hub.Unsubscribe(sub)
		h.writeStream(w, sub)
	}))

	return nil
}

// writeStream pushes events until the subscriber's channel closes or a
// write fails. An idle stream gets a comment-line keep-alive each ping
// interval so a gone transport is detected even when the job emits nothing.
func (h *ProgressHandler) writeStream(w *bufio.Writer, sub *stream.Subscriber) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				log.Printf("Failed to marshal progress event: %v", err)
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
}

// WebSocket returns the handler for GET /ws/jobs/:jobId, mirroring the SSE
// stream over a WebSocket connection.
func (h *ProgressHandler) WebSocket() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		jobID := c.Params("jobId")

		sub, err := h.hub.Subscribe(jobID)
		if err != nil {
			msg, _ := json.Marshal(fiber.Map{"error": "Job not found"})
			c.WriteMessage(websocket.TextMessage, msg)
			c.Close()
			return
		}
		defer h.hub.Unsubscribe(sub)

		// Writer goroutine: events plus keep-alive pings.
		done := make(chan struct{})
		go func() {
			defer close(done)
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()

			for {
				select {
				case event, ok := <-sub.Events():
					if !ok {
						c.WriteMessage(websocket.CloseMessage, []byte{})
						return
					}
					data, err := json.Marshal(event)
					if err != nil {
						return
					}
					if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
						return
					}

				case <-ticker.C:
					if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
						return
					}
				}
			}
		}()

		// Reader loop: detects disconnects and answers client pings.
		for {
			_, message, err := c.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("WebSocket error: %v", err)
				}
				break
			}

			var msg model.WSMessage
			if err := json.Unmarshal(message, &msg); err != nil {
				continue
			}
			if msg.Type == model.WSMessageTypePing {
				pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
				c.WriteMessage(websocket.TextMessage, pong)
			}
		}

		// Detach first so the events channel closes and the writer exits.
		h.hub.Unsubscribe(sub)
		<-done
	})
}
