package instance

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"github.com/gdbrns/go-whatsapp-session-manager/pkg/eventbus"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/log"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/router"
)

// GetEvents
// @Summary     Live session events
// @Description Server-sent events stream of status, qr, log and message events
// @Tags        Instance
// @Produce     text/event-stream
// @Security    BearerAuth
// @Param       kinds query string false "Comma separated event kinds, all when empty"
// @Success     200
// @Router      /instance/events [get]
func (h *Handler) GetEvents(c *fiber.Ctx) error {
	var kinds []eventbus.Kind
	for _, name := range strings.Split(c.Query("kinds"), ",") {
		if name = strings.TrimSpace(strings.ToLower(name)); name == "" {
			continue
		}
		kind, err := eventbus.ParseKind(name)
		if err != nil {
			return router.ResponseBadRequest(c, err.Error())
		}
		kinds = append(kinds, kind)
	}

	s, err := h.session(c)
	if err != nil {
		return respondError(c, err)
	}

	// The bus delivers synchronously; a slow client loses events instead of stalling the session.
	events := make(chan eventbus.Event, 64)
	unsubscribe := s.Bus().Subscribe(func(evt eventbus.Event) {
		select {
		case events <- evt:
		default:
		}
	}, kinds...)
	entry := log.Print(c)
	snapshot := s.Snapshot()
	heartbeat := h.heartbeat

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer unsubscribe()
		entry.Debug("event stream opened")

		if writeEvent(w, "snapshot", snapshot) != nil {
			return
		}
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case evt := <-events:
				if writeEvent(w, string(evt.Kind), evt) != nil {
					entry.Debug("event stream closed")
					return
				}
			case <-ticker.C:
				if _, err := w.WriteString(": ping\n\n"); err != nil {
					return
				}
				if w.Flush() != nil {
					entry.Debug("event stream closed")
					return
				}
			}
		}
	}))
	return nil
}

func writeEvent(w *bufio.Writer, name string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	return w.Flush()
}
