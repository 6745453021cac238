package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"knxlink/engine"
	"knxlink/logging"
)

// sseEvent is an internal event for the API SSE hub.
type sseEvent struct {
	Type string
	Data interface{}
}

type gatewayUpdate struct {
	Gateway   string `json:"gateway"`
	Connected bool   `json:"connected"`
	ChannelID byte   `json:"channel_id"`
	Reason    string `json:"reason,omitempty"`
}

type failureUpdate struct {
	Raw   string `json:"raw"`
	Error string `json:"error"`
}

type sinkUpdate struct {
	Name string `json:"name"`
}

// apiSSEClient is one connected SSE client.
type apiSSEClient struct {
	id     string
	events chan sseEvent
}

// eventHub manages SSE client connections and broadcasts events.
type eventHub struct {
	clients    map[string]*apiSSEClient
	register   chan *apiSSEClient
	unregister chan *apiSSEClient
	broadcast  chan sseEvent
	mu         sync.RWMutex
	done       chan struct{}
	stopOnce   sync.Once
}

func newEventHub() *eventHub {
	hub := &eventHub{
		clients:    make(map[string]*apiSSEClient),
		register:   make(chan *apiSSEClient),
		unregister: make(chan *apiSSEClient),
		broadcast:  make(chan sseEvent, 256),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

func (h *eventHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.events)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				select {
				case client.events <- event:
				default:
					logging.DebugLog("api", "SSE client %s buffer full, dropping %s event", client.id, event.Type)
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.events)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *eventHub) Broadcast(event sseEvent) {
	select {
	case h.broadcast <- event:
	default:
		logging.DebugLog("api", "SSE broadcast channel full, dropping %s event", event.Type)
	}
}

func (h *eventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *eventHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// handleSSE streams engine events. ?types= takes a comma separated list of
// event names such as telegram_received,gateway_connected.
func (h *handlers) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	var typeFilter map[string]bool
	if types := r.URL.Query().Get("types"); types != "" {
		typeFilter = make(map[string]bool)
		for _, t := range strings.Split(types, ",") {
			typeFilter[strings.TrimSpace(t)] = true
		}
	}

	client := &apiSSEClient{
		id:     fmt.Sprintf("api-%d", time.Now().UnixNano()),
		events: make(chan sseEvent, 64),
	}

	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		writeError(w, http.StatusServiceUnavailable, "event stream stopped")
		return
	}

	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", client.id)
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			select {
			case h.hub.unregister <- client:
			case <-h.hub.done:
			}
			return

		case event, ok := <-client.events:
			if !ok {
				return
			}
			if typeFilter != nil && !typeFilter[event.Type] {
				continue
			}
			data, err := json.Marshal(event.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// toSSE converts an engine event to its stream form.
func toSSE(ev engine.Event) (sseEvent, bool) {
	out := sseEvent{Type: ev.Type.String()}
	switch p := ev.Payload.(type) {
	case engine.TelegramEvent:
		if p.Err != nil {
			out.Data = failureUpdate{Raw: fmt.Sprintf("%x", p.Record.Raw), Error: p.Err.Error()}
		} else {
			out.Data = telegramResponse(p.Record)
		}
	case engine.GatewayEvent:
		out.Data = gatewayUpdate{
			Gateway:   p.Gateway,
			Connected: ev.Type == engine.EventGatewayConnected,
			ChannelID: p.ChannelID,
			Reason:    p.Reason,
		}
	case engine.ServiceEvent:
		out.Data = sinkUpdate{Name: p.Name}
	default:
		return out, false
	}
	return out, true
}

// setupSSE subscribes the hub to the engine's event bus. The returned
// function unsubscribes and stops the hub.
func (h *handlers) setupSSE() func() {
	h.subID = h.engine.Events.Subscribe(func(ev engine.Event) {
		if h.hub.ClientCount() == 0 {
			return
		}
		if out, ok := toSSE(ev); ok {
			h.hub.Broadcast(out)
		}
	})

	return func() {
		h.engine.Events.Unsubscribe(h.subID)
		h.hub.Stop()
	}
}
