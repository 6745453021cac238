// Package api provides the REST API for the KNXnet/IP bridge.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"knxlink/config"
	"knxlink/engine"
	"knxlink/knxnet"
	"knxlink/tunnel"
)

// sendTimeout bounds how long POST /send waits for the gateway.
const sendTimeout = 3 * time.Second

// TelegramResponse is the JSON form of a history record.
type TelegramResponse struct {
	Timestamp string `json:"timestamp"`
	Direction string `json:"direction"`
	ChannelID byte   `json:"channel_id"`
	Sequence  byte   `json:"sequence"`
	Raw       string `json:"raw"`
}

func telegramResponse(rec engine.TelegramRecord) TelegramResponse {
	return TelegramResponse{
		Timestamp: rec.Timestamp.UTC().Format(time.RFC3339Nano),
		Direction: rec.Direction,
		ChannelID: rec.ChannelID,
		Sequence:  rec.Sequence,
		Raw:       hex.EncodeToString(rec.Raw),
	}
}

// HexRequest carries raw bytes as hex. Spaces and colons are ignored.
type HexRequest struct {
	Hex string `json:"hex"`
}

// DecodeResponse describes a parsed frame.
type DecodeResponse struct {
	ServiceType uint16         `json:"service_type"`
	ServiceName string         `json:"service_name"`
	Length      int            `json:"length"`
	Payload     string         `json:"payload"`
	Description string         `json:"description"`
	Tunneling   *TunnelingInfo `json:"tunneling,omitempty"`
	Ack         *AckInfo       `json:"ack,omitempty"`
}

// TunnelingInfo is the decoded body of a tunneling request.
type TunnelingInfo struct {
	ChannelID byte   `json:"channel_id"`
	Sequence  byte   `json:"sequence"`
	Telegram  string `json:"telegram"`
}

// AckInfo is the decoded body of a tunneling ack.
type AckInfo struct {
	ChannelID byte   `json:"channel_id"`
	Sequence  byte   `json:"sequence"`
	Status    byte   `json:"status"`
	Text      string `json:"text"`
}

// SendResponse is the JSON response after sending a telegram.
type SendResponse struct {
	Raw       string `json:"raw"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// handlers holds the API handler functions.
type handlers struct {
	engine *engine.Engine
	hub    *eventHub
	subID  int
}

// NewRouter creates the REST API router. The returned cleanup function stops
// the event stream.
func NewRouter(eng *engine.Engine, cfg *config.Config) (chi.Router, func()) {
	r := chi.NewRouter()
	h := &handlers{engine: eng, hub: newEventHub()}
	auth := &authenticator{cfg: cfg, sessions: newSessionStore(cfg.Web.SessionSecret)}

	r.Post("/login", auth.handleLogin)
	r.Post("/logout", auth.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(auth.middleware)

		r.Get("/services", h.handleServices)
		r.Get("/services/{name}", h.handleServiceLookup)
		r.Get("/status", h.handleStatus)
		r.Get("/telegrams", h.handleTelegrams)
		r.Post("/decode", h.handleDecode)
		r.Get("/events", h.handleSSE)
		r.Get("/sinks", h.handleSinks)

		r.Group(func(r chi.Router) {
			r.Use(requireAdmin)
			r.Post("/send", h.handleSend)
			h.mountSinkRoutes(r)
		})
	})

	cleanup := h.setupSSE()
	return r, cleanup
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSONStatus(w, status, map[string]string{"error": message})
}

// parseHex decodes hex with optional space or colon separators.
func parseHex(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "").Replace(strings.TrimSpace(s))
	return hex.DecodeString(s)
}

func (h *handlers) handleServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, knxnet.Services())
}

func (h *handlers) handleServiceLookup(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	code, err := knxnet.ServiceCode(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, knxnet.ServiceEntry{Code: code, Name: name})
}

func (h *handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.engine.Status())
}

// handleTelegrams serves history: ?n= limits to the newest n, ?since= takes
// an RFC 3339 timestamp.
func (h *handlers) handleTelegrams(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var records []engine.TelegramRecord
	if since := q.Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339Nano, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since: "+err.Error())
			return
		}
		records = h.engine.Since(ts)
	} else {
		n := 0
		if s := q.Get("n"); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 0 {
				writeError(w, http.StatusBadRequest, "invalid n")
				return
			}
			n = v
		}
		records = h.engine.Recent(n)
	}

	resp := make([]TelegramResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, telegramResponse(rec))
	}
	writeJSON(w, resp)
}

func (h *handlers) handleDecode(w http.ResponseWriter, r *http.Request) {
	var req HexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	frame, err := parseHex(req.Hex)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid hex: "+err.Error())
		return
	}

	p, err := knxnet.ParsePacket(frame)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	resp := DecodeResponse{
		ServiceType: p.ServiceType,
		ServiceName: p.ServiceName(),
		Length:      len(frame),
		Payload:     hex.EncodeToString(p.Payload),
		Description: p.String(),
	}

	switch p.ServiceType {
	case knxnet.SvcTunnelingRequest:
		req, err := knxnet.ParseTunnelingRequest(p)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		resp.Tunneling = &TunnelingInfo{
			ChannelID: req.ChannelID(),
			Sequence:  req.Sequence(),
			Telegram:  hex.EncodeToString(req.Message().RawBytes()),
		}
	case knxnet.SvcTunnelingAck:
		ack, err := knxnet.ParseTunnelingAck(p)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		resp.Ack = &AckInfo{
			ChannelID: ack.ChannelID,
			Sequence:  ack.Sequence,
			Status:    ack.Status,
			Text:      knxnet.StatusText(ack.Status),
		}
	}

	writeJSON(w, resp)
}

func (h *handlers) handleSend(w http.ResponseWriter, r *http.Request) {
	var req HexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	raw, err := parseHex(req.Hex)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid hex: "+err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), sendTimeout)
	defer cancel()
	sendErr := h.engine.SendTelegram(ctx, raw)

	resp := SendResponse{
		Raw:       hex.EncodeToString(raw),
		Success:   sendErr == nil,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if sendErr == nil {
		writeJSON(w, resp)
		return
	}

	resp.Error = sendErr.Error()
	status := http.StatusInternalServerError
	switch {
	case errors.Is(sendErr, engine.ErrInvalidInput), errors.Is(sendErr, knxnet.ErrMalformed):
		status = http.StatusBadRequest
	case errors.Is(sendErr, engine.ErrNoGateway), errors.Is(sendErr, tunnel.ErrNotConnected):
		status = http.StatusServiceUnavailable
	case errors.Is(sendErr, tunnel.ErrAckTimeout), errors.Is(sendErr, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(sendErr, tunnel.ErrRejected):
		status = http.StatusBadGateway
	}
	writeJSONStatus(w, status, resp)
}
