package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"knxlink/engine"
)

// writeEngineError maps engine sentinel errors to HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *handlers) handleSinks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.engine.Status().Sinks)
}

// sinkOps binds the engine operations for one sink type.
type sinkOps struct {
	create func(r *http.Request) (string, error)
	remove func(name string) error
	start  func(name string) error
	stop   func(name string) error
}

func decodeInto(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(engine.ErrInvalidInput, err)
	}
	return nil
}

func (h *handlers) mountSinkRoutes(r chi.Router) {
	e := h.engine
	kinds := map[string]sinkOps{
		"mqtt": {
			create: func(r *http.Request) (string, error) {
				var req engine.MQTTCreateRequest
				if err := decodeInto(r, &req); err != nil {
					return "", err
				}
				return req.Name, e.CreateMQTT(req)
			},
			remove: e.DeleteMQTT,
			start:  e.StartMQTT,
			stop:   e.StopMQTT,
		},
		"valkey": {
			create: func(r *http.Request) (string, error) {
				var req engine.ValkeyCreateRequest
				if err := decodeInto(r, &req); err != nil {
					return "", err
				}
				return req.Name, e.CreateValkey(req)
			},
			remove: e.DeleteValkey,
			start:  e.StartValkey,
			stop:   e.StopValkey,
		},
		"kafka": {
			create: func(r *http.Request) (string, error) {
				var req engine.KafkaCreateRequest
				if err := decodeInto(r, &req); err != nil {
					return "", err
				}
				return req.Name, e.CreateKafka(req)
			},
			remove: e.DeleteKafka,
			start:  e.ConnectKafka,
			stop:   e.DisconnectKafka,
		},
	}

	for kind, ops := range kinds {
		r.Route("/sinks/"+kind, func(r chi.Router) {
			r.Post("/", func(w http.ResponseWriter, r *http.Request) {
				name, err := ops.create(r)
				if err != nil {
					writeEngineError(w, err)
					return
				}
				writeJSONStatus(w, http.StatusCreated, map[string]string{"name": name})
			})
			r.Delete("/{name}", sinkAction(ops.remove))
			r.Post("/{name}/start", sinkAction(ops.start))
			r.Post("/{name}/stop", sinkAction(ops.stop))
		})
	}
}

func sinkAction(fn func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(chi.URLParam(r, "name")); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
