package mockserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/odvcencio/stagehand/pkg/wire"
)

const maxRequestBody = 1 << 20

// Router returns the REST surface of the mock service.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/start", s.handleStart)
		r.Post("/{sessionID}/{action}", s.handleAction)
	})
	return r
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.serveREST(w, r, wire.OpStart, "")
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	kind, ok := wire.RESTKind(chi.URLParam(r, "action"))
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Errorf("unknown action %q", chi.URLParam(r, "action")))
		return
	}
	s.serveREST(w, r, kind, chi.URLParam(r, "sessionID"))
}

func (s *Server) serveREST(w http.ResponseWriter, r *http.Request, kind wire.OpKind, sessionID string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	req, err := wire.DecodeRESTRequest(kind, body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	headers := make(map[string]string)
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-") && len(values) > 0 {
			headers[lower] = values[0]
		}
	}
	reply := s.record(Call{
		Kind:      kind,
		Transport: "rest",
		SessionID: sessionID,
		Request:   req,
		Headers:   headers,
	})

	if reply.Status != 0 {
		respondError(w, reply.Status, fmt.Errorf("%s", reply.Message))
		return
	}
	if kind == wire.OpEnd && reply.PlainAck {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]bool{"success": true})
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	flush()

	ctx := r.Context()
	for _, env := range reply.Envelopes {
		if err := sleepCtx(ctx, reply.Delay); err != nil {
			return
		}
		event, err := wire.EncodeStreamEnvelope(env)
		if err != nil {
			s.logger.Warn("encode mock event", "error", err)
			return
		}
		if _, err := w.Write(event); err != nil {
			return
		}
		flush()
	}
	if reply.Hang {
		<-ctx.Done()
		return
	}
	if reply.Drop {
		// Aborts the response without the terminating chunk.
		panic(http.ErrAbortHandler)
	}
}

func respondError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Error  string `json:"error"`
		Status int    `json:"status"`
	}{Error: err.Error(), Status: status})
}
