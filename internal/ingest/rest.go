package ingest

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"insiderwatch/internal/model"
	"insiderwatch/internal/normalize"
)

const maxRESTBody = 2 << 20

// RESTServer accepts POST /events with a single JSON object or an array.
// The listener itself is owned by the supervisor's HTTP service.
type RESTServer struct {
	out    chan<- model.ActivityEvent
	logger *slog.Logger
}

func NewRESTServer(out chan<- model.ActivityEvent, logger *slog.Logger) *RESTServer {
	return &RESTServer{out: out, logger: logger}
}

func (s *RESTServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/events", s.handleEvents)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return r
}

type ingestResult struct {
	Accepted int      `json:"accepted"`
	Failed   int      `json:"failed"`
	Dropped  int      `json:"dropped"`
	Errors   []string `json:"errors,omitempty"`
}

func (s *RESTServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRESTBody))
	if err != nil {
		http.Error(w, "body too large or unreadable", http.StatusBadRequest)
		return
	}
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	var objs []map[string]interface{}
	if trim[0] == '[' {
		if err := json.Unmarshal(trim, &objs); err != nil {
			http.Error(w, "invalid json array", http.StatusBadRequest)
			return
		}
	} else {
		var obj map[string]interface{}
		if err := json.Unmarshal(trim, &obj); err != nil {
			http.Error(w, "invalid json object", http.StatusBadRequest)
			return
		}
		objs = append(objs, obj)
	}

	var res ingestResult
	for i, obj := range objs {
		fields := ParseJSONMap(obj)
		ev, err := normalize.Normalize(*fields, "rest")
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("event %d: %v", i, err))
			if s.logger != nil {
				s.logger.Warn("rest normalize error", "err", err)
			}
			continue
		}
		if !SendNonBlocking(r.Context(), s.out, ev, s.logger) {
			res.Dropped++
			continue
		}
		res.Accepted++
	}

	status := http.StatusAccepted
	if res.Accepted == 0 && res.Failed > 0 {
		status = http.StatusUnprocessableEntity
	} else if res.Accepted == 0 && res.Dropped > 0 {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}
