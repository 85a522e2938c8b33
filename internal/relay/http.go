package relay

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"modbus-relay/internal/historian"
	"modbus-relay/internal/metrics"
)

// NewMux wires the relay's HTTP surface. hmiDir, when set, is served at /.
func NewMux(h *Hub, hmiDir string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/websocket", h.ServeWebsocket)
	mux.HandleFunc("/export", h.ServeExport)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int{"clients": h.Clients()})
	})
	if strings.TrimSpace(hmiDir) != "" {
		mux.Handle("/", http.FileServer(http.Dir(hmiDir)))
	}
	return mux
}

type exportRequest struct {
	From     string `json:"from"`
	To       string `json:"to"`
	DeviceID *int   `json:"device_id"`
	Limit    int    `json:"limit"`
	Format   string `json:"format"`
}

// ServeExport answers GET query parameters or a POST JSON body with the
// historian batches in the requested time range.
func (h *Hub) ServeExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	switch r.Method {
	case http.MethodGet:
		qs := r.URL.Query()
		req.From, req.To, req.Format = qs.Get("from"), qs.Get("to"), qs.Get("format")
		if v := qs.Get("device"); v != "" {
			id, err := strconv.Atoi(v)
			if err != nil {
				http.Error(w, "device must be an integer", http.StatusBadRequest)
				return
			}
			req.DeviceID = &id
		}
		if v := qs.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				http.Error(w, "limit must be an integer", http.StatusBadRequest)
				return
			}
			req.Limit = n
		}
	case http.MethodPost:
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q, format, err := req.query()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	batches, err := h.Query(r.Context(), q)
	if err != nil {
		log.Printf("relay: export query: %v", err)
		http.Error(w, "historian unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	if format != historian.FormatJSON {
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="historian.%s"`, format))
	}
	if err := historian.Export(w, format, batches); err != nil {
		log.Printf("relay: export %s: %v", format, err)
	}
}

func (req exportRequest) query() (historian.Query, historian.Format, error) {
	format, err := historian.ParseFormat(req.Format)
	if err != nil {
		return historian.Query{}, "", err
	}
	q := historian.Query{DeviceID: req.DeviceID, Limit: req.Limit}
	if q.From, err = parseTime(req.From); err != nil {
		return historian.Query{}, "", fmt.Errorf("from: %w", err)
	}
	if q.To, err = parseTime(req.To); err != nil {
		return historian.Query{}, "", fmt.Errorf("to: %w", err)
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return historian.Query{}, "", fmt.Errorf("to is before from")
	}
	return q, format, nil
}

// parseTime accepts RFC 3339 or unix seconds; empty is the zero time.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	return time.Parse(time.RFC3339, s)
}
