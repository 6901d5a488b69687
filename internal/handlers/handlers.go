// Package handlers exposes the HTTP surface: health, stats, the preview page
// and its WebSocket stream.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/Brownie44l1/segcam/internal/stats"
	"github.com/Brownie44l1/segcam/internal/viewer"
)

type Handler struct {
	stats  *stats.Counters
	viewer *viewer.Viewer
	model  string
	log    *slog.Logger
}

// NewHandler builds the handler set. v may be nil when the preview is disabled.
func NewHandler(st *stats.Counters, v *viewer.Viewer, model string, logger *slog.Logger) *Handler {
	return &Handler{
		stats:  st,
		viewer: v,
		model:  model,
		log:    logger,
	}
}

func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// Routes registers every endpoint on a new mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", enableCORS(h.Health))
	mux.HandleFunc("/stats", enableCORS(h.Stats))
	if h.viewer != nil {
		mux.HandleFunc("/snapshot.jpg", enableCORS(h.Snapshot))
		mux.Handle("/ws", h.viewer)
		mux.HandleFunc("/{$}", h.Index)
	}
	return mux
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, map[string]string{"status": "healthy", "model": h.model})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, h.stats.Snapshot())
}

// Snapshot serves the latest composite as a JPEG, ?panel= selects the layout.
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	panel := viewer.PanelAll
	if q := r.URL.Query().Get("panel"); q != "" {
		p, err := viewer.ParsePanel(q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		panel = p
	}

	img, ok, err := h.viewer.Snapshot(panel)
	if err != nil {
		h.log.Error("snapshot failed", "error", err)
		http.Error(w, "Snapshot failed", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "No frame yet", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(img)
}

func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(indexPage))
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug("write response failed", "error", err)
	}
}

const indexPage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>segcam preview</title>
<style>
body { background: #111; color: #ddd; font-family: monospace; margin: 1em; }
button { margin-right: .5em; }
button.active { background: #ffd400; }
img { display: block; margin-top: 1em; max-width: 100%; }
</style>
</head>
<body>
<div id="panels">
<button data-panel="all" class="active">all</button>
<button data-panel="composite">composite</button>
<button data-panel="low">input</button>
<button data-panel="mask">mask</button>
<span id="status">connecting</span>
</div>
<img id="view" alt="">
<script>
const view = document.getElementById("view");
const status = document.getElementById("status");
const buttons = document.querySelectorAll("#panels button");
let ws, panel = "all", url;

function connect() {
  const proto = location.protocol === "https:" ? "wss:" : "ws:";
  ws = new WebSocket(proto + "//" + location.host + "/ws?panel=" + panel);
  ws.binaryType = "blob";
  ws.onopen = () => { status.textContent = "live"; };
  ws.onclose = () => { status.textContent = "disconnected"; setTimeout(connect, 1000); };
  ws.onmessage = (ev) => {
    if (url) URL.revokeObjectURL(url);
    url = URL.createObjectURL(ev.data);
    view.src = url;
  };
}

buttons.forEach((b) => b.addEventListener("click", () => {
  panel = b.dataset.panel;
  buttons.forEach((o) => o.classList.toggle("active", o === b));
  if (ws && ws.readyState === WebSocket.OPEN) ws.send(panel);
}));

connect();
</script>
</body>
</html>
`
