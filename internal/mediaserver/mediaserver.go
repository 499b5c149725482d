// SPDX-License-Identifier: MIT

// Package mediaserver implements mediabin's read-only HTTP media server
// (spec.md §4.8, L8): GET /media/list and GET /media/play/<id>, backed
// by a fresh ledger connection per request. The server runs as a
// thejerf/suture service so a crashed listener is restarted by the
// supervision tree instead of taking the daemon down with it — the
// teacher declares suture/v4 as a dependency but never wires it in; this
// is that dependency's first real use in this tree.
package mediaserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/MaxDillon/mediabin-go/internal/config"
	"github.com/MaxDillon/mediabin-go/internal/ledger"
	"github.com/thejerf/suture/v4"
)

// Server is a suture.Service wrapping the media HTTP listener.
type Server struct {
	cfg        config.MediaConfig
	ledgerPath string
	datadir    string
	logger     *slog.Logger

	httpServer *http.Server
}

// New constructs a Server. ledgerPath and datadir are passed rather than
// a live *ledger.Ledger because the server opens a fresh connection per
// request (spec.md §4.8).
func New(cfg config.MediaConfig, ledgerPath, datadir string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, ledgerPath: ledgerPath, datadir: datadir, logger: logger}
}

// Serve implements suture.Service: it runs the HTTP listener until ctx
// is cancelled, at which point it shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/media/list", s.handleList)
	mux.HandleFunc("/media/play/", s.handlePlay)

	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddr, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("media server listening", "addr", addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("mediaserver: shutdown: %w", err)
		}
		return suture.ErrDoNotRestart
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return suture.ErrDoNotRestart
		}
		return fmt.Errorf("mediaserver: listen: %w", err)
	}
}

type listItem struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type listResponse struct {
	Items []listItem `json:"items"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	l, err := ledger.Open(r.Context(), s.ledgerPath)
	if err != nil {
		s.logger.Error("mediaserver: open ledger", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer l.Close()

	q := r.URL.Query()
	items, err := l.ListComplete(r.Context(), q.Get("q"), splitTags(q.Get("tags")))
	if err != nil {
		s.logger.Error("mediaserver: list complete", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := listResponse{Items: make([]listItem, len(items))}
	for i, item := range items {
		resp.Items[i] = listItem{ID: item.ID, Title: item.Title}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("mediaserver: encode response", "error", err)
	}
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	var tags []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				tags = append(tags, raw[start:i])
			}
			start = i + 1
		}
	}
	return tags
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := filepath.Base(r.URL.Path)
	if id == "" || id == "." || id == "/" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}

	l, err := ledger.Open(r.Context(), s.ledgerPath)
	if err != nil {
		s.logger.Error("mediaserver: open ledger", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer l.Close()

	item, err := l.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		s.logger.Error("mediaserver: get item", "id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if item.Status != ledger.StatusComplete {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	path := filepath.Join(s.datadir, item.ObjectPath, "video.mp4")
	f, err := os.Open(path) //nolint:gosec // path is built from the content-address scheme, not request input
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		s.logger.Error("mediaserver: open artifact", "path", path, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.logger.Error("mediaserver: stat artifact", "path", path, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Accept-Ranges", "bytes")
	http.ServeContent(w, r, "video.mp4", info.ModTime(), f)
}
