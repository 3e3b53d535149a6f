package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/AsianManiac/webtoon-scraper/broadcast"
	"github.com/AsianManiac/webtoon-scraper/control"
	"github.com/AsianManiac/webtoon-scraper/models"
	"github.com/AsianManiac/webtoon-scraper/store"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var controlActions = map[string]bool{
	"start":  true,
	"pause":  true,
	"resume": true,
	"retry":  true,
}

// Server exposes submission, control and query endpoints plus the websocket
// progress channel
type Server struct {
	control  *control.Service
	hub      *broadcast.Hub
	httpAddr string
	upgrader websocket.Upgrader
	baseCtx  context.Context
	log      zerolog.Logger
}

func NewServer(svc *control.Service, hub *broadcast.Hub, httpAddr string, log zerolog.Logger) *Server {
	return &Server{
		control:  svc,
		hub:      hub,
		httpAddr: httpAddr,
		baseCtx:  context.Background(),
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /downloads", s.handleSubmit)
	mux.HandleFunc("GET /downloads", s.handleList)
	mux.HandleFunc("GET /downloads/{id}", s.handleDetails)
	mux.HandleFunc("POST /downloads/{id}/{action}", s.handleControl)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	return corsMiddleware(mux)
}

// Run serves HTTP until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	s.baseCtx = ctx
	srv := &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.httpAddr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorReply struct {
	Error  string `json:"error"`
	Status string `json:"status"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorReply{Error: msg, Status: "error"})
}

// errorStatus maps service errors onto HTTP status codes
func errorStatus(err error) int {
	var cerr *models.ControlError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, control.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.As(err, &cerr):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"message": "Webtoon download service is running",
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req models.DownloadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	subs, err := s.control.Submit(r.Context(), req)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to submit download")
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"downloads": subs})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var statuses []models.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status, err := models.ParseJobStatus(strings.ToUpper(strings.TrimSpace(part)))
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid status parameter")
				return
			}
			statuses = append(statuses, status)
		}
	}

	jobs, err := s.control.Jobs(r.Context(), statuses...)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list downloads")
		writeError(w, http.StatusInternalServerError, "Failed to list downloads")
		return
	}
	if jobs == nil {
		jobs = []*models.DownloadJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleDetails(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	job, err := s.control.Job(r.Context(), jobID)
	if err != nil {
		writeError(w, errorStatus(err), "Download not found")
		return
	}
	chapters, err := s.control.Chapters(r.Context(), jobID)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	if chapters == nil {
		chapters = []*models.ChapterRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"download": job, "chapters": chapters})
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	jobID, action := r.PathValue("id"), r.PathValue("action")
	if !controlActions[action] {
		writeError(w, http.StatusNotFound, "Unknown action")
		return
	}

	job, err := s.control.Apply(r.Context(), action, jobID)
	if err != nil {
		s.log.Warn().Err(err).Str("job_id", jobID).Str("action", action).Msg("Control command rejected")
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to upgrade to WebSocket")
		return
	}

	client := newClient(uuid.NewString(), conn, s.log)
	s.hub.Register(client)
	go client.writePump()
	go client.readPump(s.baseCtx, s.hub, s.control)
}
