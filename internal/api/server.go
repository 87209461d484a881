// Package api is the HTTP surface: the broadcast endpoint, the pairing
// pages, the push channel, status and metrics.
package api

import (
	"context"
	"io/fs"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"whatsapp-ai-bot/internal/whatsapp"
)

// Messenger is what the HTTP handlers need from the connection supervisor.
type Messenger interface {
	Snapshot() whatsapp.Snapshot
	Resolve(ctx context.Context, number string) (types.JID, bool, error)
	Upload(ctx context.Context, data []byte, fileName string) (*whatsapp.Media, error)
	SendText(ctx context.Context, to, text string) error
	SendMedia(ctx context.Context, jid types.JID, m *whatsapp.Media, caption string) error
}

type Options struct {
	Messenger Messenger
	// Push serves the websocket push channel at /ws.
	Push http.Handler
	// Static holds index.html, scan.html and the assets directory.
	Static      fs.FS
	CORSOrigins []string
	UploadDir   string
	// MaxUpload bounds the multipart body size in bytes.
	MaxUpload int64
	Log       waLog.Logger
}

type Server struct {
	wa        Messenger
	static    fs.FS
	uploadDir string
	maxUpload int64
	log       waLog.Logger
	handler   http.Handler
}

func NewServer(opts Options) *Server {
	s := &Server{
		wa:        opts.Messenger,
		static:    opts.Static,
		uploadDir: opts.UploadDir,
		maxUpload: opts.MaxUpload,
		log:       opts.Log,
	}
	if s.log == nil {
		s.log = waLog.Noop
	}
	if s.maxUpload <= 0 {
		s.maxUpload = 64 << 20
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/", s.servePage("index.html"))
	r.Get("/scan", s.servePage("scan.html"))
	if s.static != nil {
		if assets, err := fs.Sub(s.static, "assets"); err == nil {
			r.Handle("/assets/*", http.StripPrefix("/assets/", http.FileServer(http.FS(assets))))
		}
	}
	if opts.Push != nil {
		r.Handle("/ws", opts.Push)
	}
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/send-message", s.handleSendMessage)

	s.handler = cors.New(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(r)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("HTTP server listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) servePage(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.static == nil {
			http.NotFound(w, r)
			return
		}
		data, err := fs.ReadFile(s.static, name)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(data)
	}
}

type statusResponse struct {
	Phase      whatsapp.Phase `json:"phase"`
	State      string         `json:"state"`
	JID        string         `json:"jid,omitempty"`
	LastCause  string         `json:"last_cause,omitempty"`
	LastAction string         `json:"last_action,omitempty"`
	Reconnects int            `json:"reconnects"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.wa.Snapshot()
	resp := statusResponse{
		Phase:      snap.Phase,
		State:      snap.State.String(),
		JID:        snap.JID,
		Reconnects: snap.Reconnects,
	}
	if snap.State == whatsapp.Closed || snap.Reconnects > 0 {
		resp.LastCause = snap.LastCause.String()
		resp.LastAction = snap.LastAction.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/metrics" {
			return
		}
		s.log.Debugf("%s %s %d %s", r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Millisecond))
	})
}
