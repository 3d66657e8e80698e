// Package statusapi serves the sync status to local consumers (a tray icon,
// a dashboard, a shell prompt) over HTTP: a JSON snapshot, a websocket
// stream of transitions, a manual sync trigger, and Prometheus metrics.
package statusapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/KossiPascal/health-map-project/internal/syncer"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 5 * time.Second
	writeTimeout      = 10 * time.Second
	contentTypeJSON   = "application/json; charset=utf-8"
)

// Syncer is the part of the sync coordinator the API exposes.
type Syncer interface {
	Status() syncer.Status
	Subscribe() (<-chan syncer.Status, func())
	ManualSync(ctx context.Context) error
}

// Connectivity reports and publishes the online state.
type Connectivity interface {
	Online() bool
	Subscribe() (<-chan bool, func())
}

// StatusView is the JSON shape of every status response and stream frame.
type StatusView struct {
	Status   syncer.Status `json:"status"`
	Label    string        `json:"label"`
	Online   bool          `json:"online"`
	CSSClass string        `json:"cssClass"`
	Error    string        `json:"error,omitempty"`
}

// Server routes the status API.
type Server struct {
	engine *gin.Engine
	sync   Syncer
	net    Connectivity
	logger *slog.Logger
}

// New builds the router. A nil gatherer disables /metrics.
func New(s Syncer, conn Connectivity, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)

	srv := &Server{
		engine: gin.New(),
		sync:   s,
		net:    conn,
		logger: logger,
	}

	srv.engine.Use(gin.Recovery(), requestLogger(logger))

	srv.engine.GET("/status", srv.getStatus)
	srv.engine.GET("/status/stream", srv.streamStatus)
	srv.engine.POST("/sync", srv.postSync)

	if gatherer != nil {
		srv.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	return srv
}

// Handler returns the router for embedding or testing.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve listens on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("statusapi: listening on %s: %w", addr, err)
	}

	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	httpSrv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: readHeaderTimeout,
		// Streams end when the daemon shuts down.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- httpSrv.Serve(ln)
	}()

	s.logger.Info("status api listening", slog.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("statusapi: serving: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("statusapi: shutdown: %w", err)
	}

	return nil
}

func (s *Server) view(st syncer.Status) StatusView {
	return StatusView{
		Status:   st,
		Label:    st.Label(),
		Online:   s.net != nil && s.net.Online(),
		CSSClass: st.CSSClass(),
	}
}

func (s *Server) getStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, s.view(s.sync.Status()))
}

func (s *Server) postSync(c *gin.Context) {
	err := s.sync.ManualSync(c.Request.Context())

	v := s.view(s.sync.Status())
	if err != nil {
		s.logger.Warn("manual sync via status api failed", slog.String("error", err.Error()))

		v.Error = err.Error()
		writeJSON(c, http.StatusBadGateway, v)

		return
	}

	writeJSON(c, http.StatusOK, v)
}

func (s *Server) streamStatus(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		// Accept has already written the error response.
		s.logger.Debug("websocket accept failed", slog.String("error", err.Error()))

		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(c.Request.Context())

	statuses, cancelStatus := s.sync.Subscribe()
	defer cancelStatus()

	var online <-chan bool

	if s.net != nil {
		ch, cancelNet := s.net.Subscribe()
		defer cancelNet()

		online = ch
	}

	current := s.sync.Status()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")

			return
		case st, ok := <-statuses:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "status closed")

				return
			}

			current = st
		case _, ok := <-online:
			if !ok {
				online = nil

				continue
			}
		}

		if err := s.send(ctx, conn, s.view(current)); err != nil {
			s.logger.Debug("status stream closed", slog.String("error", err.Error()))

			return
		}
	}
}

func (s *Server) send(ctx context.Context, conn *websocket.Conn, v StatusView) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding status: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return conn.Write(ctx, websocket.MessageText, data)
}

func writeJSON(c *gin.Context, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.AbortWithStatus(http.StatusInternalServerError)

		return
	}

	c.Data(code, contentTypeJSON, data)
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger.Debug("status api request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(start)),
		)
	}
}
