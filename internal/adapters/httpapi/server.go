// Package httpapi exposes the operator API: connectivity status,
// manual reconnect and manual delivery triggers.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tallyline-io/courier/internal/domain"
	"github.com/tallyline-io/courier/internal/ports"
)

const dateFormat = "2006-01-02"

// Connection is the slice of the connection manager the API reads.
type Connection interface {
	State() domain.ConnectionState
	LastDisconnect() time.Time
}

// Reconnector triggers operator-initiated reconnection.
type Reconnector interface {
	ManualReconnect() error
	Attempts() int
}

// Deliveries is the slice of the delivery engine the API drives.
type Deliveries interface {
	RunFor(ctx context.Context, date time.Time) error
	RetryFailed(ctx context.Context, date time.Time) error
	Summary(ctx context.Context, date time.Time) (map[domain.DeliveryStatus]int, error)
}

// Server serves the operator API on a configured listen address.
type Server struct {
	addr       string
	conn       Connection
	reconnect  Reconnector
	deliveries Deliveries
	location   *time.Location
	logger     ports.Logger
	router     *gin.Engine
}

// NewServer wires the API routes. The server does not listen until Run.
func NewServer(addr string, conn Connection, reconnect Reconnector, deliveries Deliveries, loc *time.Location, logger ports.Logger) *Server {
	if loc == nil {
		loc = time.UTC
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		addr:       addr,
		conn:       conn,
		reconnect:  reconnect,
		deliveries: deliveries,
		location:   loc,
		logger:     logger,
		router:     gin.New(),
	}
	s.router.Use(gin.Recovery())

	v1 := s.router.Group("/v1")
	v1.GET("/status", s.handleStatus)
	v1.POST("/reconnect", s.handleReconnect)
	v1.POST("/deliveries/run", s.handleRunDeliveries)
	v1.POST("/deliveries/retry", s.handleRetryDeliveries)
	return s
}

// Router returns the underlying gin engine, used by tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("operator api listening", ports.String("addr", s.addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type statusResponse struct {
	State             string         `json:"state"`
	LastDisconnect    *time.Time     `json:"last_disconnect,omitempty"`
	ReconnectAttempts int            `json:"reconnect_attempts"`
	Date              string         `json:"date"`
	Deliveries        map[string]int `json:"deliveries"`
}

func (s *Server) handleStatus(c *gin.Context) {
	date, ok := s.parseDate(c, c.Query("date"), s.today())
	if !ok {
		return
	}

	counts, err := s.deliveries.Summary(c.Request.Context(), date)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	deliveries := make(map[string]int, len(counts))
	for status, n := range counts {
		deliveries[string(status)] = n
	}

	resp := statusResponse{
		State:             s.conn.State().String(),
		ReconnectAttempts: s.reconnect.Attempts(),
		Date:              date.Format(dateFormat),
		Deliveries:        deliveries,
	}
	if last := s.conn.LastDisconnect(); !last.IsZero() {
		resp.LastDisconnect = &last
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleReconnect(c *gin.Context) {
	if err := s.reconnect.ManualReconnect(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "reconnect triggered"})
}

type deliveryRequest struct {
	Date string `json:"date"`
}

func (s *Server) handleRunDeliveries(c *gin.Context) {
	s.triggerDelivery(c, s.deliveries.RunFor)
}

func (s *Server) handleRetryDeliveries(c *gin.Context) {
	s.triggerDelivery(c, s.deliveries.RetryFailed)
}

// triggerDelivery kicks the cycle off in the background: a full cycle
// sleeps between records and may take minutes.
func (s *Server) triggerDelivery(c *gin.Context, run func(ctx context.Context, date time.Time) error) {
	var req deliveryRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	// Manual triggers default to the most recently completed period.
	date, ok := s.parseDate(c, req.Date, s.today().AddDate(0, 0, -1))
	if !ok {
		return
	}

	go func() {
		if err := run(context.Background(), date); err != nil {
			if errors.Is(err, domain.ErrCycleInFlight) {
				return
			}
			s.logger.Error("manual delivery trigger failed",
				ports.Time("period", date), ports.Err(err))
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "cycle triggered", "date": date.Format(dateFormat)})
}

func (s *Server) parseDate(c *gin.Context, raw string, fallback time.Time) (time.Time, bool) {
	if raw == "" {
		return fallback, true
	}
	date, err := time.ParseInLocation(dateFormat, raw, s.location)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return time.Time{}, false
	}
	return date, true
}

func (s *Server) today() time.Time {
	now := time.Now().In(s.location)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.location)
}
