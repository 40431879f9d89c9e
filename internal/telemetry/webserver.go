package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rjboer/heimdallclient/internal/dsp"
	"github.com/rjboer/heimdallclient/internal/logging"
)

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Display is the selectable single-channel view. *app.Receiver satisfies
// it; SelectChannel fails for an index the last frame did not carry.
type Display interface {
	SelectChannel(ch int) error
	SelectedChannel() int
	Display() (dsp.Spectrum, bool)
}

// DisplayView is the body of the /api/display routes.
type DisplayView struct {
	Channel      int       `json:"channel"`
	FrequencyMHz []float64 `json:"frequencyMHz,omitempty"`
	PowerDBm     []float64 `json:"powerDBm,omitempty"`
	MaxPowerDBm  float64   `json:"maxPowerDBm"`
}

// WebServer exposes status, spectra, live updates and metrics over HTTP.
type WebServer struct {
	srv    *http.Server
	hub    *Hub
	logger logging.Logger

	mu      sync.RWMutex
	display Display
}

// NewWebServer builds the HTTP server. A nil gatherer serves the default
// Prometheus registry on /metrics.
func NewWebServer(addr string, hub *Hub, gatherer prometheus.Gatherer, logger logging.Logger) *WebServer {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = logging.Default()
	}
	w := &WebServer{
		hub:    hub,
		logger: logger.With(logging.Field{Key: "subsystem", Value: "http"}),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), w.requestLogger())

	api := router.Group("/api")
	{
		api.GET("/status", w.handleStatus)
		api.GET("/notifications", w.handleNotifications)
		api.GET("/spectrum", w.handleSpectrum)
		api.GET("/spectrum/:channel", w.handleChannelSpectrum)
		api.GET("/live", w.handleLive)
		api.GET("/display", w.handleGetDisplay)
		api.PUT("/display/:channel", w.handleSelectDisplay)
		api.GET("/config", w.handleGetConfig)
		api.POST("/config/update", w.handleSetConfig)
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	w.srv = &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	return w
}

// SetDisplay attaches the display channel selector. Until it is set the
// display routes answer 503.
func (w *WebServer) SetDisplay(d Display) {
	w.mu.Lock()
	w.display = d
	w.mu.Unlock()
}

func (w *WebServer) currentDisplay() Display {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.display
}

// Handler exposes the router, mainly for tests.
func (w *WebServer) Handler() http.Handler { return w.srv.Handler }

// Start serves until ctx is cancelled.
func (w *WebServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.srv.Shutdown(shutdownCtx); err != nil {
			w.logger.Warn("shutdown", logging.Field{Key: "error", Value: err})
		}
	}()

	w.logger.Info("listening", logging.Field{Key: "addr", Value: w.srv.Addr})
	if err := w.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (w *WebServer) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		w.logger.Debug("request",
			logging.Field{Key: "method", Value: c.Request.Method},
			logging.Field{Key: "path", Value: c.Request.URL.Path},
			logging.Field{Key: "status", Value: c.Writer.Status()},
			logging.Field{Key: "duration", Value: time.Since(start)})
	}
}

func (w *WebServer) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, w.hub.Status())
}

func (w *WebServer) handleNotifications(c *gin.Context) {
	c.JSON(http.StatusOK, w.hub.History())
}

func (w *WebServer) handleSpectrum(c *gin.Context) {
	u, ok := w.hub.Latest()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no spectrum yet"})
		return
	}
	c.JSON(http.StatusOK, u)
}

func (w *WebServer) handleChannelSpectrum(c *gin.Context) {
	ch, err := strconv.Atoi(c.Param("channel"))
	if err != nil || ch < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channel must be a non-negative integer"})
		return
	}
	u, ok := w.hub.Latest()
	if !ok || ch >= len(u.Channels) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no spectrum for channel " + strconv.Itoa(ch)})
		return
	}
	c.JSON(http.StatusOK, u.Channels[ch])
}

func (w *WebServer) handleGetDisplay(c *gin.Context) {
	d := w.currentDisplay()
	if d == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no display attached"})
		return
	}
	w.writeDisplay(c, d)
}

func (w *WebServer) handleSelectDisplay(c *gin.Context) {
	d := w.currentDisplay()
	if d == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no display attached"})
		return
	}
	ch, err := strconv.Atoi(c.Param("channel"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channel must be an integer"})
		return
	}
	if err := d.SelectChannel(ch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	w.logger.Info("display channel selected", logging.Field{Key: "channel", Value: ch})
	w.writeDisplay(c, d)
}

func (w *WebServer) writeDisplay(c *gin.Context, d Display) {
	ch := d.SelectedChannel()
	s, ok := d.Display()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no spectrum for channel " + strconv.Itoa(ch)})
		return
	}
	maxP, _ := dsp.MaxPower(s)
	power := make([]float64, len(s.PowerDBm))
	for i, p := range s.PowerDBm {
		power[i] = clampPower(p)
	}
	c.JSON(http.StatusOK, DisplayView{
		Channel:      ch,
		FrequencyMHz: s.FrequencyMHz,
		PowerDBm:     power,
		MaxPowerDBm:  clampPower(maxP),
	})
}

func (w *WebServer) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, w.hub.ConfigSnapshot())
}

func (w *WebServer) handleSetConfig(c *gin.Context) {
	var incoming Config
	if err := c.ShouldBindJSON(&incoming); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid config payload: " + err.Error()})
		return
	}
	cfg, err := w.hub.UpdateConfig(incoming)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// handleLive streams every spectrum update as a JSON text message.
func (w *WebServer) handleLive(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		w.logger.Warn("websocket upgrade failed", logging.Field{Key: "error", Value: err})
		return
	}
	defer conn.Close()

	updates, cancel := w.hub.Subscribe()
	defer cancel()

	// The reader only exists to notice the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if u, ok := w.hub.Latest(); ok {
		if err := w.writeUpdate(conn, u); err != nil {
			return
		}
	}
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return
			}
			if err := w.writeUpdate(conn, u); err != nil {
				w.logger.Debug("websocket write", logging.Field{Key: "error", Value: err})
				return
			}
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (w *WebServer) writeUpdate(conn *websocket.Conn, u SpectrumUpdate) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(u)
}
