package sandbox

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/toolframe/toolframe/internal/infrastructure/logging"
	"github.com/toolframe/toolframe/internal/infrastructure/monitoring"
)

// proxyDocument is the bootstrap page served from the sandbox origin. The
// embedding host frames it and then speaks to the hosted proxy over the
// channel endpoint.
const proxyDocument = `<!DOCTYPE html>
<html>
<head><title>sandbox</title></head>
<body data-role="sandbox-proxy"></body>
</html>
`

// OriginConfig holds sandbox origin server configuration.
type OriginConfig struct {
	// Origin is the sandbox server's own origin, distinct from the host's.
	Origin string
	// AllowedReferrers gate which embedders may boot a proxy.
	AllowedReferrers []string
}

// OriginServer hosts sandbox proxies on their own origin and bridges remote
// hosts to them over websocket.
type OriginServer struct {
	cfg      OriginConfig
	logger   *logging.Logger
	metrics  *monitoring.Metrics
	runGuest GuestRunner
	upgrader websocket.Upgrader
}

// NewOriginServer creates the origin server. The guest runner executes
// loaded guest documents; passing nil hosts documents without running their
// scripts.
func NewOriginServer(cfg OriginConfig, runGuest GuestRunner, logger *logging.Logger) *OriginServer {
	s := &OriginServer{
		cfg:      cfg,
		logger:   logger,
		runGuest: runGuest,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.embedderAllowed(originOf(r))
		},
	}
	return s
}

// WithMetrics attaches a metrics collector.
func (s *OriginServer) WithMetrics(m *monitoring.Metrics) *OriginServer {
	s.metrics = m
	return s
}

// Routes registers the sandbox endpoints.
func (s *OriginServer) Routes(r *gin.Engine) {
	r.GET("/sandbox", s.serveDocument)
	r.GET("/sandbox/channel", s.handleChannel)
}

func (s *OriginServer) serveDocument(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, proxyDocument)
}

// handleChannel boots one proxy per connection and pumps messages between
// the websocket (the remote host) and the proxy's parent port.
func (s *OriginServer) handleChannel(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("sandbox channel upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	hostOrigin := originOf(c.Request)
	hostPort, proxyPort := Pair(hostOrigin, s.cfg.Origin)
	defer hostPort.Close()

	env := &HeadlessEnv{
		EmbedReferrer: c.Request.Referer(),
		ProxyOrigin:   s.cfg.Origin,
		GuestOrigin:   "null", // srcdoc documents have an opaque origin
		RunGuest:      s.runGuest,
	}

	proxy := NewProxy(Config{AllowedReferrers: s.cfg.AllowedReferrers}, s.logger)
	if s.metrics != nil {
		proxy.WithMetrics(s.metrics)
	}
	defer proxy.Close()

	if err := proxy.Initialize(env, proxyPort); err != nil {
		s.logger.Warn("proxy refused to initialize",
			zap.String("host_origin", hostOrigin),
			zap.Error(err),
		)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "sandbox init failed"),
			time.Now().Add(time.Second))
		return
	}

	// writer: proxy-originated messages out to the host
	go func() {
		for {
			select {
			case <-hostPort.Done():
				return
			case msg, ok := <-hostPort.Recv():
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg.Payload); err != nil {
					hostPort.Close()
					return
				}
			}
		}
	}()

	// reader: host messages in to the proxy
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := hostPort.Post(payload); err != nil {
			return
		}
	}
}

func (s *OriginServer) embedderAllowed(origin string) bool {
	for _, allowed := range s.cfg.AllowedReferrers {
		if allowed != "" && len(origin) >= len(allowed) && origin[:len(allowed)] == allowed {
			return true
		}
	}
	return false
}

func originOf(r *http.Request) string {
	if o := r.Header.Get("Origin"); o != "" {
		return o
	}
	return r.Referer()
}
