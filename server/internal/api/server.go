package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"follow-export/server/internal/config"
	"follow-export/server/internal/export"
	"follow-export/server/internal/gateway"
	"follow-export/server/internal/ingest"
	"follow-export/server/internal/logbook"
	"follow-export/server/internal/model"
	"follow-export/server/internal/orchestrator"
	"follow-export/server/internal/session"
)

type Server struct {
	config       *config.Config
	orchestrator *orchestrator.Orchestrator
	buffer       *ingest.Buffer
	log          *logbook.Logbook

	// proxy 只在配置了上游时存在，响应经过 Interceptor 的 Transport
	proxy *httputil.ReverseProxy

	// ctx 在 Close 时取消，结束所有 WebSocket 流
	ctx    context.Context
	cancel context.CancelFunc

	// WebSocket upgrader
	upgrader websocket.Upgrader
}

func NewServer(cfg *config.Config, orch *orchestrator.Orchestrator, buffer *ingest.Buffer, log *logbook.Logbook) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:       cfg,
		orchestrator: orch,
		buffer:       buffer,
		log:          log,
		ctx:          ctx,
		cancel:       cancel,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.allowOrigin(r.Header.Get("Origin"))
		},
	}

	if cfg.Proxy.Upstream != "" {
		proxy, err := s.newProxy(cfg.Proxy.Upstream)
		if err != nil {
			cancel()
			return nil, err
		}
		s.proxy = proxy
	}
	return s, nil
}

// Close 结束所有活跃的 WebSocket 流
func (s *Server) Close() {
	s.cancel()
}

func (s *Server) Routes() http.Handler {
	// Gin 统一承载中间件与路由，便于扩展日志/鉴权/限流等能力。
	engine := gin.New()
	engine.Use(gin.Logger(), gin.Recovery(), s.corsMiddleware())
	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	engine.POST("/api/intercept", s.handleIntercept)

	engine.POST("/api/sessions", s.handleCreateSession)
	engine.GET("/api/sessions/:id", s.handleSessionStatus)
	engine.POST("/api/sessions/:id/navigate", s.handleNavigate)
	engine.POST("/api/sessions/:id/start", s.handleStartCapture)
	engine.POST("/api/sessions/:id/observations", s.handleObservations)
	engine.GET("/api/sessions/:id/stream", s.handleSessionStream)
	engine.DELETE("/api/sessions/:id", s.handleDismiss)
	engine.GET("/api/sessions/:id/export/:format", s.handleExport)
	engine.GET("/api/sessions/:id/preview", s.handlePreview)

	engine.GET("/api/logs", s.handleLogs)
	engine.GET("/api/logs/stream", s.handleLogStream)

	if s.proxy != nil {
		engine.Any("/proxy/*path", s.handleProxy)
	}
	return engine
}

// handleHealthz 返回服务健康状态与缓冲区状态。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "buffer": s.buffer.GetStats()})
}

type interceptRequest struct {
	URL    string `json:"url"`
	Status int    `json:"status"`
	Body   string `json:"body"`
}

// handleIntercept 接收浏览器伴随脚本转发的接口响应，走与反向代理相同的匹配逻辑。
func (s *Server) handleIntercept(c *gin.Context) {
	var req interceptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url required"})
		return
	}
	if req.Status == 0 {
		req.Status = http.StatusOK
	}

	matched := s.orchestrator.OnResponse(req.URL, req.Status, []byte(req.Body))
	c.JSON(http.StatusAccepted, gin.H{"matched": matched})
}

type pathRequest struct {
	Path string `json:"path"`
}

// handleCreateSession 根据页面路径创建采集会话。
func (s *Server) handleCreateSession(c *gin.Context) {
	var req pathRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	sess, err := s.orchestrator.CreateSession(c.Request.Context(), req.Path)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess.Status())
}

func (s *Server) handleSessionStatus(c *gin.Context) {
	sess, err := s.orchestrator.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess.Status())
}

// handleNavigate 页面路径变化；目标变化时会话重置。
func (s *Server) handleNavigate(c *gin.Context) {
	var req pathRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	status, err := s.orchestrator.Navigate(c.Request.Context(), c.Param("id"), req.Path)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleStartCapture(c *gin.Context) {
	status, err := s.orchestrator.StartCapture(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

type observationsRequest struct {
	Handles []string `json:"handles"`
}

type observationsResponse struct {
	Marks      []model.Mark `json:"marks"`
	SavedCount int          `json:"saved_count"`
}

// handleObservations 处理一轮可见行观测（不走 WebSocket 的降级路径）。
func (s *Server) handleObservations(c *gin.Context) {
	var req observationsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	marks, saved, err := s.observe(c.Request.Context(), c.Param("id"), req.Handles)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, observationsResponse{Marks: marks, SavedCount: saved})
}

func (s *Server) observe(ctx context.Context, id string, handles []string) ([]model.Mark, int, error) {
	marks, err := s.orchestrator.Observe(ctx, id, handles)
	if err != nil {
		return nil, 0, err
	}
	sess, err := s.orchestrator.Session(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	return marks, sess.Roster.Count(), nil
}

// handleSessionStream 处理观测 WebSocket：每帧一轮观测，回写标记
func (s *Server) handleSessionStream(c *gin.Context) {
	sessionID := c.Param("id")

	// 验证 Session 存在
	if _, err := s.orchestrator.Session(c.Request.Context(), sessionID); err != nil {
		s.writeError(c, err)
		return
	}

	clientConn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	observe := func(ctx context.Context, handles []string) ([]model.Mark, int, error) {
		return s.observe(ctx, sessionID, handles)
	}
	stream := gateway.NewObservationStream(sessionID, clientConn, observe, s.streamConfig(), s.log.Logger())
	stream.Run(s.ctx)
}

// handleDismiss 停止观测并清空会话映射。
func (s *Server) handleDismiss(c *gin.Context) {
	if err := s.orchestrator.Dismiss(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleExport 生成导出文件并以附件形式返回。
func (s *Server) handleExport(c *gin.Context) {
	format, err := export.ParseFormat(c.Param("format"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	file, err := s.orchestrator.Export(c.Request.Context(), c.Param("id"), format)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Name))
	c.Data(http.StatusOK, file.ContentType, file.Body)
}

// handlePreview 返回表格预览，内联展示。
func (s *Server) handlePreview(c *gin.Context) {
	body, err := s.orchestrator.Preview(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Data(http.StatusOK, export.FormatTabular.ContentType(), body)
}

// handleLogs 返回两条用户可见日志。
func (s *Server) handleLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"info":  s.log.Lines(logbook.LevelInfo),
		"error": s.log.Lines(logbook.LevelError),
	})
}

func (s *Server) handleLogStream(c *gin.Context) {
	clientConn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	gateway.NewLogStream(clientConn, s.log, s.streamConfig()).Run(s.ctx)
}

func (s *Server) handleProxy(c *gin.Context) {
	s.proxy.ServeHTTP(c.Writer, c.Request)
}

// newProxy 构造拦截式反向代理：/proxy/<path> 转发到 upstream/<path>。
func (s *Server) newProxy(upstream string) (*httputil.ReverseProxy, error) {
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("parse proxy upstream: %w", err)
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		req.URL.Path = strings.TrimPrefix(req.URL.Path, "/proxy")
		req.URL.RawPath = ""
		director(req)
		req.Host = target.Host
		// 交给 Transport 协商压缩并透明解压，Interceptor 才能读到明文
		req.Header.Del("Accept-Encoding")
	}
	proxy.Transport = s.orchestrator.Interceptor().Transport(http.DefaultTransport)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.log.Error("Proxy request failed.", zap.String("path", r.URL.Path), zap.Error(err))
		w.WriteHeader(http.StatusBadGateway)
	}
	return proxy, nil
}

func (s *Server) streamConfig() gateway.StreamConfig {
	return gateway.StreamConfig{
		WriteTimeout: s.config.Gateway.WriteTimeout,
		PingInterval: s.config.Gateway.PingInterval,
	}
}

// writeError 把领域错误映射成 HTTP 状态码
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, session.ErrUnsupportedLocation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrNotCapturing):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.log.Error("Request failed.", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// allowOrigin 无 Origin（非浏览器客户端）或在白名单中时放行
func (s *Server) allowOrigin(origin string) bool {
	if origin == "" {
		return true
	}
	for _, o := range s.config.Server.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && s.allowOrigin(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
