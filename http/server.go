// Package http 提供HTTP服务器功能
package http

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lidadreamer/ML-tornado/errors"
)

const maxBodyBytes = 1 << 20

// Server HTTP服务器
type Server struct {
	server *http.Server
	config ServerConfig
	logger *zap.SugaredLogger
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port           int
	Timeout        time.Duration
	RateLimit      float64
	RateBurst      int
	AllowedOrigins []string
}

// DefaultServerConfig 默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:           8000,
		Timeout:        5 * time.Minute,
		RateBurst:      20,
		AllowedOrigins: []string{"*"},
	}
}

// NewServer 创建HTTP服务器
func NewServer(config ServerConfig, api *API, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	logger = logger.Named("http")
	if api.Logger == nil {
		api.Logger = logger
	}

	mux := http.NewServeMux()
	api.RegisterHandlers(mux)

	chain := Chain(
		RecoveryMiddleware(logger),                              // 1. 捕获panic
		LoggerMiddleware(logger),                                // 2. 日志与请求ID
		SecurityHeadersMiddleware,                               // 3. 安全头
		CORSMiddleware(config.AllowedOrigins),                   // 4. CORS
		RateLimitMiddleware(config.RateLimit, config.RateBurst), // 5. 限流
		RequestSizeMiddleware(maxBodyBytes),                     // 6. 请求体大小
		TimeoutMiddleware(config.Timeout),                       // 7. 请求截止时间
	)

	return &Server{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", config.Port),
			Handler:           chain(mux),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		config: config,
		logger: logger,
	}
}

// Handler 返回包装后的处理器
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start 启动服务器，阻塞直到关闭
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.server.Addr)
	}
	return s.Serve(ln)
}

// Serve 在已有的listener上提供服务
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Infow("Starting HTTP server", "addr", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "server failed")
	}
	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Infow("Shutting down HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "server forced to shutdown")
	}
	return nil
}

// Addr 返回服务器地址
func (s *Server) Addr() string {
	return s.server.Addr
}
