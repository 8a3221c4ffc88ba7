package main

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"net/http"
	"time"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/chriskillpack/imganalyzer"
	"github.com/chriskillpack/imganalyzer/internal/metrics"
	"github.com/chriskillpack/imganalyzer/vault"
)

type Server struct {
	hs     *http.Server
	p      *imganalyzer.Plugin
	db     *imganalyzer.DB
	logger log.Interface
}

func NewServer(p *imganalyzer.Plugin, db *imganalyzer.DB, port string) *Server {
	srv := &Server{
		p:      p,
		db:     db,
		logger: log.Log,
	}

	srv.hs = &http.Server{
		Addr:    net.JoinHostPort("0.0.0.0", port),
		Handler: srv.serveHandler(),
	}

	return srv
}

func (s *Server) Start() error {
	return s.hs.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.hs.Shutdown(ctx)
}

func (s *Server) serveHandler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	api := router.Group("/api")
	{
		api.POST("/analyze", s.analyze)
		api.GET("/can-analyze", s.canAnalyze)
		api.GET("/cache", s.cacheStatus)
		api.DELETE("/cache", s.removeCache)
		api.GET("/models", s.models)
	}
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	return router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("request")
	}
}

// statusFor maps analysis failures onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, imganalyzer.ErrNotAnImage), errors.Is(err, vault.ErrOutsideVault):
		return http.StatusBadRequest
	case errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, imganalyzer.ErrProviderNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, imganalyzer.ErrTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

type analyzeRequest struct {
	Path string `json:"path" binding:"required"`
}

func (s *Server) analyze(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	text, err := s.p.Analyze(c.Request.Context(), req.Path)
	if err != nil {
		s.logger.WithError(err).WithField("path", req.Path).Warn("analyze failed")
		c.JSON(statusFor(err), gin.H{"path": req.Path, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": req.Path, "text": text})
}

func (s *Server) canAnalyze(c *gin.Context) {
	p := c.Query("path")
	c.JSON(http.StatusOK, gin.H{"path": p, "canAnalyze": s.p.CanBeAnalyzed(p)})
}

func (s *Server) cacheStatus(c *gin.Context) {
	p, ok := c.GetQuery("path")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing path"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": p, "inCache": s.p.IsInCache(p)})
}

// removeCache drops one entry, or the whole cache without a path.
func (s *Server) removeCache(c *gin.Context) {
	ctx := c.Request.Context()

	p, ok := c.GetQuery("path")
	if !ok {
		if err := s.p.ClearCache(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := s.db.ResetAll(ctx); err != nil {
			s.logger.WithError(err).Warn("resetting journal")
		}
		c.Status(http.StatusNoContent)
		return
	}

	p = imganalyzer.CleanPath(p)
	if err := s.p.RemoveFromCache(p); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := s.db.ResetImage(ctx, p); err != nil {
		s.logger.WithError(err).WithField("path", p).Warn("resetting journal entry")
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) models(c *gin.Context) {
	st := s.p.Settings()
	c.JSON(http.StatusOK, gin.H{
		"provider":           st.Provider,
		"selectedModel":      st.SelectedModel,
		"selectedImageModel": st.SelectedImageModel,
		"imageModels":        s.p.Registry().For(st.Provider, true),
		"textModels":         s.p.Registry().For(st.Provider, false),
	})
}

func runServe(ctx context.Context, p *imganalyzer.Plugin, db *imganalyzer.DB) error {
	srv := NewServer(p, db, *port)
	log.WithField("addr", srv.hs.Addr).Info("serving")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
