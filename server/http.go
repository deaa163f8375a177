package server

import (
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"TrafficDetServer/logger"
	"TrafficDetServer/monitor"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
	})
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.POST("/upload", s.handleUpload)
	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Status())
	})
	r.GET("/download/:filename", func(c *gin.Context) {
		path, ok := s.artifact(c)
		if !ok {
			return
		}
		c.FileAttachment(path, filepath.Base(path))
	})
	r.GET("/preview/:filename", func(c *gin.Context) {
		path, ok := s.artifact(c)
		if !ok {
			return
		}
		c.File(path)
	})
	r.POST("/reset", func(c *gin.Context) {
		if err := s.ResetCumulative(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Detector not initialized"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Counters reset successfully"})
	})
	r.GET("/history", s.handleHistory)
	r.GET("/ws/status", s.handleStatusSocket)
	return r
}

func (s *Server) handleUpload(c *gin.Context) {
	if err := s.reserve(); err != nil {
		if errors.Is(err, ErrSessionActive) {
			c.JSON(http.StatusConflict, gin.H{"error": "A video is already being processed"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	handedOff := false
	defer func() {
		if !handedOff {
			s.release()
		}
	}()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxUploadBytes)

	filename, confidence, err := s.receiveUpload(c)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large"})
		case errors.Is(err, ErrUploadRejected):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			logger.Log().Error("Failed to store upload", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save file"})
		}
		return
	}

	handedOff = true
	id, err := s.startReserved(filepath.Join(s.opts.UploadDir, filename), filename, confidence)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"message":    "Video uploaded and processing started",
		"filename":   filename,
		"session_id": id,
	})
}

// receiveUpload validates the multipart form and stores the video under the
// upload directory.
func (s *Server) receiveUpload(c *gin.Context) (string, float32, error) {
	file, err := c.FormFile("video")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "", 0, err
		}
		return "", 0, rejectUpload("No video file provided")
	}
	filename := SecureFilename(file.Filename)
	if filename == "" {
		return "", 0, rejectUpload("No file selected")
	}

	confidence := *s.opts.DefaultConfidence
	if raw := strings.TrimSpace(c.PostForm("confidence")); raw != "" {
		v, err := strconv.ParseFloat(raw, 32)
		if err != nil || v < 0 || v > 1 {
			return "", 0, rejectUpload("Confidence must be a number between 0 and 1")
		}
		confidence = float32(v)
	}

	if err := c.SaveUploadedFile(file, filepath.Join(s.opts.UploadDir, filename)); err != nil {
		return "", 0, err
	}
	return filename, confidence, nil
}

func (s *Server) artifact(c *gin.Context) (string, bool) {
	path, err := s.OutputArtifact(c.Param("filename"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
		return "", false
	}
	return path, true
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.opts.History == nil {
		c.JSON(http.StatusOK, gin.H{"sessions": []any{}})
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = n
	}
	records, err := s.opts.History.List(c.Request.Context(), limit)
	if err != nil {
		logger.Log().Error("Failed to list history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": records})
}

// requestLogger logs each request with zap and counts it per route.
func requestLogger() gin.HandlerFunc {
	log := logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		code := c.Writer.Status()
		monitor.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", code),
			zap.Duration("latency", time.Since(start)),
			zap.String("client", c.ClientIP()),
		}
		switch {
		case code >= http.StatusInternalServerError:
			log.Error("Request failed", fields...)
		case route == "/status":
			log.Debug("Request", fields...)
		default:
			log.Info("Request", fields...)
		}
	}
}
