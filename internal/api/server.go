// Package api exposes tenders, submissions and evaluation results over HTTP.
package api

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/spigell/bid-evaluator/internal/logger"
	"github.com/spigell/bid-evaluator/internal/scheduler"
	"github.com/spigell/bid-evaluator/internal/store"
)

const defaultStaticDir = "static"

// Evaluations schedules evaluation runs and reports on them.
type Evaluations interface {
	Schedule(bidID string) bool
	Runs() []scheduler.RunStatus
}

type Options struct {
	StaticDir   string
	CORSOrigins []string
	// Gatherer backs /metrics. The default registry is used when nil.
	Gatherer prometheus.Gatherer
}

type Server struct {
	store       store.Store
	evaluations Evaluations
	opts        Options
	logger      *zap.Logger
}

func New(st store.Store, evaluations Evaluations, log *zap.Logger, opts Options) *Server {
	if opts.StaticDir == "" {
		opts.StaticDir = defaultStaticDir
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	return &Server{
		store:       st,
		evaluations: evaluations,
		opts:        opts,
		logger:      logger.WithFields(log, zap.String("component", "api")),
	}
}

// Handler builds the router with all routes and middleware.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(RequestID(), AccessLog(s.logger), Recovery(s.logger), CORS(s.opts.CORSOrigins))

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "Tender Management API is running"})
	})
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))
	r.Static("/static", s.opts.StaticDir)

	r.GET("/tenders", s.listTenders)
	r.GET("/portal/tenders", s.listLiveTenders)
	r.POST("/tenders", s.createTender)
	r.GET("/tenders/:id", s.getTender)
	r.PUT("/tenders/:id", s.updateTender)
	r.DELETE("/tenders/:id", s.deleteTender)
	r.POST("/tenders/:id/attachments", s.addTenderAttachment)
	r.DELETE("/tenders/:id/attachments/:filename", s.removeTenderAttachment)

	r.POST("/tenders/:id/submit", s.createSubmission)
	r.GET("/tenders/:id/submissions", s.listSubmissions)
	r.GET("/tenders/:id/submissions/export", s.exportSubmissions)
	r.GET("/submissions/:bid_id", s.getSubmission)
	r.POST("/submissions/:bid_id/attachments", s.addSubmissionAttachment)
	r.GET("/submissions/:bid_id/attachments/:filename", s.getSubmissionAttachment)
	r.POST("/submissions/:bid_id/update_stage", s.updateSubmissionStage)
	r.POST("/submissions/:bid_id/evaluate", s.evaluateSubmission)

	r.GET("/evaluations/runs", s.listRuns)
	r.GET("/vendors/:vendor_id", s.getVendor)

	return r
}

// fail maps store errors to responses. Unknown errors are logged and
// reported as 500 without details.
func (s *Server) fail(c *gin.Context, err error, what string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": what + " not found"})
	case errors.Is(err, store.ErrTenderLocked):
		c.JSON(http.StatusForbidden, gin.H{"error": "Cannot edit tender in live or awarded stage"})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": what + " already exists"})
	default:
		_ = c.Error(err)
		s.logger.Error("request failed", zap.String(requestIDKey, requestID(c)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// safeFileName strips any directory component from an uploaded name.
func safeFileName(name string) (string, bool) {
	name = filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "." || name == ".." || name == "/" || name == "" {
		return "", false
	}
	return name, true
}

// saveUpload stores the multipart "file" field under static/<dir...> and
// returns the stored file name.
func (s *Server) saveUpload(c *gin.Context, dir ...string) (string, bool) {
	header, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "No file part")
		return "", false
	}
	name, ok := safeFileName(header.Filename)
	if !ok {
		badRequest(c, "No selected file")
		return "", false
	}

	folder := filepath.Join(append([]string{s.opts.StaticDir}, dir...)...)
	if err := os.MkdirAll(folder, 0o755); err != nil {
		s.fail(c, err, "")
		return "", false
	}
	if err := c.SaveUploadedFile(header, filepath.Join(folder, name)); err != nil {
		s.fail(c, err, "")
		return "", false
	}
	return name, true
}
