package api

import (
	"errors"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/spigell/bid-evaluator/internal/bids"
	"github.com/spigell/bid-evaluator/internal/logger"
)

// tenderSummary is the listing projection of a tender.
type tenderSummary struct {
	TenderID            string            `json:"tender_id"`
	Title               string            `json:"title"`
	Description         string            `json:"description,omitempty"`
	Stage               bids.Stage        `json:"stage"`
	EndDate             string            `json:"end_date,omitempty"`
	Amount              float64           `json:"amount,omitempty"`
	EarnestMoneyDeposit float64           `json:"earnest_money_deposit,omitempty"`
	Attachments         []bids.Attachment `json:"attachments,omitempty"`
}

func summarizeTenders(tenders []*bids.Tender, withAttachments bool) []tenderSummary {
	out := make([]tenderSummary, 0, len(tenders))
	for _, t := range tenders {
		sum := tenderSummary{
			TenderID:            t.TenderID,
			Title:               t.Title,
			Description:         t.Description,
			Stage:               t.Stage,
			EndDate:             t.EndDate,
			Amount:              t.Amount,
			EarnestMoneyDeposit: t.EarnestMoneyDeposit,
		}
		if withAttachments {
			sum.Attachments = t.Attachments
		}
		out = append(out, sum)
	}
	return out
}

func (s *Server) listTenders(c *gin.Context) {
	tenders, err := s.store.ListTenders(c.Request.Context(), bids.Stage(c.Query("stage")))
	if err != nil {
		s.fail(c, err, "tenders")
		return
	}
	c.JSON(http.StatusOK, summarizeTenders(tenders, false))
}

// listLiveTenders serves the vendor portal, which only sees live tenders.
func (s *Server) listLiveTenders(c *gin.Context) {
	tenders, err := s.store.ListTenders(c.Request.Context(), bids.StageLive)
	if err != nil {
		s.fail(c, err, "tenders")
		return
	}
	c.JSON(http.StatusOK, summarizeTenders(tenders, true))
}

func (s *Server) getTender(c *gin.Context) {
	tender, err := s.store.GetTender(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, "Tender")
		return
	}
	c.JSON(http.StatusOK, tender)
}

func (s *Server) createTender(c *gin.Context) {
	var tender bids.Tender
	if err := c.ShouldBindJSON(&tender); err != nil {
		badRequest(c, "No data provided")
		return
	}
	if tender.Stage == "" {
		tender.Stage = bids.StageDraft
	}

	created, err := s.store.CreateTender(c.Request.Context(), &tender)
	if err != nil {
		s.fail(c, err, "Tender")
		return
	}

	s.logger.Info("tender created", zap.String(logger.FieldTenderID, created.TenderID))
	c.JSON(http.StatusCreated, gin.H{"message": "Tender created successfully", "tender_id": created.TenderID})
}

func (s *Server) updateTender(c *gin.Context) {
	var patch bids.TenderPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, "No data provided")
		return
	}

	updated, err := s.store.UpdateTender(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		s.fail(c, err, "Tender")
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) deleteTender(c *gin.Context) {
	if err := s.store.DeleteTender(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err, "Tender")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Tender deleted"})
}

func (s *Server) addTenderAttachment(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := s.store.GetTender(ctx, id); err != nil {
		s.fail(c, err, "Tender")
		return
	}

	name, ok := s.saveUpload(c, "tender", id)
	if !ok {
		return
	}

	att := bids.Attachment{FileName: name, URL: path.Join("/static/tender", id, name)}
	if err := s.store.AddTenderAttachment(ctx, id, att); err != nil {
		s.fail(c, err, "Tender")
		return
	}
	c.JSON(http.StatusCreated, att)
}

func (s *Server) removeTenderAttachment(c *gin.Context) {
	id := c.Param("id")
	name, ok := safeFileName(c.Param("filename"))
	if !ok {
		badRequest(c, "invalid file name")
		return
	}

	if err := s.store.RemoveTenderAttachment(c.Request.Context(), id, name); err != nil {
		s.fail(c, err, "Attachment or Tender")
		return
	}

	file := filepath.Join(s.opts.StaticDir, "tender", id, name)
	if err := os.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("remove attachment file", zap.String("path", file), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"message": "Attachment removed"})
}
