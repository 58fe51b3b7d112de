package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/spigell/bid-evaluator/internal/bids"
	"github.com/spigell/bid-evaluator/internal/evaluation"
	"github.com/spigell/bid-evaluator/internal/logger"
	"github.com/spigell/bid-evaluator/internal/store"
)

// Vendor details are revealed once a submission moves past this stage.
const vendorDisclosureStage = 1

type submitRequest struct {
	BidID         string   `json:"bid_id"`
	BidderName    string   `json:"bidder_name" binding:"required"`
	BidderContact string   `json:"bidder_contact" binding:"required"`
	BidderPhone   string   `json:"bidder_phone" binding:"required"`
	BidderEmail   string   `json:"bidder_email" binding:"required"`
	BidAmount     *float64 `json:"bid_amount" binding:"required"`
	CompanyName   *string  `json:"company_name"`
	CurrentStage  int      `json:"current_stage"`
}

type submissionSummary struct {
	VendorName       string              `json:"vendor_name"`
	SubmissionID     string              `json:"submission_id"`
	BidAmount        float64             `json:"bid_amount"`
	TotalScore       *float64            `json:"total_score"`
	IndividualScores map[string]*float64 `json:"individual_scores"`
	CurrentStage     int                 `json:"current_stage"`
}

type submissionResponse struct {
	*bids.Submission
	Evaluation    evaluation.View `json:"evaluation"`
	VendorDetails *bids.Vendor    `json:"vendor_details,omitempty"`
}

func (s *Server) createSubmission(c *gin.Context) {
	ctx := c.Request.Context()
	tenderID := c.Param("id")

	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Missing required fields: bidder_name, bidder_contact, bidder_phone, bidder_email, bid_amount")
		return
	}
	if _, err := s.store.GetTender(ctx, tenderID); err != nil {
		s.fail(c, err, "Tender")
		return
	}

	sub := &bids.Submission{
		TenderID:      tenderID,
		BidderName:    req.BidderName,
		BidderContact: req.BidderContact,
		BidderPhone:   req.BidderPhone,
		BidderEmail:   req.BidderEmail,
		BidAmount:     *req.BidAmount,
		CurrentStage:  req.CurrentStage,
		SubmittedAt:   time.Now().UTC(),
	}

	if req.CompanyName != nil {
		vendor, err := s.createVendor(ctx, *req.CompanyName)
		if err != nil {
			s.fail(c, err, "Vendor")
			return
		}
		sub.VendorID = vendor.VendorID
		sub.CompanyName = vendor.CompanyName
	}

	err := store.CreateWithRetry(func() error {
		sub.BidID = req.BidID
		if sub.BidID == "" {
			sub.BidID = bids.NewBidID()
		}
		return s.store.CreateSubmission(ctx, sub)
	})
	if err != nil {
		s.fail(c, err, "Submission")
		return
	}

	log := s.logger.With(logger.EvaluationFields(sub.BidID, tenderID)...)
	scheduled := s.evaluations.Schedule(sub.BidID)
	if !scheduled {
		log.Warn("evaluation not scheduled, left for the sweeper")
	}
	log.Info("submission created", zap.Bool("evaluation_scheduled", scheduled))

	c.JSON(http.StatusCreated, gin.H{
		"message":              "Submission created successfully",
		"bid_id":               sub.BidID,
		"evaluation_scheduled": scheduled,
	})
}

func (s *Server) createVendor(ctx context.Context, company string) (*bids.Vendor, error) {
	vendor := &bids.Vendor{CompanyName: company, CreatedAt: time.Now().UTC()}
	err := store.CreateWithRetry(func() error {
		vendor.VendorID = bids.NewVendorID()
		return s.store.CreateVendor(ctx, vendor)
	})
	return vendor, err
}

func (s *Server) listSubmissions(c *gin.Context) {
	summaries, err := s.submissionSummaries(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, "Submissions")
		return
	}
	c.JSON(http.StatusOK, summaries)
}

func (s *Server) submissionSummaries(ctx context.Context, tenderID string) ([]submissionSummary, error) {
	subs, err := s.store.ListSubmissions(ctx, tenderID)
	if err != nil {
		return nil, err
	}

	out := make([]submissionSummary, 0, len(subs))
	for _, sub := range subs {
		name := sub.BidderName
		if name == "" && sub.VendorID != "" {
			if vendor, err := s.store.GetVendor(ctx, sub.VendorID); err == nil {
				name = vendor.CompanyName
			}
		}

		scores := make(map[string]*float64, len(evaluation.Stages()))
		for _, stage := range evaluation.Stages() {
			if v, ok := sub.Evaluation.Number(stage.ScoreKey()); ok {
				scores[stage.ScoreKey()] = &v
			} else {
				scores[stage.ScoreKey()] = nil
			}
		}

		out = append(out, submissionSummary{
			VendorName:       name,
			SubmissionID:     sub.BidID,
			BidAmount:        sub.BidAmount,
			TotalScore:       sub.EvaluationScore,
			IndividualScores: scores,
			CurrentStage:     sub.CurrentStage,
		})
	}
	return out, nil
}

// getSubmission returns the submission with its evaluation paired against
// the tender's requirements. Partial evaluations render as they are.
func (s *Server) getSubmission(c *gin.Context) {
	ctx := c.Request.Context()

	sub, err := s.store.GetSubmission(ctx, c.Param("bid_id"))
	if err != nil {
		s.fail(c, err, "Submission")
		return
	}

	var req bids.Requirements
	tender, err := s.store.GetTender(ctx, sub.TenderID)
	switch {
	case err == nil:
		req = tender.Requirements
	case errors.Is(err, store.ErrNotFound):
		s.logger.Warn("submission references a missing tender", logger.EvaluationFields(sub.BidID, sub.TenderID)...)
	default:
		s.fail(c, err, "Tender")
		return
	}

	view := evaluation.NewView(req, sub.Evaluation, sub.EvaluationScore)
	resp := submissionResponse{Submission: sub, Evaluation: view}

	if sub.CurrentStage > vendorDisclosureStage && sub.VendorID != "" {
		vendor, err := s.store.GetVendor(ctx, sub.VendorID)
		if err == nil {
			resp.VendorDetails = vendor
		} else if !errors.Is(err, store.ErrNotFound) {
			s.fail(c, err, "Vendor")
			return
		}
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) addSubmissionAttachment(c *gin.Context) {
	ctx := c.Request.Context()
	bidID := c.Param("bid_id")

	if _, err := s.store.GetSubmission(ctx, bidID); err != nil {
		s.fail(c, err, "Submission")
		return
	}

	name, ok := s.saveUpload(c, "submissions", bidID)
	if !ok {
		return
	}

	att := bids.Attachment{
		FileName:   name,
		URL:        path.Join("/submissions", bidID, "attachments", name),
		UploadedAt: time.Now().UTC(),
	}
	if err := s.store.AddSubmissionAttachment(ctx, bidID, att); err != nil {
		s.fail(c, err, "Submission")
		return
	}
	c.JSON(http.StatusCreated, att)
}

func (s *Server) getSubmissionAttachment(c *gin.Context) {
	name, ok := safeFileName(c.Param("filename"))
	if !ok {
		badRequest(c, "invalid file name")
		return
	}

	file := filepath.Join(s.opts.StaticDir, "submissions", c.Param("bid_id"), name)
	if _, err := os.Stat(file); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Attachment not found"})
		return
	}
	c.File(file)
}

func (s *Server) updateSubmissionStage(c *gin.Context) {
	var body struct {
		Stage *int `json:"stage" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "New stage not provided")
		return
	}

	old, err := s.store.UpdateSubmissionStage(c.Request.Context(), c.Param("bid_id"), *body.Stage)
	if err != nil {
		s.fail(c, err, "Submission")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   "Stage updated successfully",
		"old_stage": old,
		"new_stage": *body.Stage,
	})
}

// evaluateSubmission re-triggers the evaluation. Completed stages are kept,
// so only missing stages call the model again.
func (s *Server) evaluateSubmission(c *gin.Context) {
	bidID := c.Param("bid_id")
	if _, err := s.store.GetSubmission(c.Request.Context(), bidID); err != nil {
		s.fail(c, err, "Submission")
		return
	}

	if !s.evaluations.Schedule(bidID) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "evaluation queue is full, try again later"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Evaluation scheduled", "bid_id": bidID})
}

func (s *Server) listRuns(c *gin.Context) {
	c.JSON(http.StatusOK, s.evaluations.Runs())
}

func (s *Server) getVendor(c *gin.Context) {
	vendor, err := s.store.GetVendor(c.Request.Context(), c.Param("vendor_id"))
	if err != nil {
		s.fail(c, err, "Vendor")
		return
	}
	c.JSON(http.StatusOK, vendor)
}
