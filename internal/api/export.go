package api

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"

	"github.com/spigell/bid-evaluator/internal/evaluation"
)

const (
	rankingSheet = "Ranking"
	xlsxMIMEType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

func (s *Server) exportSubmissions(c *gin.Context) {
	tenderID := c.Param("id")
	if _, err := s.store.GetTender(c.Request.Context(), tenderID); err != nil {
		s.fail(c, err, "Tender")
		return
	}

	summaries, err := s.submissionSummaries(c.Request.Context(), tenderID)
	if err != nil {
		s.fail(c, err, "Submissions")
		return
	}

	f, err := rankingWorkbook(summaries)
	if err != nil {
		s.fail(c, err, "")
		return
	}
	defer f.Close()

	c.Header("Content-Disposition", fmt.Sprintf("attachment;filename=%s_ranking.xlsx", tenderID))
	c.Header("Content-Type", xlsxMIMEType)
	c.Status(http.StatusOK)
	if err := f.Write(c.Writer); err != nil {
		_ = c.Error(err)
	}
}

// rankingWorkbook lists submissions by total score, highest first. Submissions
// without a score yet go last.
func rankingWorkbook(summaries []submissionSummary) (*excelize.File, error) {
	ranked := append([]submissionSummary(nil), summaries...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i].TotalScore, ranked[j].TotalScore
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a > *b
		}
	})

	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", rankingSheet); err != nil {
		f.Close()
		return nil, err
	}

	stages := evaluation.Stages()
	header := []any{"Rank", "Bid ID", "Vendor", "Bid Amount"}
	for _, stage := range stages {
		header = append(header, stage.Name)
	}
	header = append(header, "Total", "Current Stage")

	if err := f.SetSheetRow(rankingSheet, "A1", &header); err != nil {
		f.Close()
		return nil, err
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		f.Close()
		return nil, err
	}
	last, _ := excelize.CoordinatesToCellName(len(header), 1)
	if err := f.SetCellStyle(rankingSheet, "A1", last, bold); err != nil {
		f.Close()
		return nil, err
	}

	for i, sum := range ranked {
		row := []any{i + 1, sum.SubmissionID, sum.VendorName, sum.BidAmount}
		for _, stage := range stages {
			row = append(row, cellValue(sum.IndividualScores[stage.ScoreKey()]))
		}
		row = append(row, cellValue(sum.TotalScore), sum.CurrentStage)

		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(rankingSheet, cell, &row); err != nil {
			f.Close()
			return nil, err
		}
	}

	if err := f.SetColWidth(rankingSheet, "B", "C", 36); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func cellValue(v *float64) any {
	if v == nil {
		return ""
	}
	return *v
}
