package bids

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const tenderIDPrefix = "TND"

type Stage string

const (
	StageDraft   Stage = "draft"
	StageLive    Stage = "live"
	StageAwarded Stage = "awarded"
	StageClosed  Stage = "closed"
)

// SpecMap maps a spec name to its required value, in tender order.
type SpecMap = Ordered[any]

// TechnicalSKU maps a component name to its required specs, in tender order.
type TechnicalSKU = Ordered[SpecMap]

type Attachment struct {
	FileName   string    `json:"file_name"`
	URL        string    `json:"url"`
	UploadedAt time.Time `json:"uploaded_at,omitzero"`
}

// Requirements is the schema stage outputs are scored against. Every list is
// a positional contract: result arrays refer to entries by index.
type Requirements struct {
	Eligibility        []string     `json:"eligibility,omitempty"`
	TechnicalChecklist []string     `json:"technical_checklist,omitempty"`
	TechnicalSKU       TechnicalSKU `json:"technical_sku"`
	FinancialChecklist []string     `json:"financial_checklist,omitempty"`
	Legal              []string     `json:"legal,omitempty"`
}

// UnmarshalJSON also accepts the legacy "elegibility" key written by older tenders.
func (r *Requirements) UnmarshalJSON(data []byte) error {
	type plain Requirements
	var aux struct {
		plain
		Legacy []string `json:"elegibility"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	*r = Requirements(aux.plain)
	if len(r.Eligibility) == 0 && len(aux.Legacy) > 0 {
		r.Eligibility = aux.Legacy
	}
	return nil
}

type Tender struct {
	TenderID            string       `json:"tender_id"`
	Title               string       `json:"title"`
	Description         string       `json:"description,omitempty"`
	Stage               Stage        `json:"stage"`
	EndDate             string       `json:"end_date,omitempty"`
	Amount              float64      `json:"amount,omitempty"`
	EarnestMoneyDeposit float64      `json:"earnest_money_deposit,omitempty"`
	ContactPerson       string       `json:"contact_person,omitempty"`
	ContactPhone        string       `json:"contact_phone,omitempty"`
	ContactEmail        string       `json:"contact_email,omitempty"`
	Attachments         []Attachment `json:"attachments"`
	Requirements        Requirements `json:"requirements"`
	CreatedAt           time.Time    `json:"created_at,omitzero"`
}

// Editable reports whether the tender may still be changed. Live and awarded
// tenders are locked.
func (t *Tender) Editable() bool {
	return t.Stage != StageLive && t.Stage != StageAwarded
}

// TenderPatch is a partial update; nil fields are left untouched.
type TenderPatch struct {
	Title               *string       `json:"title,omitempty"`
	Description         *string       `json:"description,omitempty"`
	Stage               *Stage        `json:"stage,omitempty"`
	EndDate             *string       `json:"end_date,omitempty"`
	Amount              *float64      `json:"amount,omitempty"`
	EarnestMoneyDeposit *float64      `json:"earnest_money_deposit,omitempty"`
	ContactPerson       *string       `json:"contact_person,omitempty"`
	ContactPhone        *string       `json:"contact_phone,omitempty"`
	ContactEmail        *string       `json:"contact_email,omitempty"`
	Requirements        *Requirements `json:"requirements,omitempty"`
}

func (p TenderPatch) Apply(t *Tender) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Stage != nil {
		t.Stage = *p.Stage
	}
	if p.EndDate != nil {
		t.EndDate = *p.EndDate
	}
	if p.Amount != nil {
		t.Amount = *p.Amount
	}
	if p.EarnestMoneyDeposit != nil {
		t.EarnestMoneyDeposit = *p.EarnestMoneyDeposit
	}
	if p.ContactPerson != nil {
		t.ContactPerson = *p.ContactPerson
	}
	if p.ContactPhone != nil {
		t.ContactPhone = *p.ContactPhone
	}
	if p.ContactEmail != nil {
		t.ContactEmail = *p.ContactEmail
	}
	if p.Requirements != nil {
		t.Requirements = *p.Requirements
	}
}

// ParseTenderID splits an id of the form TND-<year>-<seq>.
func ParseTenderID(id string) (year, seq int, ok bool) {
	parts := strings.Split(strings.TrimSpace(id), "-")
	if len(parts) != 3 || parts[0] != tenderIDPrefix {
		return 0, 0, false
	}

	year, err := strconv.Atoi(parts[1])
	if err != nil || len(parts[1]) != 4 {
		return 0, 0, false
	}
	seq, err = strconv.Atoi(parts[2])
	if err != nil || seq < 0 {
		return 0, 0, false
	}
	return year, seq, true
}

// FormatTenderID renders TND-<year>-<seq> with at least three sequence digits.
func FormatTenderID(year, seq int) string {
	return fmt.Sprintf("%s-%d-%03d", tenderIDPrefix, year, seq)
}

// NextTenderID returns the id following the highest sequence used in the
// given year. Gaps left by deleted tenders are never reused.
func NextTenderID(existing []string, year int) string {
	highest := 0
	for _, id := range existing {
		y, seq, ok := ParseTenderID(id)
		if !ok || y != year {
			continue
		}
		if seq > highest {
			highest = seq
		}
	}
	return FormatTenderID(year, highest+1)
}
