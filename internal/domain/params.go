package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// EmailParams is the validated input of an email_parse task.
type EmailParams struct {
	EmailContent string `json:"email_content" validate:"required"`
}

// ClientInfo identifies who an invoice is billed to.
type ClientInfo struct {
	Name    string `json:"name" validate:"required"`
	Email   string `json:"email,omitempty" validate:"omitempty,email"`
	Address string `json:"address,omitempty"`
}

// InvoiceItem is one billable line.
type InvoiceItem struct {
	Description string          `json:"description" validate:"required"`
	Quantity    int             `json:"quantity" validate:"gte=1"`
	Price       decimal.Decimal `json:"price" validate:"gte=0"`
}

// InvoiceParams is the validated input of an invoice_generate task.
type InvoiceParams struct {
	ClientInfo ClientInfo    `json:"client_info"`
	Items      []InvoiceItem `json:"items" validate:"dive"`
}

// Engagement levels accepted by the lead scorer.
const (
	EngagementLow    = "low"
	EngagementMedium = "medium"
	EngagementHigh   = "high"
)

// Industries with a dedicated score. Anything else is IndustryOther.
const (
	IndustryTechnology    = "technology"
	IndustryFinance       = "finance"
	IndustryHealthcare    = "healthcare"
	IndustryRetail        = "retail"
	IndustryManufacturing = "manufacturing"
	IndustryOther         = "other"
)

var knownIndustries = map[string]struct{}{
	IndustryTechnology:    {},
	IndustryFinance:       {},
	IndustryHealthcare:    {},
	IndustryRetail:        {},
	IndustryManufacturing: {},
	IndustryOther:         {},
}

// NormalizeIndustry lower-cases the value and maps anything unknown to "other".
func NormalizeIndustry(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if _, ok := knownIndustries[s]; ok {
		return s
	}
	return IndustryOther
}

// LeadData describes a sales lead.
type LeadData struct {
	CompanySize     int             `json:"company_size" validate:"gte=0"`
	Industry        string          `json:"industry"`
	Budget          decimal.Decimal `json:"budget" validate:"gte=0"`
	EngagementLevel string          `json:"engagement_level" validate:"required,oneof=low medium high"`
	IsDecisionMaker bool            `json:"is_decision_maker"`
}

// LeadParams is the validated input of a lead_score task.
type LeadParams struct {
	LeadData LeadData `json:"lead_data"`
}
