package handlers

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-task-gateway/internal/domain"
)

// Qualification labels derived from the final score.
const (
	QualificationHot  = "hot"
	QualificationWarm = "warm"
	QualificationCold = "cold"
)

var (
	industryScores = map[string]int64{
		domain.IndustryTechnology:    100,
		domain.IndustryFinance:       90,
		domain.IndustryHealthcare:    85,
		domain.IndustryManufacturing: 60,
		domain.IndustryRetail:        50,
		domain.IndustryOther:         20,
	}
	engagementScores = map[string]int64{
		domain.EngagementLow:    20,
		domain.EngagementMedium: 60,
		domain.EngagementHigh:   100,
	}

	hundred = decimal.NewFromInt(100)
)

// LeadWeights are the factor weights. They must sum to 1.
type LeadWeights struct {
	Size          decimal.Decimal
	Industry      decimal.Decimal
	Budget        decimal.Decimal
	Engagement    decimal.Decimal
	DecisionMaker decimal.Decimal
}

func (w LeadWeights) sum() decimal.Decimal {
	return w.Size.Add(w.Industry).Add(w.Budget).Add(w.Engagement).Add(w.DecisionMaker)
}

// LeadConfig holds the scoring weights and band boundaries.
type LeadConfig struct {
	Weights          LeadWeights
	LargeCompany     int
	BudgetSaturation decimal.Decimal
	HotThreshold     int
	WarmThreshold    int
}

// DefaultLeadConfig returns the stock scoring model.
func DefaultLeadConfig() LeadConfig {
	return LeadConfig{
		Weights: LeadWeights{
			Size:          decimal.RequireFromString("0.20"),
			Industry:      decimal.RequireFromString("0.20"),
			Budget:        decimal.RequireFromString("0.25"),
			Engagement:    decimal.RequireFromString("0.20"),
			DecisionMaker: decimal.RequireFromString("0.15"),
		},
		LargeCompany:     1000,
		BudgetSaturation: decimal.NewFromInt(100000),
		HotThreshold:     75,
		WarmThreshold:    45,
	}
}

// LeadBreakdown holds the per-factor partial scores.
type LeadBreakdown struct {
	SizeScore          int64 `json:"size_score"`
	IndustryScore      int64 `json:"industry_score"`
	BudgetScore        int64 `json:"budget_score"`
	EngagementScore    int64 `json:"engagement_score"`
	DecisionMakerBonus int64 `json:"decision_maker_bonus"`
}

// LeadResult is the structured output of a lead_score task.
type LeadResult struct {
	FinalScore    int64           `json:"final_score"`
	Qualification string          `json:"qualification"`
	Breakdown     LeadBreakdown   `json:"breakdown"`
	Factors       []string        `json:"factors"`
	LeadData      domain.LeadData `json:"lead_data"`
}

// LeadScorer computes a weighted lead score.
type LeadScorer struct {
	cfg LeadConfig
}

// NewLeadScorer validates the config and creates a LeadScorer.
func NewLeadScorer(cfg LeadConfig) (*LeadScorer, error) {
	if !cfg.Weights.sum().Equal(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("lead weights must sum to 1, got %s", cfg.Weights.sum())
	}
	for name, w := range map[string]decimal.Decimal{
		"size":           cfg.Weights.Size,
		"industry":       cfg.Weights.Industry,
		"budget":         cfg.Weights.Budget,
		"engagement":     cfg.Weights.Engagement,
		"decision_maker": cfg.Weights.DecisionMaker,
	} {
		if w.IsNegative() {
			return nil, fmt.Errorf("lead weight %s must not be negative, got %s", name, w)
		}
	}
	if cfg.LargeCompany <= 100 {
		return nil, fmt.Errorf("lead large company threshold must be above 100, got %d", cfg.LargeCompany)
	}
	if cfg.BudgetSaturation.LessThanOrEqual(decimal.NewFromInt(50000)) {
		return nil, fmt.Errorf("lead budget saturation must be above 50000, got %s", cfg.BudgetSaturation)
	}
	if cfg.WarmThreshold < 0 || cfg.HotThreshold > 100 || cfg.WarmThreshold > cfg.HotThreshold {
		return nil, fmt.Errorf("lead thresholds must satisfy 0 <= warm <= hot <= 100, got warm=%d hot=%d",
			cfg.WarmThreshold, cfg.HotThreshold)
	}
	return &LeadScorer{cfg: cfg}, nil
}

func (h *LeadScorer) TaskType() domain.TaskType { return domain.TypeLeadScore }

func (h *LeadScorer) Process(ctx context.Context, in Input) (any, error) {
	_, span := otel.Tracer("dispatcher").Start(ctx, "handler.lead_score")
	defer span.End()

	p, err := paramsAs[domain.LeadParams](in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid params")
		return nil, err
	}
	res := h.Score(p.LeadData)

	span.SetAttributes(
		attribute.Int64("lead.score", res.FinalScore),
		attribute.String("lead.qualification", res.Qualification),
	)
	return res, nil
}

// Score computes the result for an already normalized lead.
func (h *LeadScorer) Score(lead domain.LeadData) LeadResult {
	b := LeadBreakdown{
		SizeScore:       h.sizeScore(lead.CompanySize),
		IndustryScore:   industryScore(lead.Industry),
		BudgetScore:     h.budgetScore(lead.Budget),
		EngagementScore: engagementScores[lead.EngagementLevel],
	}
	if lead.IsDecisionMaker {
		b.DecisionMakerBonus = 100
	}

	w := h.cfg.Weights
	weighted := w.Size.Mul(decimal.NewFromInt(b.SizeScore)).
		Add(w.Industry.Mul(decimal.NewFromInt(b.IndustryScore))).
		Add(w.Budget.Mul(decimal.NewFromInt(b.BudgetScore))).
		Add(w.Engagement.Mul(decimal.NewFromInt(b.EngagementScore))).
		Add(w.DecisionMaker.Mul(decimal.NewFromInt(b.DecisionMakerBonus)))

	final := weighted.Round(0)
	if final.IsNegative() {
		final = decimal.Zero
	}
	if final.GreaterThan(hundred) {
		final = hundred
	}
	score := final.IntPart()

	return LeadResult{
		FinalScore:    score,
		Qualification: h.qualify(score),
		Breakdown:     b,
		Factors:       h.factors(lead),
		LeadData:      lead,
	}
}

func (h *LeadScorer) sizeScore(size int) int64 {
	switch {
	case size <= 0:
		return 0
	case size <= 10:
		return 20
	case size <= 100:
		return 40
	case size <= h.cfg.LargeCompany:
		return 70
	default:
		return 100
	}
}

func industryScore(industry string) int64 {
	if s, ok := industryScores[industry]; ok {
		return s
	}
	return industryScores[domain.IndustryOther]
}

func (h *LeadScorer) budgetScore(budget decimal.Decimal) int64 {
	switch {
	case !budget.IsPositive():
		return 0
	case budget.GreaterThan(h.cfg.BudgetSaturation):
		return 100
	case budget.GreaterThan(decimal.NewFromInt(50000)):
		return 80
	case budget.GreaterThan(decimal.NewFromInt(10000)):
		return 50
	default:
		return 20
	}
}

func (h *LeadScorer) qualify(score int64) string {
	switch {
	case score >= int64(h.cfg.HotThreshold):
		return QualificationHot
	case score >= int64(h.cfg.WarmThreshold):
		return QualificationWarm
	default:
		return QualificationCold
	}
}

func (h *LeadScorer) factors(lead domain.LeadData) []string {
	out := []string{}
	if lead.CompanySize > h.cfg.LargeCompany {
		out = append(out, "Large company size")
	} else if lead.CompanySize > 100 {
		out = append(out, "Mid-size company")
	}
	if s := industryScore(lead.Industry); s >= 85 {
		out = append(out, "High-value industry: "+lead.Industry)
	}
	if lead.Budget.GreaterThan(h.cfg.BudgetSaturation) {
		out = append(out, "High budget")
	} else if lead.Budget.GreaterThan(decimal.NewFromInt(10000)) {
		out = append(out, "Moderate budget")
	}
	switch lead.EngagementLevel {
	case domain.EngagementHigh:
		out = append(out, "High engagement")
	case domain.EngagementMedium:
		out = append(out, "Medium engagement")
	}
	if lead.IsDecisionMaker {
		out = append(out, "Decision maker contact")
	}
	return out
}
