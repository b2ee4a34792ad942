package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-task-gateway/internal/domain"
)

const (
	DefaultPaymentTermsDays = 30
	DefaultCurrency         = "USD"
	InvoiceStatusIssued     = "issued"

	dateLayout = "2006-01-02"
)

// InvoiceConfig holds the billing settings applied to every invoice.
type InvoiceConfig struct {
	TaxRate          decimal.Decimal
	PaymentTermsDays int
	Currency         string
}

// InvoiceLine is an item with its computed total.
type InvoiceLine struct {
	Description string        `json:"description"`
	Quantity    int           `json:"quantity"`
	Price       domain.Amount `json:"price"`
	LineTotal   domain.Amount `json:"line_total"`
}

// InvoiceResult is the structured output of an invoice_generate task.
type InvoiceResult struct {
	InvoiceNumber string            `json:"invoice_number"`
	Date          string            `json:"date"`
	DueDate       string            `json:"due_date"`
	ClientInfo    domain.ClientInfo `json:"client_info"`
	Items         []InvoiceLine     `json:"items"`
	Subtotal      domain.Amount     `json:"subtotal"`
	TaxRate       json.Number       `json:"tax_rate"`
	Tax           domain.Amount     `json:"tax"`
	Total         domain.Amount     `json:"total"`
	Currency      string            `json:"currency"`
	Status        string            `json:"status"`
}

// InvoiceGenerator computes invoice totals in fixed-point arithmetic.
type InvoiceGenerator struct {
	cfg InvoiceConfig
}

// NewInvoiceGenerator creates an InvoiceGenerator. A negative tax rate is rejected.
func NewInvoiceGenerator(cfg InvoiceConfig) (*InvoiceGenerator, error) {
	if cfg.TaxRate.IsNegative() {
		return nil, fmt.Errorf("invoice tax rate must not be negative, got %s", cfg.TaxRate)
	}
	if cfg.PaymentTermsDays <= 0 {
		cfg.PaymentTermsDays = DefaultPaymentTermsDays
	}
	if cfg.Currency == "" {
		cfg.Currency = DefaultCurrency
	}
	cfg.Currency = strings.ToUpper(cfg.Currency)
	return &InvoiceGenerator{cfg: cfg}, nil
}

func (h *InvoiceGenerator) TaskType() domain.TaskType { return domain.TypeInvoiceGenerate }

func (h *InvoiceGenerator) Process(ctx context.Context, in Input) (any, error) {
	_, span := otel.Tracer("dispatcher").Start(ctx, "handler.invoice_generate")
	defer span.End()

	p, err := paramsAs[domain.InvoiceParams](in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid params")
		return nil, err
	}

	lines := make([]InvoiceLine, 0, len(p.Items))
	subtotal := decimal.Zero
	for _, item := range p.Items {
		lineTotal := item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))).Round(2)
		subtotal = subtotal.Add(lineTotal)
		lines = append(lines, InvoiceLine{
			Description: item.Description,
			Quantity:    item.Quantity,
			Price:       domain.NewAmount(item.Price),
			LineTotal:   domain.NewAmount(lineTotal),
		})
	}
	tax := subtotal.Mul(h.cfg.TaxRate).Round(2)
	total := subtotal.Add(tax).Round(2)

	issued := in.CreatedAt.UTC()
	res := InvoiceResult{
		InvoiceNumber: InvoiceNumber(in.TaskID, issued),
		Date:          issued.Format(dateLayout),
		DueDate:       issued.AddDate(0, 0, h.cfg.PaymentTermsDays).Format(dateLayout),
		ClientInfo:    p.ClientInfo,
		Items:         lines,
		Subtotal:      domain.NewAmount(subtotal),
		TaxRate:       json.Number(h.cfg.TaxRate.String()),
		Tax:           domain.NewAmount(tax),
		Total:         domain.NewAmount(total),
		Currency:      h.cfg.Currency,
		Status:        InvoiceStatusIssued,
	}

	span.SetAttributes(
		attribute.Int("invoice.items", len(lines)),
		attribute.String("invoice.total", total.StringFixed(2)),
	)
	return res, nil
}

// InvoiceNumber derives a stable invoice number from the task id and issue date,
// e.g. INV-20260301-9F1C2A7B.
func InvoiceNumber(taskID string, issued time.Time) string {
	hex := make([]byte, 0, 8)
	for i := 0; i < len(taskID) && len(hex) < 8; i++ {
		c := taskID[i]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') {
			hex = append(hex, c)
		}
	}
	return fmt.Sprintf("INV-%s-%s", issued.UTC().Format("20060102"), strings.ToUpper(string(hex)))
}
