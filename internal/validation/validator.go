// Package validation turns raw task parameters into normalized, typed values.
package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/ramiqadoumi/go-task-gateway/internal/domain"
)

// DefaultEmailMaxLength bounds the email body the parser has to scan.
const DefaultEmailMaxLength = 50000

var itemIndexRe = regexp.MustCompile(`^items\[(\d+)\]`)

// Config holds validation limits.
type Config struct {
	EmailMaxLength int
}

// Validator checks task parameters against the rules of each task type.
// It is safe for concurrent use.
type Validator struct {
	validate *validator.Validate
	cfg      Config
}

// New builds a Validator. Zero config values fall back to defaults.
func New(cfg Config) *Validator {
	if cfg.EmailMaxLength <= 0 {
		cfg.EmailMaxLength = DefaultEmailMaxLength
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// Numeric tags (gte, lte) compare decimals through their float value.
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})

	return &Validator{validate: v, cfg: cfg}
}

// Validate decodes raw for the given task type and returns the normalized
// parameters (domain.EmailParams, domain.InvoiceParams or domain.LeadParams).
// A *domain.ValidationError lists every violated rule.
func (v *Validator) Validate(taskType domain.TaskType, raw json.RawMessage) (any, error) {
	switch taskType {
	case domain.TypeEmailParse, domain.TypeInvoiceGenerate, domain.TypeLeadScore:
	default:
		return nil, &domain.UnknownTaskTypeError{TaskType: string(taskType)}
	}
	if isEmpty(raw) {
		return nil, &domain.ValidationError{TaskType: taskType, Violations: []domain.Violation{{
			Field: "parameters", Rule: "required", Message: "parameters is required",
		}}}
	}

	switch taskType {
	case domain.TypeEmailParse:
		return v.validateEmail(raw)
	case domain.TypeInvoiceGenerate:
		return v.validateInvoice(raw)
	default:
		return v.validateLead(raw)
	}
}

// Email validates an address with the same rules used for request fields.
func (v *Validator) Email(addr string) bool {
	return v.validate.Var(addr, "required,email") == nil
}

func (v *Validator) validateEmail(raw json.RawMessage) (any, error) {
	var p domain.EmailParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, decodeFailure(domain.TypeEmailParse, err)
	}
	p.EmailContent = strings.TrimSpace(p.EmailContent)

	violations := v.structViolations(p)
	if n := utf8.RuneCountInString(p.EmailContent); n > v.cfg.EmailMaxLength {
		violations = append(violations, domain.Violation{
			Field:   "email_content",
			Rule:    "max",
			Message: fmt.Sprintf("email_content must be at most %d characters, got %d", v.cfg.EmailMaxLength, n),
		})
	}
	if len(violations) > 0 {
		return nil, &domain.ValidationError{TaskType: domain.TypeEmailParse, Violations: violations}
	}
	return p, nil
}

func (v *Validator) validateInvoice(raw json.RawMessage) (any, error) {
	var p domain.InvoiceParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, decodeFailure(domain.TypeInvoiceGenerate, err)
	}
	p.ClientInfo.Name = strings.TrimSpace(p.ClientInfo.Name)
	p.ClientInfo.Email = strings.TrimSpace(p.ClientInfo.Email)
	p.ClientInfo.Address = strings.TrimSpace(p.ClientInfo.Address)
	for i := range p.Items {
		p.Items[i].Description = strings.TrimSpace(p.Items[i].Description)
	}

	violations := v.structViolations(p)

	// Invalid items are dropped. Only client_info problems or an empty
	// remainder reject the invoice.
	invalid := make(map[int]struct{})
	fatal := false
	for _, viol := range violations {
		if m := itemIndexRe.FindStringSubmatch(viol.Field); m != nil {
			idx, _ := strconv.Atoi(m[1])
			invalid[idx] = struct{}{}
			continue
		}
		fatal = true
	}
	if len(p.Items)-len(invalid) == 0 {
		fatal = true
		violations = append(violations, domain.Violation{
			Field:   "items",
			Rule:    domain.RuleNoValidItems,
			Message: "invoice has no valid items",
		})
	}
	if fatal {
		return nil, &domain.ValidationError{TaskType: domain.TypeInvoiceGenerate, Violations: violations}
	}

	if len(invalid) > 0 {
		kept := make([]domain.InvoiceItem, 0, len(p.Items)-len(invalid))
		for i, item := range p.Items {
			if _, bad := invalid[i]; !bad {
				kept = append(kept, item)
			}
		}
		p.Items = kept
	}
	return p, nil
}

func (v *Validator) validateLead(raw json.RawMessage) (any, error) {
	// The dashboard wraps the lead in {"lead_data": {...}}; a bare object is accepted too.
	var probe struct {
		LeadData json.RawMessage `json:"lead_data"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, decodeFailure(domain.TypeLeadScore, err)
	}
	body := []byte(raw)
	if !isEmpty(probe.LeadData) {
		body = probe.LeadData
	}

	var p domain.LeadParams
	if err := json.Unmarshal(body, &p.LeadData); err != nil {
		return nil, decodeFailure(domain.TypeLeadScore, err)
	}
	p.LeadData.Industry = domain.NormalizeIndustry(p.LeadData.Industry)
	p.LeadData.EngagementLevel = strings.ToLower(strings.TrimSpace(p.LeadData.EngagementLevel))

	if violations := v.structViolations(p); len(violations) > 0 {
		return nil, &domain.ValidationError{TaskType: domain.TypeLeadScore, Violations: violations}
	}
	return p, nil
}

func (v *Validator) structViolations(s any) []domain.Violation {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []domain.Violation{{Field: "parameters", Rule: "invalid", Message: err.Error()}}
	}

	out := make([]domain.Violation, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		field := fe.Namespace()
		// Drop the root struct name: "InvoiceParams.items[0].price" -> "items[0].price".
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		out = append(out, domain.Violation{
			Field:   field,
			Rule:    fe.Tag(),
			Message: message(field, fe),
		})
	}
	return out
}

func message(field string, fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	case "email":
		return field + " must be a valid email address"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

func decodeFailure(taskType domain.TaskType, err error) *domain.ValidationError {
	field := "parameters"
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		field = typeErr.Field
	}
	return &domain.ValidationError{TaskType: taskType, Violations: []domain.Violation{{
		Field:   field,
		Rule:    domain.RuleDecode,
		Message: fmt.Sprintf("%s is malformed: %v", field, err),
	}}}
}

func isEmpty(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
