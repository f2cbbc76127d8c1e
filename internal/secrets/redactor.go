package secrets

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/docrag/internal/secrets")

// Finding is a detected secret. The secret value itself is never kept.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Line        int    `json:"line"`
}

// Report is the outcome of redacting one text.
type Report struct {
	Text     string         `json:"-"`
	Findings []Finding      `json:"findings,omitempty"`
	ByRule   map[string]int `json:"by_rule,omitempty"`
}

// Redacted reports whether anything was replaced.
func (r *Report) Redacted() bool { return len(r.Findings) > 0 }

// Option configures a Redactor.
type Option func(*Redactor)

// WithLogger sets the redactor logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Redactor) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithAllowlist exempts the allowlist's patterns from detection.
func WithAllowlist(a *Allowlist) Option {
	return func(r *Redactor) {
		r.allowlist = a
	}
}

// Redactor replaces secrets in text with markers.
type Redactor struct {
	allowlist *Allowlist
	logger    *zap.Logger
}

// New creates a Redactor. It fails if the gitleaks rule set cannot be loaded.
func New(opts ...Option) (*Redactor, error) {
	r := &Redactor{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	if _, err := r.detector(); err != nil {
		return nil, err
	}
	return r, nil
}

// Redact returns text with every detected secret masked.
func (r *Redactor) Redact(ctx context.Context, text string) (string, error) {
	report, err := r.Scan(ctx, text)
	if err != nil {
		return "", err
	}
	return report.Text, nil
}

// Scan detects secrets in text and returns the masked text with the
// findings that produced it.
func (r *Redactor) Scan(ctx context.Context, text string) (*Report, error) {
	_, span := tracer.Start(ctx, "Redactor.Scan")
	defer span.End()
	span.SetAttributes(attribute.Int("chars", len(text)))

	report := &Report{Text: text}
	if strings.TrimSpace(text) == "" {
		return report, nil
	}

	// Detectors accumulate findings across calls, so each scan gets its own.
	d, err := r.detector()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "detector")
		return nil, err
	}

	secrets := map[string]string{}
	for _, f := range d.DetectString(text) {
		if f.Secret == "" {
			continue
		}
		report.Findings = append(report.Findings, Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine,
		})
		if report.ByRule == nil {
			report.ByRule = map[string]int{}
		}
		report.ByRule[f.RuleID]++
		if _, ok := secrets[f.Secret]; !ok {
			secrets[f.Secret] = f.RuleID
		}
	}
	report.Text = mask(text, secrets)

	if report.Redacted() {
		r.logger.Info("redacted secrets",
			zap.Int("findings", len(report.Findings)),
			zap.Any("by_rule", report.ByRule))
	}
	span.SetAttributes(attribute.Int("findings", len(report.Findings)))
	span.SetStatus(codes.Ok, "")
	return report, nil
}

func (r *Redactor) detector() (*detect.Detector, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load secret rules: %w", err)
	}
	if !r.allowlist.Empty() {
		applyAllowlist(&d.Config, r.allowlist)
	}
	return d, nil
}

// mask replaces each secret with a marker naming the rule that found it.
// Longer secrets go first so a secret containing another is masked whole.
func mask(text string, secrets map[string]string) string {
	if len(secrets) == 0 {
		return text
	}
	values := make([]string, 0, len(secrets))
	for v := range secrets {
		values = append(values, v)
	}
	slices.SortFunc(values, func(a, b string) int {
		if c := cmp.Compare(len(b), len(a)); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	for _, v := range values {
		text = strings.ReplaceAll(text, v, "[REDACTED:"+secrets[v]+"]")
	}
	return text
}

// applyAllowlist appends a global allowlist to the gitleaks config. Patterns
// were validated by LoadAllowlist.
func applyAllowlist(cfg *gitleaksConfig.Config, a *Allowlist) {
	global := &gitleaksConfig.Allowlist{
		Description: "docrag allowlist",
		StopWords:   slices.Clone(a.StopWords),
	}
	for _, pattern := range a.Regexes {
		global.Regexes = append(global.Regexes, gitleaksRegexp.MustCompile(pattern))
	}
	cfg.Allowlists = append(cfg.Allowlists, global)
}
