package collab

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"regexp"
	"strings"
	"text/template"

	"dunning/internal/ledger/models"
)

// TemplateGenerator renders built-in English templates. It stands in for the
// content service in local runs and tests; Language is passed through as a
// fact but not translated.
type TemplateGenerator struct {
	templates map[models.Stage]*template.Template
}

var defaultTemplates = map[models.Stage]string{
	models.StageReminder1Sent: "Invoice {{.number}} for {{.principal}} was due on {{.due_date}}. " +
		"Please arrange payment at your earliest convenience.",
	models.StageReminder2Sent: "Invoice {{.number}} remains unpaid {{.days_elapsed}} days after issue. " +
		"The amount now due is {{.total_due}}.",
	models.StageFinalReminderSent: "Final reminder: invoice {{.number}} must be paid before the statutory " +
		"deadline. Interest of {{.penalty}} has accrued.",
	models.StageNoticePendingApproval: "LEGAL NOTICE. Invoice {{.number}} dated {{.invoice_date}} is overdue by " +
		"{{.overdue_days}} days. Principal {{.principal}}, compound interest {{.penalty}}, " +
		"total due {{.total_due}}. Failing payment, the matter will be referred for dispute resolution.",
}

func NewTemplateGenerator() *TemplateGenerator {
	g := &TemplateGenerator{templates: make(map[models.Stage]*template.Template, len(defaultTemplates))}
	for stage, text := range defaultTemplates {
		g.templates[stage] = template.Must(template.New(stage.String()).Option("missingkey=zero").Parse(text))
	}
	// Dispatching the approved notice reuses the notice text.
	g.templates[models.StageNoticeSent] = g.templates[models.StageNoticePendingApproval]
	return g
}

func (g *TemplateGenerator) Generate(_ context.Context, req ContentRequest) (Content, error) {
	tmpl, ok := g.templates[req.Stage]
	if !ok {
		return Content{}, NewError(ErrorBadData, "template", "no template for stage "+req.Stage.String(), nil)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, req.Facts); err != nil {
		return Content{}, NewError(ErrorInternal, "template", "render", err)
	}
	body := buf.String()
	sum := sha256.Sum256([]byte(body))
	return Content{
		Subject: "Invoice " + req.Facts["number"],
		Body:    body,
		Ref:     "tmpl:" + hex.EncodeToString(sum[:8]),
	}, nil
}

// LogSender logs messages instead of delivering them.
type LogSender struct {
	channel models.Channel
	logger  *slog.Logger
}

func NewLogSender(channel models.Channel, logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{channel: channel, logger: logger}
}

func (s *LogSender) Channel() models.Channel {
	return s.channel
}

func (s *LogSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	s.logger.InfoContext(ctx, "message delivered to log",
		"invoice_id", msg.InvoiceID.String(),
		"stage", msg.Stage.String(),
		"channel", string(s.channel),
		"recipient", msg.Recipient.Name,
		"content_ref", msg.Content.Ref,
	)
	return Receipt{ProviderRef: "log:" + msg.IdempotencyKey, Delivered: true}, nil
}

var gstinPattern = regexp.MustCompile(`^[0-9]{2}[A-Z0-9]{13}$`)

// FormatRegistry only checks an identifier's shape. It is used when no
// registry endpoint is configured.
type FormatRegistry struct{}

func (FormatRegistry) Validate(_ context.Context, registryID string) (RegistryResult, error) {
	id := strings.ToUpper(strings.TrimSpace(registryID))
	if !gstinPattern.MatchString(id) {
		return RegistryResult{
			Valid:  false,
			Reason: "identifier must be 15 characters: a two-digit state code followed by 13 letters or digits",
		}, nil
	}
	return RegistryResult{Valid: true, Status: "format_only"}, nil
}

// LocalPortal accepts every package and derives a stable reference from the
// invoice, so resubmitting the same invoice yields the same number.
type LocalPortal struct {
	logger *slog.Logger
}

func NewLocalPortal(logger *slog.Logger) *LocalPortal {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalPortal{logger: logger}
}

func (p *LocalPortal) Submit(ctx context.Context, pkg models.DisputePackage) (string, error) {
	if pkg.InvoiceID.IsNil() {
		return "", NewError(ErrorBadData, "local-portal", "package has no invoice", nil)
	}
	sum := sha256.Sum256([]byte(pkg.InvoiceID.String()))
	ref := "LOCAL-" + strings.ToUpper(hex.EncodeToString(sum[:6]))
	p.logger.InfoContext(ctx, "dispute accepted by local portal",
		"invoice_id", pkg.InvoiceID.String(),
		"reference_number", ref,
	)
	return ref, nil
}
