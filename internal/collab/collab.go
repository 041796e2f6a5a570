// Package collab defines the contracts for the systems the engine depends on
// but does not implement: content generation, channel delivery, registry
// validation and the dispute portal.
package collab

import (
	"context"

	"dunning/internal/ledger/models"
	"dunning/pkg/domain"
)

// ContentRequest asks for a rendered message or notice.
type ContentRequest struct {
	InvoiceID domain.InvoiceID  `json:"invoice_id"`
	Stage     models.Stage      `json:"stage"`
	Channel   models.Channel    `json:"channel"`
	Language  string            `json:"language"`
	Facts     map[string]string `json:"facts,omitempty"`
}

// Content is rendered text plus an opaque reference the generator can use to
// retrieve it again.
type Content struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
	Ref     string `json:"ref,omitempty"`
}

type ContentGenerator interface {
	Generate(ctx context.Context, req ContentRequest) (Content, error)
}

type Recipient struct {
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

// Message is one delivery request on one channel.
type Message struct {
	InvoiceID domain.InvoiceID `json:"invoice_id"`
	Stage     models.Stage     `json:"stage"`
	Channel   models.Channel   `json:"channel"`
	Recipient Recipient        `json:"recipient"`
	Content   Content          `json:"content"`
	// IdempotencyKey is stable per (invoice, stage, channel).
	IdempotencyKey string `json:"idempotency_key"`
}

type Receipt struct {
	ProviderRef string `json:"provider_ref,omitempty"`
	Delivered   bool   `json:"delivered"`
}

// Sender delivers messages over one channel. Every channel shares this
// contract regardless of transport.
type Sender interface {
	Channel() models.Channel
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// RegistryResult is the registry's verdict on a business identifier.
type RegistryResult struct {
	Valid      bool              `json:"valid"`
	EntityName string            `json:"entity_name,omitempty"`
	Status     string            `json:"status,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type RegistryValidator interface {
	Validate(ctx context.Context, registryID string) (RegistryResult, error)
}

// DisputePortal lodges a dispute package and returns the portal's reference.
type DisputePortal interface {
	Submit(ctx context.Context, pkg models.DisputePackage) (string, error)
}
