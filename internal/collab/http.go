package collab

import (
	"context"
	"strings"

	"dunning/internal/ledger/models"
)

// HTTPContentGenerator asks a remote service to render messages and notices.
type HTTPContentGenerator struct {
	client *jsonClient
}

func NewHTTPContentGenerator(ep Endpoint, opts ...ClientOption) *HTTPContentGenerator {
	return &HTTPContentGenerator{client: newJSONClient(ep, opts...)}
}

func (g *HTTPContentGenerator) Generate(ctx context.Context, req ContentRequest) (Content, error) {
	var out Content
	if err := g.client.post(ctx, "/v1/content", req, &out); err != nil {
		return Content{}, err
	}
	if strings.TrimSpace(out.Body) == "" {
		return Content{}, NewError(ErrorContractMismatch, g.client.name, "empty content body", nil)
	}
	return out, nil
}

// HTTPSender hands messages for one channel to a delivery gateway.
type HTTPSender struct {
	channel models.Channel
	client  *jsonClient
}

func NewHTTPSender(channel models.Channel, ep Endpoint, opts ...ClientOption) *HTTPSender {
	if ep.Name == "" {
		ep.Name = "sender-" + string(channel)
	}
	return &HTTPSender{channel: channel, client: newJSONClient(ep, opts...)}
}

func (s *HTTPSender) Channel() models.Channel {
	return s.channel
}

func (s *HTTPSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	var out Receipt
	err := s.client.post(ctx, "/v1/messages/"+string(s.channel), msg, &out)
	return out, err
}

// HTTPRegistry validates business identifiers against a remote registry.
type HTTPRegistry struct {
	client *jsonClient
}

func NewHTTPRegistry(ep Endpoint, opts ...ClientOption) *HTTPRegistry {
	return &HTTPRegistry{client: newJSONClient(ep, opts...)}
}

type registryRequest struct {
	RegistryID string `json:"registry_id"`
}

func (r *HTTPRegistry) Validate(ctx context.Context, registryID string) (RegistryResult, error) {
	var out RegistryResult
	err := r.client.post(ctx, "/v1/validate", registryRequest{RegistryID: registryID}, &out)
	return out, err
}

// HTTPDisputePortal lodges dispute packages with the resolution portal.
type HTTPDisputePortal struct {
	client *jsonClient
}

func NewHTTPDisputePortal(ep Endpoint, opts ...ClientOption) *HTTPDisputePortal {
	return &HTTPDisputePortal{client: newJSONClient(ep, opts...)}
}

type submitResponse struct {
	ReferenceNumber string `json:"reference_number"`
}

func (p *HTTPDisputePortal) Submit(ctx context.Context, pkg models.DisputePackage) (string, error) {
	var out submitResponse
	if err := p.client.post(ctx, "/v1/disputes", pkg, &out); err != nil {
		return "", err
	}
	ref := strings.TrimSpace(out.ReferenceNumber)
	if ref == "" {
		return "", NewError(ErrorContractMismatch, p.client.name, "missing reference number", nil)
	}
	return ref, nil
}
