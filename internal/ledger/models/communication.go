package models

import (
	"time"

	"dunning/pkg/domain"
)

type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelPost     Channel = "post"
)

func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelWhatsApp, ChannelPost:
		return true
	}
	return false
}

type DeliveryStatus string

const (
	DeliveryPending           DeliveryStatus = "pending"
	DeliverySent              DeliveryStatus = "sent"
	DeliveryDelivered         DeliveryStatus = "delivered"
	DeliveryFailed            DeliveryStatus = "failed"
	DeliveryPermanentlyFailed DeliveryStatus = "permanently_failed"
)

// IsSuccessful reports whether the channel already reached the recipient.
func (s DeliveryStatus) IsSuccessful() bool {
	return s == DeliverySent || s == DeliveryDelivered
}

// CommunicationRecord tracks delivery of one stage's message over one
// channel. There is at most one record per (invoice, stage, channel).
//
// Invariants:
//   - RetryCount counts delivery attempts and never exceeds the dispatch limit
//   - A permanently failed record is never retried
//   - Version increases by exactly one on every persisted change
type CommunicationRecord struct {
	ID         domain.CommunicationID `json:"id"`
	InvoiceID  domain.InvoiceID       `json:"invoice_id"`
	Stage      Stage                  `json:"stage"`
	Channel    Channel                `json:"channel"`
	ContentRef string                 `json:"content_ref,omitempty"`
	Status     DeliveryStatus         `json:"status"`
	RetryCount int                    `json:"retry_count"`
	LastError  string                 `json:"last_error,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
	Version    int64                  `json:"version"`
}

func NewCommunicationRecord(invoiceID domain.InvoiceID, stage Stage, channel Channel, now time.Time) *CommunicationRecord {
	return &CommunicationRecord{
		ID:        domain.NewCommunicationID(),
		InvoiceID: invoiceID,
		Stage:     stage,
		Channel:   channel,
		Status:    DeliveryPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// CanAttempt reports whether another delivery attempt is permitted under
// the given attempt limit.
func (c *CommunicationRecord) CanAttempt(limit int) bool {
	if c.Status.IsSuccessful() || c.Status == DeliveryPermanentlyFailed {
		return false
	}
	return c.RetryCount < limit
}

func (c *CommunicationRecord) ApplyAttempt(contentRef string, now time.Time) {
	c.RetryCount++
	if contentRef != "" {
		c.ContentRef = contentRef
	}
	c.UpdatedAt = now
}

func (c *CommunicationRecord) ApplySent(now time.Time) {
	c.Status = DeliverySent
	c.LastError = ""
	c.UpdatedAt = now
}

func (c *CommunicationRecord) ApplyDelivered(now time.Time) {
	c.Status = DeliveryDelivered
	c.UpdatedAt = now
}

func (c *CommunicationRecord) ApplyFailure(reason string, now time.Time) {
	c.Status = DeliveryFailed
	c.LastError = reason
	c.UpdatedAt = now
}

func (c *CommunicationRecord) ApplyPermanentFailure(reason string, now time.Time) {
	c.Status = DeliveryPermanentlyFailed
	if reason != "" {
		c.LastError = reason
	}
	c.UpdatedAt = now
}

func (c *CommunicationRecord) Clone() *CommunicationRecord {
	cp := *c
	return &cp
}
