package domain

import (
	"strings"

	"github.com/google/uuid"

	dErrors "dunning/pkg/domain-errors"
)

// Typed identifiers keep invoice, buyer, retailer, notice and dispute IDs from
// being mixed up at compile time. Construct them with the Parse functions at
// trust boundaries; New* helpers are for internal creation only.
type (
	InvoiceID       uuid.UUID
	BuyerID         uuid.UUID
	RetailerID      uuid.UUID
	NoticeID        uuid.UUID
	DisputeID       uuid.UUID
	CommunicationID uuid.UUID
)

func NewInvoiceID() InvoiceID             { return InvoiceID(uuid.New()) }
func NewBuyerID() BuyerID                 { return BuyerID(uuid.New()) }
func NewRetailerID() RetailerID           { return RetailerID(uuid.New()) }
func NewNoticeID() NoticeID               { return NoticeID(uuid.New()) }
func NewDisputeID() DisputeID             { return DisputeID(uuid.New()) }
func NewCommunicationID() CommunicationID { return CommunicationID(uuid.New()) }

func (id InvoiceID) String() string       { return uuid.UUID(id).String() }
func (id BuyerID) String() string         { return uuid.UUID(id).String() }
func (id RetailerID) String() string      { return uuid.UUID(id).String() }
func (id NoticeID) String() string        { return uuid.UUID(id).String() }
func (id DisputeID) String() string       { return uuid.UUID(id).String() }
func (id CommunicationID) String() string { return uuid.UUID(id).String() }

func (id InvoiceID) IsNil() bool  { return uuid.UUID(id) == uuid.Nil }
func (id BuyerID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id RetailerID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id NoticeID) IsNil() bool   { return uuid.UUID(id) == uuid.Nil }
func (id DisputeID) IsNil() bool  { return uuid.UUID(id) == uuid.Nil }

func ParseInvoiceID(s string) (InvoiceID, error) {
	u, err := parseUUID(s, "invoice")
	return InvoiceID(u), err
}

func ParseBuyerID(s string) (BuyerID, error) {
	u, err := parseUUID(s, "buyer")
	return BuyerID(u), err
}

func ParseRetailerID(s string) (RetailerID, error) {
	u, err := parseUUID(s, "retailer")
	return RetailerID(u), err
}

func ParseNoticeID(s string) (NoticeID, error) {
	u, err := parseUUID(s, "notice")
	return NoticeID(u), err
}

func ParseDisputeID(s string) (DisputeID, error) {
	u, err := parseUUID(s, "dispute")
	return DisputeID(u), err
}

// parseUUID rejects empty, malformed and nil UUIDs.
func parseUUID(s, kind string) (uuid.UUID, error) {
	if strings.TrimSpace(s) == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeValidation, kind+" ID is required")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeValidation, "invalid "+kind+" ID")
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeValidation, kind+" ID cannot be nil")
	}
	return u, nil
}

// MarshalText keeps typed IDs rendering as canonical UUID strings in JSON.
func (id InvoiceID) MarshalText() ([]byte, error)       { return uuid.UUID(id).MarshalText() }
func (id BuyerID) MarshalText() ([]byte, error)         { return uuid.UUID(id).MarshalText() }
func (id RetailerID) MarshalText() ([]byte, error)      { return marshalOptional(uuid.UUID(id)) }
func (id NoticeID) MarshalText() ([]byte, error)        { return uuid.UUID(id).MarshalText() }
func (id DisputeID) MarshalText() ([]byte, error)       { return uuid.UUID(id).MarshalText() }
func (id CommunicationID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

func (id *InvoiceID) UnmarshalText(b []byte) error       { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *BuyerID) UnmarshalText(b []byte) error         { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *RetailerID) UnmarshalText(b []byte) error      { return unmarshalOptional((*uuid.UUID)(id), b) }
func (id *NoticeID) UnmarshalText(b []byte) error        { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *DisputeID) UnmarshalText(b []byte) error       { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *CommunicationID) UnmarshalText(b []byte) error { return (*uuid.UUID)(id).UnmarshalText(b) }

// Retailer references are cleared on anonymization, so the nil UUID renders
// as an empty string.
func marshalOptional(u uuid.UUID) ([]byte, error) {
	if u == uuid.Nil {
		return []byte{}, nil
	}
	return u.MarshalText()
}

func unmarshalOptional(u *uuid.UUID, b []byte) error {
	if len(b) == 0 {
		*u = uuid.Nil
		return nil
	}
	return u.UnmarshalText(b)
}
