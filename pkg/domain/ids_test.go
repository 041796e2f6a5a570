package domain

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "dunning/pkg/domain-errors"
)

// Every ID kind goes through the same boundary parser; each must reject
// blank, malformed and nil input as a validation error.
func TestParse_RejectsUnusableIDs(t *testing.T) {
	parsers := map[string]func(string) error{
		"invoice":  func(s string) error { _, err := ParseInvoiceID(s); return err },
		"buyer":    func(s string) error { _, err := ParseBuyerID(s); return err },
		"retailer": func(s string) error { _, err := ParseRetailerID(s); return err },
		"notice":   func(s string) error { _, err := ParseNoticeID(s); return err },
		"dispute":  func(s string) error { _, err := ParseDisputeID(s); return err },
	}
	for kind, parse := range parsers {
		for _, input := range []string{"", "   ", "not-a-uuid", uuid.Nil.String()} {
			t.Run(kind+"/"+input, func(t *testing.T) {
				err := parse(input)
				require.Error(t, err)
				assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
			})
		}
	}
}

func TestParse_RoundTripsString(t *testing.T) {
	buyer := NewBuyerID()
	parsed, err := ParseBuyerID(buyer.String())
	require.NoError(t, err)
	assert.Equal(t, buyer, parsed)

	invoice, err := ParseInvoiceID(strings.ToUpper(NewInvoiceID().String()))
	require.NoError(t, err)
	assert.False(t, invoice.IsNil())
}

func TestParseID_HostileInput(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"SQL injection attempt", "'; DROP TABLE invoices;--", true},
		{"Null byte injection", "550e8400\x00-e29b-41d4-a716-446655440000", true},
		{"Oversized input", strings.Repeat("a", 1000), true},
		{"Whitespace only", "   ", true},
		{"Uppercase valid UUID", "550E8400-E29B-41D4-A716-446655440000", false},
		{"Valid UUID lowercase", "550e8400-e29b-41d4-a716-446655440000", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBuyerID(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestTypedIDsRenderAsStrings(t *testing.T) {
	invoiceID := NewInvoiceID()
	out, err := json.Marshal(struct {
		Invoice  InvoiceID  `json:"invoice"`
		Retailer RetailerID `json:"retailer"`
	}{Invoice: invoiceID})
	require.NoError(t, err)
	assert.JSONEq(t, `{"invoice":"`+invoiceID.String()+`","retailer":""}`, string(out))

	var decoded struct {
		Invoice  InvoiceID  `json:"invoice"`
		Retailer RetailerID `json:"retailer"`
	}
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, invoiceID, decoded.Invoice)
	assert.True(t, decoded.Retailer.IsNil())
}
