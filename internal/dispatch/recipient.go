package dispatch

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ttacon/libphonenumber"

	"dunning/internal/collab"
	"dunning/internal/ledger/models"
	dErrors "dunning/pkg/domain-errors"
)

// DefaultRegion is assumed for phone numbers written without a country code.
const DefaultRegion = "IN"

var validate = validator.New()

// RecipientFor builds the buyer's address for one channel. Phone numbers
// are normalized to E.164.
func RecipientFor(buyer *models.Buyer, channel models.Channel, region string) (collab.Recipient, error) {
	r := collab.Recipient{Name: buyer.Name}
	switch channel {
	case models.ChannelEmail:
		email := strings.TrimSpace(buyer.Email)
		if err := validate.Var(email, "required,email"); err != nil {
			return r, dErrors.Wrap(err, dErrors.CodeValidation, "buyer has no usable email address")
		}
		r.Email = email
	case models.ChannelSMS, models.ChannelWhatsApp:
		phone, err := NormalizePhone(buyer.Phone, region)
		if err != nil {
			return r, err
		}
		r.Phone = phone
	case models.ChannelPost:
		if strings.TrimSpace(buyer.Address) == "" {
			return r, dErrors.New(dErrors.CodeValidation, "buyer has no postal address")
		}
		r.Address = strings.TrimSpace(buyer.Address)
	default:
		return r, dErrors.New(dErrors.CodeValidation, "unknown channel").
			WithDetail("channel", string(channel))
	}
	return r, nil
}

func NormalizePhone(raw, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", dErrors.New(dErrors.CodeValidation, "buyer has no phone number")
	}
	if region == "" {
		region = DefaultRegion
	}
	num, err := libphonenumber.Parse(raw, region)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeValidation, "buyer phone number is malformed")
	}
	if !libphonenumber.IsValidNumber(num) {
		return "", dErrors.New(dErrors.CodeValidation, "buyer phone number is not valid")
	}
	return libphonenumber.Format(num, libphonenumber.E164), nil
}
