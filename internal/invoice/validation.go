package invoice

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	dErrors "dunning/pkg/domain-errors"
)

var validate = newValidator()

// newValidator reports fields by their json names so error details match the
// request body.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationError turns struct-tag failures into a validation error whose
// details name each failing field and the rule it broke.
func validationError(err error) error {
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return dErrors.Wrap(err, dErrors.CodeValidation, "invalid request")
	}
	fields := make([]string, 0, len(ves))
	e := dErrors.New(dErrors.CodeValidation, "")
	for _, fe := range ves {
		name := fe.Field()
		fields = append(fields, name)
		e = e.WithDetail(name, fe.Tag())
	}
	e.Message = "invalid " + strings.Join(fields, ", ")
	return e
}
