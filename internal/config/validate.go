package config

import (
	"reflect"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// newValidator reports fields by their env tag so errors name the variable
// the operator has to fix.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := fld.Tag.Get("env"); name != "" {
			return name
		}
		return fld.Name
	})
	return v
}
