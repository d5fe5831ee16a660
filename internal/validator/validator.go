package validator

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"brokerage/internal/money"
)

var validate *validator.Validate

func init() {
	validate = validator.New()

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	registerCustomValidations()
}

func registerCustomValidations() {
	// Positive decimal amount with at most two places, e.g. "80.00".
	_ = validate.RegisterValidation("amount", func(fl validator.FieldLevel) bool {
		minor, err := money.ParseMinor(fl.Field().String())
		return err == nil && minor > 0
	})

	_ = validate.RegisterValidation("account_type", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "wallet", "trading_account":
			return true
		}
		return false
	})

	_ = validate.RegisterValidation("currency", func(fl validator.FieldLevel) bool {
		code := fl.Field().String()
		if len(code) != 3 {
			return false
		}
		for _, r := range code {
			if r < 'A' || r > 'Z' {
				return false
			}
		}
		return true
	})
}

// Validate validates a struct and returns a map of field errors keyed by json name.
func Validate(s any) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"_": err.Error()}
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			fields[field] = "This field is required"
		case "max":
			fields[field] = "Value is too long (max: " + fe.Param() + ")"
		case "oneof":
			fields[field] = "Must be one of: " + fe.Param()
		case "amount":
			fields[field] = "Must be a positive amount with at most two decimal places"
		case "account_type":
			fields[field] = "Must be wallet or trading_account"
		case "currency":
			fields[field] = "Must be a three letter currency code"
		default:
			fields[field] = "Invalid value"
		}
	}
	return fields
}

// ValidateVar validates a single variable.
func ValidateVar(field any, tag string) error {
	return validate.Var(field, tag)
}
