package loader

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/JonMunkholm/loadergate/internal/errs"
)

var codePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report json names so errors line up with sheet columns.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("loadercode", func(fl validator.FieldLevel) bool {
		return codePattern.MatchString(fl.Field().String())
	})
	return v
}

// ValidateCode checks the loader business key.
func ValidateCode(code string) error {
	if err := validate.Var(code, "required,loadercode"); err != nil {
		if strings.TrimSpace(code) == "" {
			return errs.Validation("loader_code", "is required")
		}
		return &errs.ValidationError{
			Field:   "loader_code",
			Value:   code,
			Message: "must be 1-64 letters, digits, '_', '.' or '-' and start with a letter or digit",
		}
	}
	return nil
}

// ValidatePayload checks payload field rules and returns the first failure
// as an *errs.ValidationError.
func ValidatePayload(p Payload) error {
	err := validate.Struct(p)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("validate payload: %w", err)
	}

	fe := verrs[0]
	ve := &errs.ValidationError{Field: fe.Field(), Message: describe(fe)}
	if fe.Field() != "connection_secret" {
		ve.Value = fmt.Sprint(fe.Value())
	}
	return ve
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_if":
		return "is required for this purge strategy"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "gte":
		return "must be >= " + fe.Param()
	case "lte":
		return "must be <= " + fe.Param()
	case "gtefield":
		return "must be >= min_interval_seconds"
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	default:
		return "failed " + fe.Tag() + " check"
	}
}
