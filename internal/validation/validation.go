package validation

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Error is returned for bad caller input. It is never retried and maps to a 4xx response.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Errorf builds a validation error for a single field
func Errorf(field, format string, args ...any) *Error {
	return &Error{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err (or anything it wraps) is a validation error
func IsValidationError(err error) bool {
	var ve *Error
	return errors.As(err, &ve)
}

var (
	once     sync.Once
	validate *validator.Validate
)

func instance() *validator.Validate {
	once.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(jsonName)
	})
	return validate
}

// Struct validates v using its `validate` tags and converts the first failure into an *Error
func Struct(v any) error {
	err := instance().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &Error{Message: err.Error()}
	}
	fe := verrs[0]
	return &Error{Field: fe.Field(), Message: describe(fe)}
}

// HTTPURL checks that raw is a non-empty absolute http(s) URL with a host
func HTTPURL(field, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Errorf(field, "is required")
	}
	if err := instance().Var(raw, "url"); err != nil {
		return Errorf(field, "must be a well-formed absolute URL")
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return Errorf(field, "must be a well-formed absolute URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Errorf(field, "scheme must be http or https")
	}
	if u.Host == "" || u.Hostname() == "" {
		return Errorf(field, "must include a host")
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "len":
		return "must be exactly " + fe.Param() + " characters"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "numeric", "number":
		return "must contain only digits"
	case "uppercase":
		return "must be upper case"
	case "alpha":
		return "must contain only letters"
	default:
		return "failed " + fe.Tag() + " check"
	}
}

// jsonName reports struct fields by their JSON name so messages match the request body
func jsonName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	if name == "-" || name == "" {
		return fld.Name
	}
	return name
}
