package model

import (
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	herrors "github.com/l8e-harbor/l8e-harbor/internal/errors"
)

var (
	routeIDPattern    = regexp.MustCompile(`^[a-z0-9-]+$`)
	matcherKeyPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	v.RegisterValidation("route_id", func(fl validator.FieldLevel) bool {
		return routeIDPattern.MatchString(fl.Field().String())
	})
	v.RegisterValidation("matcher_key", func(fl validator.FieldLevel) bool {
		return matcherKeyPattern.MatchString(fl.Field().String())
	})
	return v
}

// Validate checks a route against its field constraints and cross-field
// rules. Errors are HarborErrors with status 400 naming the offending
// field.
func (r *Route) Validate() error {
	// Legacy matcher documents put the key in the value field. Reject
	// those explicitly so callers get a pointed message instead of a
	// bare "key required".
	for i, m := range r.Matchers {
		if m.Key == "" && m.Value != "" {
			return herrors.Validation(
				fmt.Sprintf("matchers[%d].key", i),
				"required (legacy matcher documents carrying the key in the value field are not accepted)")
		}
	}

	if err := validate.Struct(r); err != nil {
		return translateValidatorError(err)
	}

	totalWeight := 0
	for i, b := range r.Backends {
		u, err := url.Parse(b.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return herrors.Validation(
				fmt.Sprintf("backends[%d].url", i),
				"must be an absolute URL with scheme and host")
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return herrors.Validation(
				fmt.Sprintf("backends[%d].url", i),
				fmt.Sprintf("unsupported scheme %q", u.Scheme))
		}
		totalWeight += b.Weight
	}
	if totalWeight <= 0 {
		return herrors.Validation("backends", "sum of backend weights must be greater than zero")
	}

	for i, m := range r.Matchers {
		if m.Op == OpExists {
			continue
		}
		if m.Value == "" {
			return herrors.Validation(
				fmt.Sprintf("matchers[%d].value", i),
				fmt.Sprintf("required for op %q", m.Op))
		}
		if m.Op == OpRegex {
			if _, err := regexp.Compile(m.Value); err != nil {
				return herrors.Validation(
					fmt.Sprintf("matchers[%d].value", i),
					fmt.Sprintf("invalid regex: %v", err))
			}
		}
	}
	return nil
}

// translateValidatorError flattens the first validator failure into a
// field-named 400.
func translateValidatorError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return herrors.Wrap(err, http.StatusBadRequest, "invalid route")
	}
	fe := verrs[0]
	// Namespace is "Route.backends[0].weight"; drop the root struct name.
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	return herrors.Validation(field, constraintMessage(fe))
}

func constraintMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "route_id":
		return "must contain only lowercase alphanumerics and dashes"
	case "matcher_key":
		return "must start with a letter and contain only alphanumerics, underscores, or dashes"
	case "startswith":
		return fmt.Sprintf("must start with %q", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "min":
		return fmt.Sprintf("must have at least %s element(s)", fe.Param())
	case "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be <= %s", fe.Param())
	default:
		return fmt.Sprintf("failed %q constraint", fe.Tag())
	}
}
