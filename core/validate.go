package core

import (
	"errors"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names so messages match the request body.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// optional_date: "" or YYYY-MM-DD. An empty string clears a date.
	err := v.RegisterValidation("optional_date", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if s == "" {
			return true
		}
		_, err := time.Parse("2006-01-02", s)
		return err == nil
	})
	if err != nil {
		panic(err)
	}
	return v
}

// ValidateStruct runs the struct's validate tags and converts failures
// into a validation error. A single missing required field is reported
// as missing_field.
func ValidateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return Validation(CodeInvalidField, "%v", err)
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Namespace()[strings.Index(fe.Namespace(), ".")+1:]+" ("+fe.Tag()+")")
	}
	sort.Strings(fields)

	if len(verrs) == 1 && (verrs[0].Tag() == "required" || verrs[0].Tag() == "required_if") {
		return MissingField(verrs[0].Field())
	}
	return Validation(CodeInvalidField, "invalid fields: %s", strings.Join(fields, ", "))
}
