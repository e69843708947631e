package utils

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"flashback/core/apperr"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "" || name == "-" {
				return f.Name
			}
			return name
		})
	})
	return validate
}

// ValidateStruct checks v's `validate` tags and reports the first failing
// field as an *apperr.ValidationError.
func ValidateStruct(v any) error {
	err := validatorInstance().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &apperr.ValidationError{Message: err.Error()}
	}
	fe := verrs[0]
	msg := fmt.Sprintf("failed on %q", fe.Tag())
	if fe.Param() != "" {
		msg = fmt.Sprintf("failed on %q (%s)", fe.Tag(), fe.Param())
	}
	return &apperr.ValidationError{Field: fe.Field(), Message: msg}
}
