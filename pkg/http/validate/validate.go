package validate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/quizarena/live/internal/domain"
)

// Validator wraps go-playground validator with the rules payloads need.
type Validator struct {
	validate *validator.Validate
}

// New creates a validator with custom rules registered.
func New() *Validator {
	v := validator.New()
	v.RegisterValidation("session_code", validateSessionCode)
	return &Validator{validate: v}
}

// Struct validates s and returns a domain.ErrInvalid error naming the first bad field.
func (v *Validator) Struct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("%w: field %s failed %s", domain.ErrInvalid, fe.Field(), fe.Tag())
	}
	return fmt.Errorf("%w: %v", domain.ErrInvalid, err)
}

// SessionCodeAlphabet excludes characters that are easy to confuse when typed.
const SessionCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func validateSessionCode(fl validator.FieldLevel) bool {
	code := fl.Field().String()
	if len(code) != 6 {
		return false
	}
	for _, r := range code {
		if !strings.ContainsRune(SessionCodeAlphabet, r) {
			return false
		}
	}
	return true
}
