package validation

import (
	"regexp"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
)

// sortKeyPattern matches "<action>#<spent date>#<unix seconds>".
var sortKeyPattern = regexp.MustCompile(`^[a-z]+#(\d{4}-\d{2}-\d{2})#\d+$`)

// New returns a validator with the "sortkey" tag registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()
	_ = v.RegisterValidation("sortkey", validateSortKey)
	return v
}

func validateSortKey(fl validatorv10.FieldLevel) bool {
	m := sortKeyPattern.FindStringSubmatch(fl.Field().String())
	if m == nil {
		return false
	}
	_, err := time.Parse(time.DateOnly, m[1])
	return err == nil
}
