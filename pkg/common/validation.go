package common

import (
	"regexp"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// Mobile numbers as passengers type them: 09 followed by eight digits.
var phonePattern = regexp.MustCompile(`^09\d{8}$`)

// RegisterValidators installs the custom binding rules referenced by
// request model tags. Call once before the router starts serving.
func RegisterValidators() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	_ = v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		return phonePattern.MatchString(fl.Field().String())
	})
}
