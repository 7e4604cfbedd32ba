package validation

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

var Validate *validator.Validate

var (
	numericPattern = regexp.MustCompile(`^[0-9]+$`)
	hexDataPattern = regexp.MustCompile(`^0[xX]([0-9a-fA-F]{2})*$`)
)

func init() {
	Validate = validator.New()

	// amounts are unsigned integers of wei, without sign or decimals
	_ = Validate.RegisterValidation("numeric", func(fl validator.FieldLevel) bool {
		return numericPattern.MatchString(fl.Field().String())
	})

	// 0x-prefixed byte string, "0x" alone is empty calldata
	_ = Validate.RegisterValidation("hexdata", func(fl validator.FieldLevel) bool {
		return hexDataPattern.MatchString(fl.Field().String())
	})
}
