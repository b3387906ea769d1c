package validator

import (
	"errors"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	govalidator "github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

// trans is the singleton English translator for validation errors.
var trans ut.Translator

// standalone validates structs outside of a gin binding context
// (client-side payload checks before a request is sent).
var standalone *govalidator.Validate

// Setup registers the validator with English translations on Gin's
// binding engine and prepares the standalone instance. Call once
// during startup.
func Setup() {
	enLocale := en.New()
	uni := ut.New(enLocale, enLocale)
	trans, _ = uni.GetTranslator("en")

	if v, ok := binding.Validator.Engine().(*govalidator.Validate); ok {
		v.RegisterTagNameFunc(jsonTagName)
		en_translations.RegisterDefaultTranslations(v, trans)
	}

	standalone = govalidator.New()
	standalone.RegisterTagNameFunc(jsonTagName)
	en_translations.RegisterDefaultTranslations(standalone, trans)
}

// jsonTagName makes error messages use the JSON field name.
func jsonTagName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	return name
}

// TranslateErrors takes a binding/validation error and returns a map of
// field name → human-readable error message. If the error is not a
// validation error, it returns a single-key map with "detail".
func TranslateErrors(err error) map[string]string {
	fields := make(map[string]string)

	var ve govalidator.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			fields[fe.Field()] = fe.Translate(trans)
		}
		return fields
	}

	// Not a validation error (e.g., JSON syntax error).
	fields["detail"] = err.Error()
	return fields
}

// Bind binds and validates the request body into dst.
// Returns nil on success or a translated field error map on failure.
func Bind(c *gin.Context, dst interface{}) map[string]string {
	if err := c.ShouldBindJSON(dst); err != nil {
		return TranslateErrors(err)
	}
	return nil
}

// Struct validates dst with the standalone instance using `validate`
// tags. Returns nil on success or a translated field error map.
func Struct(dst interface{}) map[string]string {
	if standalone == nil {
		Setup()
	}
	if err := standalone.Struct(dst); err != nil {
		return TranslateErrors(err)
	}
	return nil
}
