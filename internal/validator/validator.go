package validator

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	govalidator "github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var (
	// translators holds one English translator per configured engine; a
	// translator can carry a tag's registration for only one validator.
	translators []ut.Translator
	transMu     sync.RWMutex

	core     *govalidator.Validate
	coreOnce sync.Once
)

// Setup registers the validator with English translations on Gin's binding engine.
// Call once during application startup.
func Setup() {
	if v, ok := binding.Validator.Engine().(*govalidator.Validate); ok {
		configure(v)
	}
}

// Core returns a standalone validator with the same tags and translations,
// for checks that do not go through Gin binding.
func Core() *govalidator.Validate {
	coreOnce.Do(func() {
		core = govalidator.New(govalidator.WithRequiredStructEnabled())
		configure(core)
	})
	return core
}

func configure(v *govalidator.Validate) {
	// Use JSON tag name for field names in error messages.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation("digits", isDigits)

	enLocale := en.New()
	uni := ut.New(enLocale, enLocale)
	t, _ := uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(v, t)
	_ = v.RegisterTranslation("digits", t,
		func(ut ut.Translator) error {
			return ut.Add("digits", "{0} must contain digits only", true)
		},
		func(ut ut.Translator, fe govalidator.FieldError) string {
			msg, _ := ut.T("digits", fe.Field())
			return msg
		},
	)

	transMu.Lock()
	translators = append(translators, t)
	transMu.Unlock()
}

// isDigits accepts strings made only of ASCII digits. The built-in "numeric"
// tag also admits signs and decimals, which a phone number or OTP never has.
func isDigits(fl govalidator.FieldLevel) bool {
	s := fl.Field().String()
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Mobile checks a 10-digit phone number.
func Mobile(mobile string) error {
	return Core().Var(mobile, "required,len=10,digits")
}

// OTP checks a 6-digit passcode.
func OTP(otp string) error {
	return Core().Var(otp, "required,len=6,digits")
}

// TranslateErrors takes a binding/validation error and returns a map of
// field name → human-readable error message. If the error is not a
// validation error, it returns a single-key map with "detail".
func TranslateErrors(err error) map[string]string {
	fields := make(map[string]string)

	var ve govalidator.ValidationErrors
	if errors.As(err, &ve) {
		transMu.RLock()
		defer transMu.RUnlock()
		for _, fe := range ve {
			fields[fe.Field()] = translate(fe)
		}
		return fields
	}

	// Not a validation error (e.g., JSON syntax error).
	fields["detail"] = err.Error()
	return fields
}

// translate uses whichever translator knows the error's engine; unknown
// engines fall back to the raw error text.
func translate(fe govalidator.FieldError) string {
	raw := fe.Error()
	for _, t := range translators {
		if msg := fe.Translate(t); msg != raw {
			return msg
		}
	}
	return raw
}

// Bind binds and validates the request body into dst.
// Returns nil on success or a translated field error map on failure.
func Bind(c *gin.Context, dst interface{}) map[string]string {
	if err := c.ShouldBindJSON(dst); err != nil {
		return TranslateErrors(err)
	}
	return nil
}
