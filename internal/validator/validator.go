package validator

import (
	"errors"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	govalidator "github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var (
	once     sync.Once
	validate *govalidator.Validate
	trans    ut.Translator
)

func setup() {
	validate = govalidator.New()
	// Report fields by their json (or yaml) name.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, tag := range []string{"json", "yaml"} {
			name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name != "" {
				return name
			}
		}
		return fld.Name
	})

	enLocale := en.New()
	uni := ut.New(enLocale, enLocale)
	trans, _ = uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(validate, trans)
}

// Struct validates v against its `validate` tags.
func Struct(v interface{}) error {
	once.Do(setup)
	return validate.Struct(v)
}

// TranslateErrors maps a validation error to field name -> English message.
// Other errors come back under "detail".
func TranslateErrors(err error) map[string]string {
	once.Do(setup)
	fields := make(map[string]string)

	var ve govalidator.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			fields[fe.Field()] = fe.Translate(trans)
		}
		return fields
	}
	fields["detail"] = err.Error()
	return fields
}

// Summary joins TranslateErrors into one line, sorted by field.
func Summary(err error) string {
	fields := TranslateErrors(err)
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fields[name])
	}
	return strings.Join(parts, "; ")
}
