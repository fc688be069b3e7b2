package store

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/alphabot-ai/newsboard/internal/model"

	"github.com/go-playground/validator/v10"
)

var schemas = map[Table]reflect.Type{
	Items:       reflect.TypeOf(model.Item{}),
	Profiles:    reflect.TypeOf(model.Profile{}),
	Sessions:    reflect.TypeOf(model.Session{}),
	Passwords:   reflect.TypeOf(model.PasswordEntry{}),
	BannedSites: reflect.TypeOf(model.Ban{}),
	BannedIPs:   reflect.TypeOf(model.Ban{}),
	ScrubRules:  reflect.TypeOf(model.ScrubRules{}),
	SiteConfig:  reflect.TypeOf(model.SiteConfig{}),
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(itemStructLevel, model.Item{})
	return v
}

// itemStructLevel enforces the cross-field item rules.
func itemStructLevel(sl validator.StructLevel) {
	it := sl.Current().Interface().(model.Item)
	if it.URL != "" && it.Type != model.TypeStory {
		sl.ReportError(it.URL, "URL", "url", "story_only", "")
	}
	if len(it.Parts) > 0 && it.Type != model.TypePoll {
		sl.ReportError(it.Parts, "Parts", "parts", "poll_only", "")
	}
	switch it.Type {
	case model.TypeComment, model.TypePollOpt:
		if it.Parent == 0 {
			sl.ReportError(it.Parent, "Parent", "parent", "required", "")
		}
	case model.TypeStory, model.TypePoll:
		if it.Parent != 0 {
			sl.ReportError(it.Parent, "Parent", "parent", "excluded", "")
		}
	}
	var sum float64
	for _, v := range it.Votes {
		sum += v.Score
	}
	if diff := sum - it.Score; diff > 1e-6 || diff < -1e-6 {
		sl.ReportError(it.Score, "Score", "score", "vote_sum", "")
	}
}

// Validate checks rec against the schema registered for table.
func Validate(table Table, rec any) error {
	want, ok := schemas[table]
	if !ok {
		return fmt.Errorf("%w: unknown table %q", ErrSchemaViolation, table)
	}
	v := reflect.ValueOf(rec)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return fmt.Errorf("%w: nil record for %s", ErrSchemaViolation, table)
		}
		v = v.Elem()
	}
	if v.Type() != want {
		return fmt.Errorf("%w: %s expects %s, got %s", ErrSchemaViolation, table, want, v.Type())
	}
	if err := validate.Struct(v.Interface()); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("%w: %s.%s failed %q", ErrSchemaViolation, table, f.Namespace(), f.Tag())
		}
		return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	return nil
}
