package domain

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the record's structural invariants (ticker shape, enum values).
func (r EarningsRecord) Validate() error {
	return describe(structValidator().Struct(r))
}

// Validate checks the snapshot's ticker.
func (m MarketSnapshot) Validate() error {
	return describe(structValidator().Struct(m))
}

// Validate checks the guidance record's key fields.
func (g GuidanceRecord) Validate() error {
	return describe(structValidator().Struct(g))
}

func describe(err error) error {
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid record: %s", strings.Join(parts, "; "))
}

// NormalizeTicker upper-cases and trims a provider symbol.
func NormalizeTicker(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
