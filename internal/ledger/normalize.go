package ledger

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterCustomTypeFunc(func(field reflect.Value) any {
			if d, ok := field.Interface().(decimal.Decimal); ok {
				f, _ := d.Float64()
				return f
			}
			return nil
		}, decimal.Decimal{})
	})
	return validate
}

// Normalize canonicalizes a transaction once at the write boundary: strings
// are trimmed, the date is moved to UTC, an empty financial year is resolved
// from the date, unset metadata values are stripped and the creation
// timestamp is filled in.
func (t *Transaction) Normalize(now time.Time) {
	t.ID = strings.TrimSpace(t.ID)
	t.OrganizationID = strings.TrimSpace(t.OrganizationID)
	t.EntityID = strings.TrimSpace(t.EntityID)
	t.Category = strings.TrimSpace(t.Category)
	t.Description = strings.TrimSpace(t.Description)
	t.FinancialYear = strings.TrimSpace(t.FinancialYear)
	if !t.Date.IsZero() {
		t.Date = t.Date.UTC()
		if t.FinancialYear == "" {
			t.FinancialYear = ResolveFinancialYear(t.Date)
		}
	}
	if t.PaymentAccount != nil {
		t.PaymentAccount.ID = strings.TrimSpace(t.PaymentAccount.ID)
		t.PaymentAccount.Type = strings.ToLower(strings.TrimSpace(t.PaymentAccount.Type))
		if t.PaymentAccount.ID == "" && t.PaymentAccount.Type == "" {
			t.PaymentAccount = nil
		}
	}
	if t.Source != nil {
		t.Source.ID = strings.TrimSpace(t.Source.ID)
		t.Source.Kind = strings.ToLower(strings.TrimSpace(t.Source.Kind))
		if t.Source.ID == "" {
			t.Source = nil
		}
	}
	for k, v := range t.Metadata {
		if isUnset(v) {
			delete(t.Metadata, k)
		}
	}
	if len(t.Metadata) == 0 {
		t.Metadata = nil
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now.UTC()
	}
}

func isUnset(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	}
	return false
}

// Validate checks the invariants every stored transaction must satisfy.
func (t Transaction) Validate() error {
	var problems []string
	if err := validatorInstance().Struct(t); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
		}
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	if !t.Kind.Valid() {
		problems = append(problems, "ledgerKind is required")
	}
	if !t.Entry.Valid() {
		problems = append(problems, "entryType is required")
	}
	if t.Date.IsZero() {
		problems = append(problems, "transactionDate is required")
	}
	if t.FinancialYear != "" && t.Kind.Valid() {
		if _, err := FinancialYearStart(t.FinancialYear); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTransaction, strings.Join(problems, "; "))
	}
	return nil
}

// Prepare normalizes and validates t.
func Prepare(t Transaction, now time.Time) (Transaction, error) {
	t = t.Clone()
	t.Normalize(now)
	if err := t.Validate(); err != nil {
		return Transaction{}, err
	}
	return t, nil
}
