package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	return "invalid request"
}

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{2,12}$`)

// ValidateOrderRequest checks a placement request before any ledger row is
// touched. allowedSymbols is the configured tradable set.
func ValidateOrderRequest(symbol, side, price, amount string, allowedSymbols []string) ValidationErrors {
	var errs ValidationErrors

	normalized := NormalizeSymbol(symbol)
	if normalized == "" {
		errs = append(errs, FieldError{Field: "symbol", Message: "symbol is required"})
	} else if !symbolPattern.MatchString(normalized) {
		errs = append(errs, FieldError{Field: "symbol", Message: "symbol must be an uppercase asset code"})
	} else if len(allowedSymbols) > 0 && !contains(allowedSymbols, normalized) {
		errs = append(errs, FieldError{Field: "symbol", Message: "symbol is not tradable"})
	}

	side = strings.ToLower(strings.TrimSpace(side))
	if side != "buy" && side != "sell" {
		errs = append(errs, FieldError{Field: "side", Message: "side must be buy or sell"})
	}

	if _, err := parsePositiveDecimal(price, "price"); err != nil {
		errs = append(errs, FieldError{Field: "price", Message: err.Error()})
	}
	if _, err := parsePositiveDecimal(amount, "amount"); err != nil {
		errs = append(errs, FieldError{Field: "amount", Message: err.Error()})
	}

	return errs
}

func parsePositiveDecimal(raw, field string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, fmt.Errorf("%s is required", field)
	}
	val, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s must be a decimal", field)
	}
	if val.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%s must be positive", field)
	}
	return val, nil
}

func contains(set []string, want string) bool {
	for _, s := range set {
		if s == want {
			return true
		}
	}
	return false
}

func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
