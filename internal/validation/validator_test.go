package validation

import "testing"

func TestValidateOrderRequest(t *testing.T) {
	symbols := []string{"BTC", "ETH"}

	cases := []struct {
		name   string
		symbol string
		side   string
		price  string
		amount string
		valid  bool
	}{
		{"valid buy", "BTC", "buy", "100", "1.5", true},
		{"valid sell", "eth ", "sell", "0.5", "2", true},
		{"missing symbol", "", "buy", "100", "1", false},
		{"unknown symbol", "DOGE", "buy", "100", "1", false},
		{"bad side", "BTC", "hold", "100", "1", false},
		{"negative amount", "BTC", "buy", "100", "-1", false},
		{"zero amount", "BTC", "buy", "100", "0", false},
		{"missing price", "BTC", "buy", "", "1", false},
		{"zero price", "BTC", "buy", "0", "1", false},
		{"non-decimal price", "BTC", "buy", "abc", "1", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			errs := ValidateOrderRequest(tc.symbol, tc.side, tc.price, tc.amount, symbols)
			if tc.valid && len(errs) > 0 {
				t.Fatalf("expected valid, got errors: %+v", errs)
			}
			if !tc.valid && len(errs) == 0 {
				t.Fatalf("expected errors, got none")
			}
		})
	}
}

func TestNormalizeSymbol(t *testing.T) {
	got := NormalizeSymbol(" btc ")
	if got != "BTC" {
		t.Fatalf("expected BTC, got %s", got)
	}
}
