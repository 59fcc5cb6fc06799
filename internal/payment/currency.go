package payment

import "paycore/internal/common/money"

// CurrencyCapability is what a processor declares about the currencies it
// can charge in.
type CurrencyCapability struct {
	Processor          string
	Home               money.Currency
	MultipleCurrencies bool
}

// ResolveCurrency picks the currency a new payment is recorded in. An empty
// request falls back to the home currency. Multi-currency processors accept
// any code; single-currency ones accept only their home currency in any case.
func ResolveCurrency(capability CurrencyCapability, requested string) (money.Currency, error) {
	home := money.Normalize(string(capability.Home))
	req := money.Normalize(requested)

	if req.IsZero() {
		return home, nil
	}
	if capability.MultipleCurrencies {
		return req, nil
	}
	if req.Equal(home) {
		return home, nil
	}
	return "", &CurrencyError{
		Processor: capability.Processor,
		Requested: req,
		Home:      home,
	}
}
