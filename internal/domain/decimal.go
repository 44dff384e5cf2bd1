package domain

import "github.com/shopspring/decimal"

// Dec renders a float as a decimal string rounded to 8 places, the format
// every API response and event payload uses for monetary values. Internal
// math stays float64; only the published representation goes through here.
func Dec(v float64) string {
	return decimal.NewFromFloat(v).Round(8).String()
}

// DecMap renders a name -> value map with Dec applied to every value.
func DecMap(values map[string]float64) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = Dec(v)
	}
	return out
}
