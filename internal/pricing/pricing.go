// Package pricing converts token counts into USD cost. It is stateless,
// grounded on the upstream server's estimateCost stub (internal/server/proxy.go)
// generalized into a real per-model price table, per spec §4.4.
package pricing

import "log/slog"

// Rate is a per-million-token price pair.
type Rate struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// defaultModel is used for unknown models; matches the Sonnet-class rate.
const defaultModel = "sonnet"

// Table is a per-model price table.
type Table struct {
	rates map[string]Rate
}

// NewTable returns the built-in claudegate price table. Entries are keyed by
// both the short alias ("sonnet") and the concrete model name it resolves to
// ("claude-sonnet-4-6"), since callers price with whichever one they have in
// hand at the time -- a pre-dispatch estimate prices the resolved alias
// target, while a post-completion charge prices whatever model name the
// child process or direct-path response echoed back.
func NewTable() *Table {
	t := &Table{rates: map[string]Rate{
		"haiku":              {InputPerMTok: 0.80, OutputPerMTok: 4.00},
		"claude-haiku-4-5":   {InputPerMTok: 0.80, OutputPerMTok: 4.00},
		"sonnet":             {InputPerMTok: 3.00, OutputPerMTok: 15.00},
		"claude-sonnet-4-6":  {InputPerMTok: 3.00, OutputPerMTok: 15.00},
		"opus":               {InputPerMTok: 15.00, OutputPerMTok: 75.00},
		"claude-opus-4-6":    {InputPerMTok: 15.00, OutputPerMTok: 75.00},
	}}
	return t
}

// Price returns cost = (input*in_rate + output*out_rate) / 1e6. An unknown
// model falls back to the Sonnet rate and logs a warning.
func (t *Table) Price(model string, inputTokens, outputTokens int) float64 {
	rate, ok := t.rates[model]
	if !ok {
		slog.Warn("pricing: unknown model, defaulting to sonnet rate", "model", model)
		rate = t.rates[defaultModel]
	}
	cost := float64(inputTokens)*rate.InputPerMTok + float64(outputTokens)*rate.OutputPerMTok
	return cost / 1_000_000
}

// Rate returns the price rate for model, or the default rate if unknown.
func (t *Table) Rate(model string) Rate {
	if r, ok := t.rates[model]; ok {
		return r
	}
	return t.rates[defaultModel]
}
