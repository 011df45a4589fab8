package contextmem

// Budget configures the token ceilings ContextManager enforces for a single
// agent, plus the headroom ratio that triggers flash_save, as separate
// HOT/WARM tiers rather than one combined ceiling.
type Budget struct {
	HotTokens    int // CONTEXT_HOT_BUDGET_TOKENS
	WarmTokens   int // CONTEXT_WARM_BUDGET_TOKENS
	ModelWindow  int // total LLM context window, for headroom math
	HeadroomFrac float64 // FLASH_SAVE_HEADROOM_RATIO: trigger below this fraction of ModelWindow remaining
}

// DefaultBudget returns sane defaults for a mid-sized model context window.
func DefaultBudget() Budget {
	return Budget{
		HotTokens:    4000,
		WarmTokens:   8000,
		ModelWindow:  128000,
		HeadroomFrac: 0.10,
	}
}

// Remaining returns the unused portion of the model window given usedTokens.
func (b Budget) Remaining(usedTokens int) int {
	r := b.ModelWindow - usedTokens
	if r < 0 {
		return 0
	}
	return r
}

// Percentage returns the fraction of the model window still free.
func (b Budget) Percentage(usedTokens int) float64 {
	if b.ModelWindow <= 0 {
		return 0
	}
	return float64(b.Remaining(usedTokens)) / float64(b.ModelWindow)
}

// NeedsFlashSave reports whether usedTokens has eaten into the configured
// headroom, the trigger condition for a flash save.
func (b Budget) NeedsFlashSave(usedTokens int) bool {
	return b.Percentage(usedTokens) <= b.HeadroomFrac
}
