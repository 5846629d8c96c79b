package model

// QuotaAccount is the per-user enrichment token budget. tokens_used only ever
// increases; tokens_used <= token_limit must hold after every consumption.
type QuotaAccount struct {
	UserID     string `json:"user_id"`
	Username   string `json:"username"`
	TokenLimit int    `json:"token_limit"`
	TokensUsed int    `json:"tokens_used"`
}

func (a *QuotaAccount) Remaining() int {
	remaining := a.TokenLimit - a.TokensUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// TokenStatus is the quota snapshot shown to clients at submission time.
type TokenStatus struct {
	Used      int `json:"used"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}
