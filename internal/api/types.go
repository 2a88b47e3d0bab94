package api

// Amounts travel as decimal strings end to end. The ledger runs on
// arbitrary-precision integers and JSON numbers cannot carry them.

type StakeRequest struct {
	Address    string         `json:"address"`
	Amount     string         `json:"amount"`
	Permit     *PermitDTO     `json:"permit,omitempty"`
	Delegation *DelegationDTO `json:"delegation,omitempty"`
}

// PermitDTO is a signed pull authorization attached to a stake. The
// signature is hex encoded, with or without a 0x prefix.
type PermitDTO struct {
	Deadline  uint64 `json:"deadline"`
	Signature string `json:"signature"`
}

type DelegationDTO struct {
	Delegatee string `json:"delegatee"`
	Nonce     uint64 `json:"nonce"`
	Expiry    uint64 `json:"expiry"`
	Signature string `json:"signature"`
}

type StakeResponse struct {
	Received string `json:"received"`
}

type UnstakeRequest struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type UnstakeResponse struct {
	Index       int    `json:"index"`
	ClaimableAt uint64 `json:"claimableAt"`
}

type WithdrawRequest struct {
	Address string `json:"address"`
	Index   int    `json:"index"`
	// Amount empty or "0" withdraws the whole entry.
	Amount string `json:"amount,omitempty"`
}

type WithdrawResponse struct {
	Withdrawn string `json:"withdrawn"`
	Closed    bool   `json:"closed"`
}

type FastWithdrawRequest struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type FastWithdrawResponse struct {
	Gross   string `json:"gross"`
	Penalty string `json:"penalty"`
	Net     string `json:"net"`
}

type ClaimRequest struct {
	Address string `json:"address"`
}

type ClaimResponse struct {
	Paid string `json:"paid"`
}

type CompoundResponse struct {
	Compounded string `json:"compounded"`
}

type AccountDTO struct {
	Address     string `json:"address"`
	Staked      string `json:"staked"`
	Earned      string `json:"earned"`
	UnbondCount int    `json:"unbondCount"`
	AsOf        uint64 `json:"asOf"`
}

type UnbondEntryDTO struct {
	Index       int    `json:"index"`
	Amount      string `json:"amount"`
	ClaimableAt uint64 `json:"claimableAt"`
	Ready       bool   `json:"ready"`
}

type UnbondsDTO struct {
	Address string           `json:"address"`
	Entries []UnbondEntryDTO `json:"entries"`
	AsOf    uint64           `json:"asOf"`
}

// Admin endpoint payloads

type NotifyRewardRequest struct {
	Amount      string `json:"amount"`
	DurationSec uint64 `json:"durationSec"`
}

type EmissionRequest struct {
	Mode        string `json:"mode"` // "topup" or "fixed"
	RatePerSec  string `json:"ratePerSec,omitempty"`
	WindowStart uint64 `json:"windowStart,omitempty"`
	WindowEnd   uint64 `json:"windowEnd,omitempty"`
}

type HaltRequest struct {
	Halted bool `json:"halted"`
}

type SweepRequest struct {
	To string `json:"to"`
}

type SweepResponse struct {
	Swept string `json:"swept"`
	To    string `json:"to"`
}

type PaginatedResponse struct {
	Data    interface{} `json:"data"`
	Cursor  string      `json:"cursor,omitempty"`
	HasMore bool        `json:"hasMore"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}
