package flow

// Data is a tagged union: exactly one pointer field is set, matching the
// flow's Kind. Keeping the hand-off payload inside the union (rather than a
// callback) lets a bridge flow carry its blocked parent across restarts.
type Data struct {
	Registration *RegistrationData `json:"registration,omitempty"`
	Bridge       *BridgeData       `json:"bridge,omitempty"`
	Subname      *SubnameData      `json:"subname,omitempty"`
	Transfer     *TransferData     `json:"transfer,omitempty"`
	Renew        *RenewData        `json:"renew,omitempty"`
}

type NameCost struct {
	Name    string `json:"name"`
	CostWei string `json:"cost_wei"`
}

type RegistrationData struct {
	NameList       []string   `json:"name_list"`
	CurrentIndex   int        `json:"current_index"` // name currently in commit/reveal
	DurationYears  int        `json:"duration_years"`
	Secret         string     `json:"secret,omitempty"`     // 0x-prefixed 32 bytes
	Owner          string     `json:"owner,omitempty"`      // owner the commitment binds
	Commitment     string     `json:"commitment,omitempty"` // keccak commitment hash
	Costs          []NameCost `json:"costs,omitempty"`
	TotalWei       string     `json:"total_wei,omitempty"`
	SelectedWallet string     `json:"selected_wallet,omitempty"`
	Candidates     []string   `json:"candidates,omitempty"` // wallets offered for explicit selection
	CommitTxHash   string     `json:"commit_tx_hash,omitempty"`
	CommitMinedAt  string     `json:"commit_mined_at,omitempty"` // RFC3339, starts the 60s / 24h windows
	RegisterTxHash string     `json:"register_tx_hash,omitempty"`

	// RegisteredTxHashes holds the register tx of every completed name, in
	// name-list order.
	RegisteredTxHashes []string `json:"registered_tx_hashes,omitempty"`
}

// NextAction tags what a completed bridge should do next.
type NextAction string

const (
	NextNone                 NextAction = "none"
	NextContinueRegistration NextAction = "continue_registration"
)

type BridgeData struct {
	FromChainID   int64  `json:"from_chain_id"`
	ToChainID     int64  `json:"to_chain_id"`
	AmountWei     string `json:"amount_wei"` // required output on the destination chain
	InputWei      string `json:"input_wei,omitempty"`
	Recipient     string `json:"recipient"`
	DepositTxHash string `json:"deposit_tx_hash,omitempty"`
	DepositID     string `json:"deposit_id,omitempty"`
	FillTxHash    string `json:"fill_tx_hash,omitempty"`
	DestStartWei  string `json:"dest_start_wei,omitempty"` // recipient balance when the deposit confirmed

	// SenderWallet signs the deposit on the source chain.
	SenderWallet string `json:"sender_wallet,omitempty"`

	NextAction   NextAction        `json:"next_action"`
	Registration *RegistrationData `json:"registration,omitempty"` // blocked parent payload
}

type SubnameData struct {
	Parent      string `json:"parent"`
	Label       string `json:"label"`
	FullName    string `json:"full_name"`
	ResolveTo   string `json:"resolve_to"`
	OwnerWallet string `json:"owner_wallet"` // signs every step, never the recipient
	Recipient   string `json:"recipient"`
	Wrapped     bool   `json:"wrapped"`

	// Decided once at flow creation so display and routing stay consistent.
	TotalSteps  int      `json:"total_steps"`
	CurrentStep int      `json:"current_step"`
	TxHashes    []string `json:"tx_hashes,omitempty"` // per completed step, in order
}

type TransferData struct {
	Name           string `json:"name"`
	Recipient      string `json:"recipient"`
	OwnerWallet    string `json:"owner_wallet"`
	Wrapped        bool   `json:"wrapped"`
	TargetContract string `json:"target_contract"`
	TxHash         string `json:"tx_hash,omitempty"`
}

type RenewData struct {
	Name          string `json:"name"`
	DurationYears int    `json:"duration_years"`
	CostWei       string `json:"cost_wei"`
	CurrentExpiry string `json:"current_expiry,omitempty"`
	NewExpiry     string `json:"new_expiry,omitempty"`
	OwnerWallet   string `json:"owner_wallet"`
	TxHash        string `json:"tx_hash,omitempty"`
}
