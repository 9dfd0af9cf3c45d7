package flow

import "time"

// Kind is the closed set of multi-step operations the orchestrator drives.
type Kind string

const (
	KindRegistration Kind = "registration"
	KindBridge       Kind = "bridge"
	KindSubname      Kind = "subname"
	KindTransfer     Kind = "transfer"
	KindRenew        Kind = "renew"
)

type Status string

// Registration statuses.
const (
	StatusAwaitingWallet Status = "awaiting_wallet"
	StatusInitiated      Status = "initiated"
	StatusStep2Pending   Status = "step2_pending"
	StatusComplete       Status = "complete"
	StatusFailed         Status = "failed"
)

// Bridge statuses.
const (
	StatusPending   Status = "pending"
	StatusBridging  Status = "bridging"
	StatusCompleted Status = "completed"
)

// Subname statuses. step2_pending is shared with registration; transitions
// are checked per kind so the overlap is harmless.
const (
	StatusStep1Pending  Status = "step1_pending"
	StatusStep1Complete Status = "step1_complete"
	StatusStep2Complete Status = "step2_complete"
	StatusStep3Pending  Status = "step3_pending"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Key identifies the one active flow slot for a conversation.
type Key struct {
	UserID   string
	ThreadID string
}

// Flow is one persisted multi-step operation. The store is the single source
// of truth: orchestrators reload the flow at the start of every step and hold
// no authoritative state in memory between steps.
type Flow struct {
	UserID    string `json:"user_id"`
	ThreadID  string `json:"thread_id"`
	ChannelID string `json:"channel_id"`
	Kind      Kind   `json:"kind"`
	Status    Status `json:"status"`
	Data      Data   `json:"data"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func New(key Key, channelID string, kind Kind, data Data) Flow {
	now := time.Now().UTC().Format(time.RFC3339)
	return Flow{
		UserID:    key.UserID,
		ThreadID:  key.ThreadID,
		ChannelID: channelID,
		Kind:      kind,
		Status:    InitialStatus(kind),
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (f Flow) Key() Key {
	return Key{UserID: f.UserID, ThreadID: f.ThreadID}
}

func (f *Flow) Touch() {
	f.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
}

func InitialStatus(kind Kind) Status {
	switch kind {
	case KindRegistration:
		return StatusAwaitingWallet
	case KindBridge:
		return StatusPending
	case KindSubname:
		return StatusStep1Pending
	default:
		return StatusPending
	}
}

var transitions = map[Kind]map[Status][]Status{
	KindRegistration: {
		StatusAwaitingWallet: {StatusInitiated},
		StatusInitiated:      {StatusStep2Pending},
		// step2_pending loops back to initiated for the next name in a
		// multi-name request, and when an expired commitment forces a
		// fresh commit.
		StatusStep2Pending: {StatusComplete, StatusInitiated},
	},
	KindBridge: {
		StatusPending:  {StatusBridging},
		StatusBridging: {StatusCompleted},
	},
	KindSubname: {
		StatusStep1Pending:  {StatusStep1Complete},
		StatusStep1Complete: {StatusStep2Pending, StatusComplete},
		StatusStep2Pending:  {StatusStep2Complete},
		StatusStep2Complete: {StatusStep3Pending, StatusComplete},
		StatusStep3Pending:  {StatusComplete},
	},
	KindTransfer: {
		StatusPending: {StatusComplete},
	},
	KindRenew: {
		StatusPending: {StatusComplete},
	},
}

// CanTransition reports whether kind allows moving from one status to
// another. Failed is reachable from any non-terminal status.
func CanTransition(kind Kind, from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	for _, next := range transitions[kind][from] {
		if next == to {
			return true
		}
	}
	return false
}
