package flow

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		kind Kind
		from Status
		to   Status
		want bool
	}{
		{KindRegistration, StatusAwaitingWallet, StatusInitiated, true},
		{KindRegistration, StatusInitiated, StatusStep2Pending, true},
		{KindRegistration, StatusStep2Pending, StatusComplete, true},
		{KindRegistration, StatusStep2Pending, StatusInitiated, true},
		{KindRegistration, StatusAwaitingWallet, StatusStep2Pending, false},
		{KindRegistration, StatusAwaitingWallet, StatusFailed, true},
		{KindRegistration, StatusComplete, StatusFailed, false},
		{KindRegistration, StatusFailed, StatusInitiated, false},
		{KindBridge, StatusPending, StatusBridging, true},
		{KindBridge, StatusBridging, StatusCompleted, true},
		{KindBridge, StatusPending, StatusCompleted, false},
		{KindBridge, StatusBridging, StatusFailed, true},
		{KindSubname, StatusStep1Pending, StatusStep1Complete, true},
		{KindSubname, StatusStep1Complete, StatusStep2Pending, true},
		{KindSubname, StatusStep2Complete, StatusComplete, true},
		{KindSubname, StatusStep2Complete, StatusStep3Pending, true},
		{KindSubname, StatusStep1Pending, StatusStep2Complete, false},
		{KindRenew, StatusPending, StatusComplete, true},
		{KindTransfer, StatusPending, StatusBridging, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.kind, tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s, %s) = %v, want %v", tc.kind, tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []Status{StatusComplete, StatusCompleted, StatusFailed} {
		if !s.Terminal() {
			t.Fatalf("expected %s to be terminal", s)
		}
	}
	for _, s := range []Status{StatusAwaitingWallet, StatusPending, StatusBridging, StatusStep3Pending} {
		if s.Terminal() {
			t.Fatalf("expected %s to be non-terminal", s)
		}
	}
}

func TestInitialStatus(t *testing.T) {
	if InitialStatus(KindRegistration) != StatusAwaitingWallet {
		t.Fatal("registration should start awaiting a wallet")
	}
	if InitialStatus(KindBridge) != StatusPending {
		t.Fatal("bridge should start pending")
	}
	if InitialStatus(KindSubname) != StatusStep1Pending {
		t.Fatal("subname should start at step 1")
	}
}
