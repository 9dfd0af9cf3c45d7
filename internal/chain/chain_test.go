package chain

import (
	"math/big"
	"testing"
)

func TestParseChain(t *testing.T) {
	cases := []struct {
		input string
		want  int64
		ok    bool
	}{
		{"ethereum", 1, true},
		{"mainnet", 1, true},
		{"Base", 8453, true},
		{"eip155:1", 1, true},
		{"8453", 8453, true},
		{"eip155:42161", 0, false},
		{"", 0, false},
		{"solana", 0, false},
	}
	for _, tc := range cases {
		got, err := Parse(tc.input)
		if tc.ok && err != nil {
			t.Fatalf("Parse(%q) failed: %v", tc.input, err)
		}
		if !tc.ok {
			if err == nil {
				t.Fatalf("Parse(%q) expected error", tc.input)
			}
			continue
		}
		if got.ID != tc.want {
			t.Fatalf("Parse(%q) = %d, want %d", tc.input, got.ID, tc.want)
		}
	}
}

func TestScaleBps(t *testing.T) {
	got := ScaleBps(big.NewInt(1_000_000), 10_500)
	if got.Int64() != 1_050_000 {
		t.Fatalf("unexpected 5%% buffer: %s", got)
	}
	got = ScaleBps(big.NewInt(1_000_000), 8_000)
	if got.Int64() != 800_000 {
		t.Fatalf("unexpected 80%% threshold: %s", got)
	}
}

func TestFormatEther(t *testing.T) {
	wei, _ := new(big.Int).SetString("1500000000000000000", 10)
	if out := FormatEther(wei); out != "1.5" {
		t.Fatalf("unexpected ether format: %s", out)
	}
	if out := FormatEther(big.NewInt(0)); out != "0" {
		t.Fatalf("unexpected zero format: %s", out)
	}
	if out := FormatEther(nil); out != "0" {
		t.Fatalf("unexpected nil format: %s", out)
	}
}
