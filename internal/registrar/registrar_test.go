package registrar

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestNamehashKnownVectors(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"", "0x0000000000000000000000000000000000000000000000000000000000000000"},
		{"eth", "0x93cdeb708b7545dc668eb9280176169d1c33cfd8ed6f04690a0bcc88a93fc4ae"},
		{"foo.eth", "0xde9b09fd7c5f901e23a3f19fecc54828e9c848539801e86591bd9801b019f84f"},
	}
	for _, tc := range cases {
		if got := Namehash(tc.name); got != common.HexToHash(tc.want) {
			t.Fatalf("Namehash(%q) = %s, want %s", tc.name, got.Hex(), tc.want)
		}
	}
}

func TestMakeCommitmentBindsOwner(t *testing.T) {
	secret := common.HexToHash("0x0101010101010101010101010101010101010101010101010101010101010101")
	ownerA := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	ownerB := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	duration := Duration(1)

	a1, err := MakeCommitment("vault.eth", ownerA, duration, secret)
	if err != nil {
		t.Fatalf("MakeCommitment failed: %v", err)
	}
	a2, err := MakeCommitment("vault.eth", ownerA, duration, secret)
	if err != nil {
		t.Fatalf("MakeCommitment failed: %v", err)
	}
	if a1 != a2 {
		t.Fatal("commitment is not deterministic for identical inputs")
	}
	b, err := MakeCommitment("vault.eth", ownerB, duration, secret)
	if err != nil {
		t.Fatalf("MakeCommitment failed: %v", err)
	}
	if a1 == b {
		t.Fatal("commitment does not bind the owner")
	}
}

func TestNewSecretIsRandom(t *testing.T) {
	a, err := NewSecret()
	if err != nil {
		t.Fatalf("NewSecret failed: %v", err)
	}
	b, err := NewSecret()
	if err != nil {
		t.Fatalf("NewSecret failed: %v", err)
	}
	if a == b {
		t.Fatal("two secrets collided")
	}
	if a == (common.Hash{}) {
		t.Fatal("secret is zero")
	}
}

func selector(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}

func TestEncodeSelectors(t *testing.T) {
	secret := common.HexToHash("0x02")
	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	duration := Duration(1)

	commitData, err := EncodeCommit(common.HexToHash("0x01"))
	if err != nil {
		t.Fatalf("EncodeCommit failed: %v", err)
	}
	if !bytes.HasPrefix(commitData, selector("commit(bytes32)")) {
		t.Fatal("commit calldata has wrong selector")
	}

	registerData, err := EncodeRegister("vault.eth", owner, duration, secret)
	if err != nil {
		t.Fatalf("EncodeRegister failed: %v", err)
	}
	if !bytes.HasPrefix(registerData, selector("register(string,address,uint256,bytes32)")) {
		t.Fatal("register calldata has wrong selector")
	}

	renewData, err := EncodeRenew("vault.eth", duration)
	if err != nil {
		t.Fatalf("EncodeRenew failed: %v", err)
	}
	if !bytes.HasPrefix(renewData, selector("renew(string,uint256)")) {
		t.Fatal("renew calldata has wrong selector")
	}

	wrappedSub, err := EncodeCreateSubnode("vault.eth", "pay", owner, PublicResolver, true)
	if err != nil {
		t.Fatalf("EncodeCreateSubnode wrapped failed: %v", err)
	}
	if !bytes.HasPrefix(wrappedSub, selector("setSubnodeRecord(bytes32,string,address,address,uint64,uint32,uint64)")) {
		t.Fatal("wrapped subnode calldata has wrong selector")
	}

	plainSub, err := EncodeCreateSubnode("vault.eth", "pay", owner, PublicResolver, false)
	if err != nil {
		t.Fatalf("EncodeCreateSubnode failed: %v", err)
	}
	if !bytes.HasPrefix(plainSub, selector("setSubnodeRecord(bytes32,bytes32,address,address,uint64)")) {
		t.Fatal("registry subnode calldata has wrong selector")
	}

	transferData, err := EncodeNameTransfer("vault.eth", owner, recipient, false)
	if err != nil {
		t.Fatalf("EncodeNameTransfer failed: %v", err)
	}
	if !bytes.HasPrefix(transferData, selector("safeTransferFrom(address,address,uint256)")) {
		t.Fatal("registrar transfer calldata has wrong selector")
	}
}

func TestTargets(t *testing.T) {
	if TransferTarget(true) != NameWrapper || TransferTarget(false) != BaseRegistrar {
		t.Fatal("unexpected transfer targets")
	}
	if SubnodeTarget(true) != NameWrapper || SubnodeTarget(false) != Registry {
		t.Fatal("unexpected subnode targets")
	}
}
