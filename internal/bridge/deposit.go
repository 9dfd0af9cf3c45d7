package bridge

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Spoke pool contracts the relay provider deposits through, per chain id.
var spokePools = map[int64]common.Address{
	1:    common.HexToAddress("0x5c7BCd6E7De5423a257D81B442095A1a6ced35C5"),
	8453: common.HexToAddress("0x09aea4b2242abC8bb4BB78D537A67a245A7bEC64"),
}

// V3FundsDeposited(address,address,uint256,uint256,uint256 indexed destinationChainId,
// uint32 indexed depositId,uint32,uint32,uint32,address indexed depositor,address,address,bytes)
var fundsDepositedTopic = crypto.Keccak256Hash([]byte(
	"V3FundsDeposited(address,address,uint256,uint256,uint256,uint32,uint32,uint32,uint32,address,address,address,bytes)",
))

// ExtractDepositID pulls the provider's deposit id out of the deposit
// transaction receipt. The id lives in the second indexed topic of the
// funds-deposited event emitted by the origin chain's spoke pool.
func ExtractDepositID(receipt *types.Receipt, originChainID int64) (string, bool) {
	if receipt == nil {
		return "", false
	}
	pool, known := spokePools[originChainID]
	for _, lg := range receipt.Logs {
		if lg == nil || len(lg.Topics) < 3 {
			continue
		}
		if lg.Topics[0] != fundsDepositedTopic {
			continue
		}
		if known && lg.Address != pool {
			continue
		}
		id := new(big.Int).SetBytes(lg.Topics[2].Bytes())
		return id.String(), true
	}
	return "", false
}
