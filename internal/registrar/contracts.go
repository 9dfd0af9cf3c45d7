package registrar

import "github.com/ethereum/go-ethereum/common"

// Mainnet registry contracts. The controller drives commit/reveal
// registration and renewal; the wrapper and registry are the two alternative
// ownership representations a name can live under.
var (
	Controller     = common.HexToAddress("0x253553366Da8546fC250F225fe3d25d0C782303b")
	Registry       = common.HexToAddress("0x00000000000C2E074eC69A0dFb2997BA6C7d2e1e")
	NameWrapper    = common.HexToAddress("0xD4416b13d2b3a9aBae7AcD5D6C2BbDBE25686401")
	PublicResolver = common.HexToAddress("0x231b0Ee14048e9dCcD1d247744d114a4EB5E8E63")
	BaseRegistrar  = common.HexToAddress("0x57f1887a8BF19b14fC0dF6Fd9B2acc9Af147eA85")
)

// ABI fragments for the operations the orchestrators build.
const (
	ControllerABI = `[
		{"name":"commit","type":"function","stateMutability":"nonpayable","inputs":[{"name":"commitment","type":"bytes32"}],"outputs":[]},
		{"name":"register","type":"function","stateMutability":"payable","inputs":[{"name":"name","type":"string"},{"name":"owner","type":"address"},{"name":"duration","type":"uint256"},{"name":"secret","type":"bytes32"}],"outputs":[]},
		{"name":"renew","type":"function","stateMutability":"payable","inputs":[{"name":"name","type":"string"},{"name":"duration","type":"uint256"}],"outputs":[]}
	]`

	RegistryABI = `[
		{"name":"setSubnodeRecord","type":"function","stateMutability":"nonpayable","inputs":[{"name":"node","type":"bytes32"},{"name":"label","type":"bytes32"},{"name":"owner","type":"address"},{"name":"resolver","type":"address"},{"name":"ttl","type":"uint64"}],"outputs":[]},
		{"name":"setOwner","type":"function","stateMutability":"nonpayable","inputs":[{"name":"node","type":"bytes32"},{"name":"owner","type":"address"}],"outputs":[]}
	]`

	NameWrapperABI = `[
		{"name":"setSubnodeRecord","type":"function","stateMutability":"nonpayable","inputs":[{"name":"parentNode","type":"bytes32"},{"name":"label","type":"string"},{"name":"owner","type":"address"},{"name":"resolver","type":"address"},{"name":"ttl","type":"uint64"},{"name":"fuses","type":"uint32"},{"name":"expiry","type":"uint64"}],"outputs":[{"name":"node","type":"bytes32"}]},
		{"name":"safeTransferFrom","type":"function","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"id","type":"uint256"},{"name":"amount","type":"uint256"},{"name":"data","type":"bytes"}],"outputs":[]}
	]`

	ResolverABI = `[
		{"name":"setAddr","type":"function","stateMutability":"nonpayable","inputs":[{"name":"node","type":"bytes32"},{"name":"a","type":"address"}],"outputs":[]}
	]`

	BaseRegistrarABI = `[
		{"name":"safeTransferFrom","type":"function","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[]}
	]`
)

// TransferTarget is the contract an ownership transfer must be sent to,
// depending on the name's registry representation.
func TransferTarget(wrapped bool) common.Address {
	if wrapped {
		return NameWrapper
	}
	return BaseRegistrar
}

// SubnodeTarget is the contract a subname creation must be sent to.
func SubnodeTarget(wrapped bool) common.Address {
	if wrapped {
		return NameWrapper
	}
	return Registry
}
