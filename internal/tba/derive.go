package tba

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ERC-1167 minimal proxy wrapper of the ERC-6551 account creation code. The
// implementation address sits between header and footer; the constant ABI
// tail (salt, chain id, token contract, token id) follows.
var (
	proxyHeader = common.Hex2Bytes("3d60ad80600a3d3981f3363d3d373d3d3d363d73")
	proxyFooter = common.Hex2Bytes("5af43d82803e903d91602b57fd5bf3")
)

// ComputeAddress derives the token bound account address for the token. The
// computation mirrors the on-chain registry's own: CREATE2 over the account
// creation code, keyed by the registry (factory) address and salt. It must
// stay bit-exact with the registry or provisioning targets an address the
// chain will never recognize.
func ComputeAddress(
	registry common.Address,
	implementation common.Address,
	salt [32]byte,
	chainID *big.Int,
	tokenContract common.Address,
	tokenID *big.Int,
) common.Address {
	code := creationCode(implementation, salt, chainID, tokenContract, tokenID)
	return crypto.CreateAddress2(registry, salt, crypto.Keccak256(code))
}

// creationCode assembles the deployment bytecode the registry uses:
// proxy header ++ implementation ++ proxy footer ++
// abi.encode(salt, chainId, tokenContract, tokenId).
func creationCode(
	implementation common.Address,
	salt [32]byte,
	chainID *big.Int,
	tokenContract common.Address,
	tokenID *big.Int,
) []byte {
	code := make([]byte, 0, len(proxyHeader)+common.AddressLength+len(proxyFooter)+4*common.HashLength)
	code = append(code, proxyHeader...)
	code = append(code, implementation.Bytes()...)
	code = append(code, proxyFooter...)
	code = append(code, salt[:]...)
	code = append(code, common.BigToHash(chainID).Bytes()...)
	code = append(code, common.LeftPadBytes(tokenContract.Bytes(), common.HashLength)...)
	code = append(code, common.BigToHash(tokenID).Bytes()...)
	return code
}
