package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/swaprelay/internal/domain"
)

// keccak256 of the canonical order type string. Strings are hashed before
// being packed, the way EIP-712 encodes dynamic types.
var orderTypeHash = ethcrypto.Keccak256(
	[]byte("SwapOrder(string maker,string sourceChain,string destinationChain,string makerAsset,string takerAsset,uint256 makerAmount,uint256 takerAmount,bytes32 salt)"),
)

// OrderID derives the identifier of an order from its maker, asset pair,
// amounts and salt. Any party holding the same parameters computes the same
// id.
func OrderID(p domain.OrderParams, salt domain.Hash) domain.OrderID {
	digest := ethcrypto.Keccak256(
		concatBytes(
			orderTypeHash,
			ethcrypto.Keccak256([]byte(p.Maker)),
			ethcrypto.Keccak256([]byte(p.SourceChain)),
			ethcrypto.Keccak256([]byte(p.DestinationChain)),
			ethcrypto.Keccak256([]byte(p.MakerAsset)),
			ethcrypto.Keccak256([]byte(p.TakerAsset)),
			bigIntTo32Bytes(p.MakerAmount.Big()),
			bigIntTo32Bytes(p.TakerAmount.Big()),
			salt[:],
		),
	)
	return domain.OrderID(common.BytesToHash(digest).Hex())
}

// NewSalt returns 32 random bytes for order id derivation.
func NewSalt() (domain.Hash, error) {
	var s domain.Hash
	if _, err := rand.Read(s[:]); err != nil {
		return s, fmt.Errorf("crypto: generating salt: %w", err)
	}
	return s, nil
}

// Signer holds a secp256k1 key used to sign EVM transactions.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner parses a hex-encoded private key, with or without 0x prefix.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

// Address returns the account controlled by the key.
func (s *Signer) Address() common.Address {
	return s.address
}

// PrivateKey exposes the key for transaction signing.
func (s *Signer) PrivateKey() *ecdsa.PrivateKey {
	return s.privateKey
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
