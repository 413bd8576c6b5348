package evm

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/swaprelay/internal/domain"
)

// htlcABI is the interface of the HTLC escrow contract. A zero token
// address means the native currency. split carves a child escrow out of a
// parent and emits Locked for the child; cancel emits Refunded.
const htlcABI = `[
 {"type":"function","name":"lock","stateMutability":"payable","inputs":[
   {"name":"receiver","type":"address"},{"name":"token","type":"address"},
   {"name":"amount","type":"uint256"},{"name":"hashlock","type":"bytes32"},
   {"name":"timelock","type":"uint256"}],
  "outputs":[{"name":"escrowId","type":"bytes32"}]},
 {"type":"function","name":"split","stateMutability":"nonpayable","inputs":[
   {"name":"escrowId","type":"bytes32"},{"name":"receiver","type":"address"},
   {"name":"amount","type":"uint256"},{"name":"hashlock","type":"bytes32"},
   {"name":"timelock","type":"uint256"}],
  "outputs":[{"name":"childId","type":"bytes32"}]},
 {"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[
   {"name":"escrowId","type":"bytes32"},{"name":"preimage","type":"bytes32"}],"outputs":[]},
 {"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[
   {"name":"escrowId","type":"bytes32"}],"outputs":[]},
 {"type":"function","name":"cancel","stateMutability":"nonpayable","inputs":[
   {"name":"escrowId","type":"bytes32"}],"outputs":[]},
 {"type":"function","name":"escrows","stateMutability":"view","inputs":[
   {"name":"escrowId","type":"bytes32"}],
  "outputs":[
   {"name":"sender","type":"address"},{"name":"receiver","type":"address"},
   {"name":"token","type":"address"},{"name":"amount","type":"uint256"},
   {"name":"hashlock","type":"bytes32"},{"name":"timelock","type":"uint256"},
   {"name":"withdrawn","type":"bool"},{"name":"refunded","type":"bool"},
   {"name":"preimage","type":"bytes32"}]},
 {"type":"event","name":"Locked","anonymous":false,"inputs":[
   {"name":"escrowId","type":"bytes32","indexed":true},
   {"name":"sender","type":"address","indexed":true},
   {"name":"receiver","type":"address","indexed":true},
   {"name":"token","type":"address","indexed":false},
   {"name":"amount","type":"uint256","indexed":false},
   {"name":"hashlock","type":"bytes32","indexed":false},
   {"name":"timelock","type":"uint256","indexed":false}]},
 {"type":"event","name":"Withdrawn","anonymous":false,"inputs":[
   {"name":"escrowId","type":"bytes32","indexed":true},
   {"name":"preimage","type":"bytes32","indexed":false}]},
 {"type":"event","name":"Refunded","anonymous":false,"inputs":[
   {"name":"escrowId","type":"bytes32","indexed":true}]}
]`

var contractABI = mustParseABI()

func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(htlcABI))
	if err != nil {
		panic(fmt.Sprintf("evm: parse htlc abi: %v", err))
	}
	return parsed
}

// tokenAddress maps an asset to its ERC-20 address; the native asset is the
// zero address.
func tokenAddress(a domain.Asset) (common.Address, error) {
	if a == "" || a == domain.NativeAsset {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(string(a)) {
		return common.Address{}, fmt.Errorf("evm: asset %q is not an address: %w", a, domain.ErrInvalidOrder)
	}
	return common.HexToAddress(string(a)), nil
}

func assetOf(token common.Address) domain.Asset {
	if token == (common.Address{}) {
		return domain.NativeAsset
	}
	return domain.Asset(token.Hex())
}

func parseEscrowID(id string) (common.Hash, error) {
	h, err := domain.ParseHash(id)
	if err != nil {
		return common.Hash{}, fmt.Errorf("evm: escrow id %q: %w", id, domain.ErrNotFound)
	}
	return common.Hash(h), nil
}

func address(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("evm: %q is not an address: %w", s, domain.ErrInvalidOrder)
	}
	return common.HexToAddress(s), nil
}

func unixBig(t time.Time) *big.Int { return big.NewInt(t.Unix()) }

// calldata encodes tx as a contract call. value is the native amount to
// attach, non-zero only for native locks.
func calldata(tx domain.Tx) (data []byte, value *big.Int, err error) {
	value = new(big.Int)
	switch tx.Kind {
	case domain.TxLock:
		receiver, err := address(tx.Receiver)
		if err != nil {
			return nil, nil, err
		}
		token, err := tokenAddress(tx.Asset)
		if err != nil {
			return nil, nil, err
		}
		if token == (common.Address{}) {
			value = tx.Amount.Big()
		}
		data, err = contractABI.Pack("lock", receiver, token, tx.Amount.Big(), [32]byte(tx.Hashlock), unixBig(tx.Timelock))
		return data, value, err
	case domain.TxSplit:
		parent, err := parseEscrowID(tx.EscrowID)
		if err != nil {
			return nil, nil, err
		}
		receiver, err := address(tx.Receiver)
		if err != nil {
			return nil, nil, err
		}
		data, err = contractABI.Pack("split", [32]byte(parent), receiver, tx.Amount.Big(), [32]byte(tx.Hashlock), unixBig(tx.Timelock))
		return data, value, err
	case domain.TxClaim:
		if tx.Secret == nil {
			return nil, nil, fmt.Errorf("evm: claim without secret: %w", domain.ErrInvalidSecret)
		}
		id, err := parseEscrowID(tx.EscrowID)
		if err != nil {
			return nil, nil, err
		}
		data, err = contractABI.Pack("withdraw", [32]byte(id), [32]byte(*tx.Secret))
		return data, value, err
	case domain.TxRefund, domain.TxCancel:
		id, err := parseEscrowID(tx.EscrowID)
		if err != nil {
			return nil, nil, err
		}
		method := "refund"
		if tx.Kind == domain.TxCancel {
			method = "cancel"
		}
		data, err = contractABI.Pack(method, [32]byte(id))
		return data, value, err
	}
	return nil, nil, fmt.Errorf("evm: unsupported tx kind %q", tx.Kind)
}

// decodeEscrow unpacks the escrows(bytes32) view.
func decodeEscrow(id string, out []byte) (domain.EscrowState, error) {
	vals, err := contractABI.Unpack("escrows", out)
	if err != nil {
		return domain.EscrowState{}, fmt.Errorf("evm: decode escrow %s: %w", id, err)
	}
	if len(vals) != 9 {
		return domain.EscrowState{}, fmt.Errorf("evm: decode escrow %s: %d values", id, len(vals))
	}
	sender, _ := vals[0].(common.Address)
	if sender == (common.Address{}) {
		return domain.EscrowState{}, fmt.Errorf("evm: escrow %s: %w", id, domain.ErrNotFound)
	}
	receiver, _ := vals[1].(common.Address)
	token, _ := vals[2].(common.Address)
	amount, _ := vals[3].(*big.Int)
	hashlock, _ := vals[4].([32]byte)
	timelock, _ := vals[5].(*big.Int)
	withdrawn, _ := vals[6].(bool)
	refunded, _ := vals[7].(bool)
	preimage, _ := vals[8].([32]byte)

	amt, err := domain.AmountFromBig(amount)
	if err != nil {
		return domain.EscrowState{}, fmt.Errorf("evm: escrow %s amount: %w", id, err)
	}
	st := domain.EscrowState{
		EscrowID:  id,
		Sender:    sender.Hex(),
		Receiver:  receiver.Hex(),
		Asset:     assetOf(token),
		Amount:    amt,
		Hashlock:  domain.Hash(hashlock),
		Timelock:  time.Unix(timelock.Int64(), 0).UTC(),
		Withdrawn: withdrawn,
		Refunded:  refunded,
	}
	if withdrawn {
		s := domain.Secret(preimage)
		st.Secret = &s
	}
	return st, nil
}

// parseLog turns a contract log into a chain event. Logs of other events
// are reported as not ok.
func parseLog(chain domain.ChainID, lg types.Log) (domain.ChainEvent, bool, error) {
	if len(lg.Topics) == 0 {
		return domain.ChainEvent{}, false, nil
	}
	ev, err := contractABI.EventByID(lg.Topics[0])
	if err != nil {
		return domain.ChainEvent{}, false, nil
	}
	if len(lg.Topics) < 2 {
		return domain.ChainEvent{}, false, fmt.Errorf("evm: %s log without escrow id", ev.Name)
	}
	out := domain.ChainEvent{
		Chain:    chain,
		EscrowID: lg.Topics[1].Hex(),
		TxHash:   lg.TxHash.Hex(),
		Block:    lg.BlockNumber,
	}
	vals, err := ev.Inputs.NonIndexed().Unpack(lg.Data)
	if err != nil {
		return domain.ChainEvent{}, false, fmt.Errorf("evm: decode %s log: %w", ev.Name, err)
	}

	switch ev.Name {
	case "Locked":
		if len(lg.Topics) < 4 || len(vals) != 4 {
			return domain.ChainEvent{}, false, fmt.Errorf("evm: malformed Locked log in %s", out.TxHash)
		}
		out.Kind = domain.EventLocked
		out.Sender = common.BytesToAddress(lg.Topics[2].Bytes()).Hex()
		out.Receiver = common.BytesToAddress(lg.Topics[3].Bytes()).Hex()
		token, _ := vals[0].(common.Address)
		amount, _ := vals[1].(*big.Int)
		hashlock, _ := vals[2].([32]byte)
		timelock, _ := vals[3].(*big.Int)
		out.Asset = assetOf(token)
		if out.Amount, err = domain.AmountFromBig(amount); err != nil {
			return domain.ChainEvent{}, false, err
		}
		out.Hashlock = domain.Hash(hashlock)
		out.Timelock = time.Unix(timelock.Int64(), 0).UTC()
	case "Withdrawn":
		if len(vals) != 1 {
			return domain.ChainEvent{}, false, fmt.Errorf("evm: malformed Withdrawn log in %s", out.TxHash)
		}
		preimage, _ := vals[0].([32]byte)
		s := domain.Secret(preimage)
		out.Kind = domain.EventClaimed
		out.Secret = &s
	case "Refunded":
		out.Kind = domain.EventRefunded
	default:
		return domain.ChainEvent{}, false, nil
	}
	return out, true, nil
}
