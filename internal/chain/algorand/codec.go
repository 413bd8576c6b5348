package algorand

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"github.com/algorand/go-algorand-sdk/types"

	"github.com/alanyoungcy/swaprelay/internal/domain"
)

// Log prefixes the HTLC application writes, each followed by the 32-byte
// escrow id.
var (
	logLocked   = []byte("locked")
	logClaimed  = []byte("claimed")
	logRefunded = []byte("refunded")
)

// Box layout: sender 32 | receiver 32 | asset 8 | amount 8 | hashlock 32 |
// timelock 8 | flags 1 | preimage 32. flags bit 0 is withdrawn, bit 1
// refunded. Asset 0 is ALGO.
const boxSize = 32 + 32 + 8 + 8 + 32 + 8 + 1 + 32

// locked log body after the escrow id: sender | receiver | asset | amount |
// hashlock | timelock.
const lockedBodySize = 32 + 32 + 8 + 8 + 32 + 8

func assetID(a domain.Asset) (uint64, error) {
	if a == "" || a == domain.NativeAsset {
		return 0, nil
	}
	id, err := strconv.ParseUint(string(a), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("algorand: asset %q is not an asset id: %w", a, domain.ErrInvalidOrder)
	}
	return id, nil
}

func assetOf(id uint64) domain.Asset {
	if id == 0 {
		return domain.NativeAsset
	}
	return domain.Asset(strconv.FormatUint(id, 10))
}

func microAlgos(a domain.Amount) (uint64, error) {
	u := a.Uint256()
	if !u.IsUint64() {
		return 0, fmt.Errorf("algorand: amount %s: %w", a, domain.ErrOverflow)
	}
	return u.Uint64(), nil
}

func u64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func escrowKey(id string) ([]byte, error) {
	h, err := domain.ParseHash(id)
	if err != nil {
		return nil, fmt.Errorf("algorand: escrow id %q: %w", id, domain.ErrNotFound)
	}
	return h[:], nil
}

func addressBytes(s string) ([]byte, error) {
	addr, err := types.DecodeAddress(s)
	if err != nil {
		return nil, fmt.Errorf("algorand: %q is not an address: %w", s, domain.ErrInvalidOrder)
	}
	return addr[:], nil
}

// appArgs encodes the application call for tx. Locks of value travel in a
// grouped transfer, so lock carries no amount.
func appArgs(tx domain.Tx) ([][]byte, error) {
	switch tx.Kind {
	case domain.TxLock:
		receiver, err := addressBytes(tx.Receiver)
		if err != nil {
			return nil, err
		}
		return [][]byte{[]byte("lock"), receiver, tx.Hashlock[:], u64(uint64(tx.Timelock.Unix()))}, nil
	case domain.TxSplit:
		parent, err := escrowKey(tx.EscrowID)
		if err != nil {
			return nil, err
		}
		receiver, err := addressBytes(tx.Receiver)
		if err != nil {
			return nil, err
		}
		amount, err := microAlgos(tx.Amount)
		if err != nil {
			return nil, err
		}
		return [][]byte{[]byte("split"), parent, receiver, u64(amount), tx.Hashlock[:], u64(uint64(tx.Timelock.Unix()))}, nil
	case domain.TxClaim:
		if tx.Secret == nil {
			return nil, fmt.Errorf("algorand: claim without secret: %w", domain.ErrInvalidSecret)
		}
		id, err := escrowKey(tx.EscrowID)
		if err != nil {
			return nil, err
		}
		return [][]byte{[]byte("withdraw"), id, tx.Secret[:]}, nil
	case domain.TxRefund, domain.TxCancel:
		id, err := escrowKey(tx.EscrowID)
		if err != nil {
			return nil, err
		}
		return [][]byte{[]byte(tx.Kind), id}, nil
	}
	return nil, fmt.Errorf("algorand: unsupported tx kind %q", tx.Kind)
}

func decodeBox(id string, v []byte) (domain.EscrowState, error) {
	if len(v) != boxSize {
		return domain.EscrowState{}, fmt.Errorf("algorand: escrow %s: box is %d bytes", id, len(v))
	}
	var sender, receiver types.Address
	copy(sender[:], v[0:32])
	copy(receiver[:], v[32:64])
	var hashlock domain.Hash
	copy(hashlock[:], v[80:112])
	flags := v[120]

	st := domain.EscrowState{
		EscrowID:  id,
		Sender:    sender.String(),
		Receiver:  receiver.String(),
		Asset:     assetOf(binary.BigEndian.Uint64(v[64:72])),
		Amount:    domain.NewAmount(binary.BigEndian.Uint64(v[72:80])),
		Hashlock:  hashlock,
		Timelock:  time.Unix(int64(binary.BigEndian.Uint64(v[112:120])), 0).UTC(),
		Withdrawn: flags&1 != 0,
		Refunded:  flags&2 != 0,
	}
	if st.Withdrawn {
		var s domain.Secret
		copy(s[:], v[121:153])
		st.Secret = &s
	}
	return st, nil
}

// parseAppLog decodes one application log line.
func parseAppLog(chain domain.ChainID, line []byte) (domain.ChainEvent, bool) {
	ev := domain.ChainEvent{Chain: chain}
	var body []byte
	switch {
	case bytes.HasPrefix(line, logLocked):
		ev.Kind, body = domain.EventLocked, line[len(logLocked):]
	case bytes.HasPrefix(line, logClaimed):
		ev.Kind, body = domain.EventClaimed, line[len(logClaimed):]
	case bytes.HasPrefix(line, logRefunded):
		ev.Kind, body = domain.EventRefunded, line[len(logRefunded):]
	default:
		return domain.ChainEvent{}, false
	}
	if len(body) < 32 {
		return domain.ChainEvent{}, false
	}
	var id domain.Hash
	copy(id[:], body[:32])
	ev.EscrowID = id.Hex()
	body = body[32:]

	switch ev.Kind {
	case domain.EventLocked:
		if len(body) != lockedBodySize {
			return domain.ChainEvent{}, false
		}
		var sender, receiver types.Address
		copy(sender[:], body[0:32])
		copy(receiver[:], body[32:64])
		ev.Sender, ev.Receiver = sender.String(), receiver.String()
		ev.Asset = assetOf(binary.BigEndian.Uint64(body[64:72]))
		ev.Amount = domain.NewAmount(binary.BigEndian.Uint64(body[72:80]))
		copy(ev.Hashlock[:], body[80:112])
		ev.Timelock = time.Unix(int64(binary.BigEndian.Uint64(body[112:120])), 0).UTC()
	case domain.EventClaimed:
		if len(body) != 32 {
			return domain.ChainEvent{}, false
		}
		var s domain.Secret
		copy(s[:], body)
		ev.Secret = &s
	}
	return ev, true
}
