// Package algorand implements domain.ChainAdapter for the HTLC application
// on Algorand. Escrows live in application boxes keyed by escrow id; the
// application logs every lock, claim and refund, and the adapter scans
// blocks for those logs.
package algorand

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	algocrypto "github.com/algorand/go-algorand-sdk/crypto"
	"github.com/algorand/go-algorand-sdk/future"
	"github.com/algorand/go-algorand-sdk/mnemonic"
	"github.com/algorand/go-algorand-sdk/types"

	"github.com/alanyoungcy/swaprelay/internal/domain"
)

// Config configures the Algorand adapter.
type Config struct {
	Chain        domain.ChainID
	AppID        uint64
	Mnemonic     string
	PollInterval time.Duration
}

// Adapter signs application calls with the relayer account.
type Adapter struct {
	cfg     Config
	node    Node
	account algocrypto.Account
	appAddr types.Address
	logger  *slog.Logger

	mu sync.Mutex
}

// New creates an Adapter.
func New(cfg Config, node Node, logger *slog.Logger) (*Adapter, error) {
	if cfg.AppID == 0 {
		return nil, fmt.Errorf("algorand: %s: app id is required", cfg.Chain)
	}
	sk, err := mnemonic.ToPrivateKey(cfg.Mnemonic)
	if err != nil {
		return nil, fmt.Errorf("algorand: %s: mnemonic: %w", cfg.Chain, err)
	}
	acct, err := algocrypto.AccountFromPrivateKey(ed25519.PrivateKey(sk))
	if err != nil {
		return nil, fmt.Errorf("algorand: %s: account: %w", cfg.Chain, err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 4 * time.Second
	}
	return &Adapter{
		cfg:     cfg,
		node:    node,
		account: acct,
		appAddr: algocrypto.GetApplicationAddress(cfg.AppID),
		logger:  logger.With(slog.String("component", "algorand"), slog.String("chain", string(cfg.Chain))),
	}, nil
}

func (a *Adapter) Chain() domain.ChainID { return a.cfg.Chain }

// Address is the relayer account.
func (a *Adapter) Address() string { return a.account.Address.String() }

func (a *Adapter) unavailable(op string, err error) error {
	return fmt.Errorf("algorand: %s %s: %v: %w", a.cfg.Chain, op, err, domain.ErrChainUnavailable)
}

// CurrentTime is the timestamp of the last committed round.
func (a *Adapter) CurrentTime(ctx context.Context) (time.Time, error) {
	round, err := a.node.LastRound(ctx)
	if err != nil {
		return time.Time{}, a.unavailable("status", err)
	}
	b, err := a.node.Block(ctx, round)
	if err != nil {
		return time.Time{}, a.unavailable("block", err)
	}
	return time.Unix(b.TimeStamp, 0).UTC(), nil
}

// ReadState reads the escrow's box.
func (a *Adapter) ReadState(ctx context.Context, escrowID string) (domain.EscrowState, error) {
	key, err := escrowKey(escrowID)
	if err != nil {
		return domain.EscrowState{}, err
	}
	v, err := a.node.Box(ctx, a.cfg.AppID, key)
	if err != nil {
		if isNotFound(err) {
			return domain.EscrowState{}, fmt.Errorf("algorand: escrow %s: %w", escrowID, domain.ErrNotFound)
		}
		return domain.EscrowState{}, a.unavailable("read box", err)
	}
	var id domain.Hash
	copy(id[:], key)
	return decodeBox(id.Hex(), v)
}

func (a *Adapter) precheck(ctx context.Context, tx domain.Tx) error {
	switch tx.Kind {
	case domain.TxClaim, domain.TxRefund, domain.TxCancel:
	default:
		return nil
	}
	st, err := a.ReadState(ctx, tx.EscrowID)
	if err != nil {
		return err
	}
	if st.Withdrawn || st.Refunded {
		return fmt.Errorf("algorand: escrow %s: %w", tx.EscrowID, domain.ErrAlreadySettled)
	}
	now, err := a.CurrentTime(ctx)
	if err != nil {
		return err
	}
	if tx.Kind == domain.TxClaim && !now.Before(st.Timelock) {
		return fmt.Errorf("algorand: escrow %s: %w", tx.EscrowID, domain.ErrAlreadyExpired)
	}
	if tx.Kind == domain.TxRefund && now.Before(st.Timelock) {
		return fmt.Errorf("algorand: escrow %s: %w", tx.EscrowID, domain.ErrNotYetExpired)
	}
	return nil
}

// Submit signs and sends the application call. A lock is grouped behind
// the transfer that funds it. The handle is the application call's id.
func (a *Adapter) Submit(ctx context.Context, tx domain.Tx) (domain.TxHandle, error) {
	args, err := appArgs(tx)
	if err != nil {
		return domain.TxHandle{}, err
	}
	if err := a.precheck(ctx, tx); err != nil {
		return domain.TxHandle{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	sp, err := a.node.SuggestedParams(ctx)
	if err != nil {
		return domain.TxHandle{}, a.unavailable("params", err)
	}
	call, err := future.MakeApplicationNoOpTx(a.cfg.AppID, args, nil, nil, nil, sp, a.account.Address, []byte(tx.Ref), types.Digest{}, [32]byte{}, types.Address{})
	if err != nil {
		return domain.TxHandle{}, fmt.Errorf("algorand: build %s: %w", tx.Kind, err)
	}
	call.BoxReferences = boxRefs(tx, args)

	txns := []types.Transaction{call}
	if tx.Kind == domain.TxLock {
		fund, err := a.funding(tx, sp)
		if err != nil {
			return domain.TxHandle{}, err
		}
		txns = []types.Transaction{fund, call}
		gid, err := algocrypto.ComputeGroupID(txns)
		if err != nil {
			return domain.TxHandle{}, fmt.Errorf("algorand: group id: %w", err)
		}
		for i := range txns {
			txns[i].Group = gid
		}
	}

	var raw []byte
	var callID string
	for _, t := range txns {
		id, signed, err := algocrypto.SignTransaction(a.account.PrivateKey, t)
		if err != nil {
			return domain.TxHandle{}, fmt.Errorf("algorand: sign %s: %w", tx.Kind, err)
		}
		raw = append(raw, signed...)
		callID = id
	}
	if _, err := a.node.SendRaw(ctx, raw); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "rejected") {
			return domain.TxHandle{}, fmt.Errorf("algorand: %s %s: %v: %w", a.cfg.Chain, tx.Kind, err, domain.ErrTxFailed)
		}
		return domain.TxHandle{}, a.unavailable("send", err)
	}

	a.logger.InfoContext(ctx, "tx sent",
		slog.String("kind", string(tx.Kind)),
		slog.String("ref", tx.Ref),
		slog.String("tx_hash", callID),
	)
	return domain.TxHandle{Chain: a.cfg.Chain, Hash: callID}, nil
}

// funding moves the locked value into the application account.
func (a *Adapter) funding(tx domain.Tx, sp types.SuggestedParams) (types.Transaction, error) {
	amount, err := microAlgos(tx.Amount)
	if err != nil {
		return types.Transaction{}, err
	}
	asset, err := assetID(tx.Asset)
	if err != nil {
		return types.Transaction{}, err
	}
	from, to := a.account.Address.String(), a.appAddr.String()
	if asset == 0 {
		return future.MakePaymentTxn(from, to, amount, nil, "", sp)
	}
	return future.MakeAssetTransferTxn(from, to, amount, nil, sp, "", asset)
}

// boxRefs names the boxes the call touches. A lock's new box id is derived
// on chain, so it reserves an empty reference for the application to use.
func boxRefs(tx domain.Tx, args [][]byte) []types.BoxReference {
	switch tx.Kind {
	case domain.TxLock:
		return []types.BoxReference{{}}
	case domain.TxSplit:
		return []types.BoxReference{{Name: args[1]}, {}}
	default:
		return []types.BoxReference{{Name: args[1]}}
	}
}

// Status maps the pending-pool entry. A confirmed lock or split reports the
// escrow id from the application's log.
func (a *Adapter) Status(ctx context.Context, h domain.TxHandle) (domain.Receipt, error) {
	info, err := a.node.Pending(ctx, h.Hash)
	if err != nil {
		if isNotFound(err) {
			return domain.Receipt{}, fmt.Errorf("algorand: tx %s: %w", h.Hash, domain.ErrTxDropped)
		}
		return domain.Receipt{}, a.unavailable("pending", err)
	}
	out := domain.Receipt{TxHash: h.Hash, Block: info.ConfirmedRound}
	switch {
	case info.PoolError != "":
		out.Status, out.Reason = domain.TxFailed, info.PoolError
	case info.ConfirmedRound == 0:
		out.Status = domain.TxPending
	default:
		out.Status = domain.TxConfirmed
		for _, line := range info.Logs {
			if ev, ok := parseAppLog(a.cfg.Chain, line); ok && ev.Kind == domain.EventLocked {
				out.EscrowID = ev.EscrowID
			}
		}
	}
	return out, nil
}

var _ domain.ChainAdapter = (*Adapter)(nil)
