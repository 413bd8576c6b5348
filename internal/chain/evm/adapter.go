// Package evm implements domain.ChainAdapter for EVM chains running the HTLC
// escrow contract.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/swaprelay/internal/domain"
)

// Backend is the subset of ethclient.Client the adapter uses.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Config configures one EVM chain.
type Config struct {
	Chain         domain.ChainID
	ChainID       int64
	HTLCAddress   string
	PrivateKey    string // hex
	Confirmations uint64
	PollInterval  time.Duration
	// MaxBlockRange bounds a single eth_getLogs query.
	MaxBlockRange uint64
}

// Adapter submits HTLC calls with the relayer's key and scans contract logs.
type Adapter struct {
	cfg      Config
	backend  Backend
	contract common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	signer   types.Signer
	logger   *slog.Logger
	closeFn  func()

	nonceMu sync.Mutex
}

// Dial connects to rpcURL and checks the node serves the configured chain.
func Dial(ctx context.Context, rpcURL string, cfg Config, logger *slog.Logger) (*Adapter, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("evm: dial %s: %w", cfg.Chain, err)
	}
	id, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("evm: %s chain id: %w", cfg.Chain, err)
	}
	if id.Int64() != cfg.ChainID {
		client.Close()
		return nil, fmt.Errorf("evm: %s: node serves chain %s, want %d", cfg.Chain, id, cfg.ChainID)
	}
	a, err := New(cfg, client, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	a.closeFn = client.Close
	return a, nil
}

// New creates an Adapter on an existing backend.
func New(cfg Config, backend Backend, logger *slog.Logger) (*Adapter, error) {
	if !common.IsHexAddress(cfg.HTLCAddress) {
		return nil, fmt.Errorf("evm: %s: invalid htlc address %q", cfg.Chain, cfg.HTLCAddress)
	}
	key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("evm: %s: private key: %w", cfg.Chain, err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 4 * time.Second
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = 2000
	}
	return &Adapter{
		cfg:      cfg,
		backend:  backend,
		contract: common.HexToAddress(cfg.HTLCAddress),
		key:      key,
		from:     gethcrypto.PubkeyToAddress(key.PublicKey),
		signer:   types.LatestSignerForChainID(big.NewInt(cfg.ChainID)),
		logger:   logger.With(slog.String("component", "evm"), slog.String("chain", string(cfg.Chain))),
	}, nil
}

// Close releases the RPC connection.
func (a *Adapter) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

func (a *Adapter) Chain() domain.ChainID { return a.cfg.Chain }

// Address is the relayer account transactions are sent from.
func (a *Adapter) Address() string { return a.from.Hex() }

// unavailable marks node or transport failures as retryable.
func (a *Adapter) unavailable(op string, err error) error {
	return fmt.Errorf("evm: %s %s: %v: %w", a.cfg.Chain, op, err, domain.ErrChainUnavailable)
}

// CurrentTime is the timestamp of the latest block.
func (a *Adapter) CurrentTime(ctx context.Context) (time.Time, error) {
	head, err := a.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return time.Time{}, a.unavailable("head", err)
	}
	return time.Unix(int64(head.Time), 0).UTC(), nil
}

// ReadState calls the escrows view.
func (a *Adapter) ReadState(ctx context.Context, escrowID string) (domain.EscrowState, error) {
	id, err := parseEscrowID(escrowID)
	if err != nil {
		return domain.EscrowState{}, err
	}
	data, err := contractABI.Pack("escrows", [32]byte(id))
	if err != nil {
		return domain.EscrowState{}, fmt.Errorf("evm: pack escrows: %w", err)
	}
	out, err := a.backend.CallContract(ctx, ethereum.CallMsg{To: &a.contract, Data: data}, nil)
	if err != nil {
		return domain.EscrowState{}, a.unavailable("read escrow", err)
	}
	return decodeEscrow(id.Hex(), out)
}

// precheck turns the common settle failures into named errors before any
// gas is spent.
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
		return fmt.Errorf("evm: escrow %s: %w", tx.EscrowID, domain.ErrAlreadySettled)
	}
	now, err := a.CurrentTime(ctx)
	if err != nil {
		return err
	}
	switch tx.Kind {
	case domain.TxClaim:
		if !now.Before(st.Timelock) {
			return fmt.Errorf("evm: escrow %s: %w", tx.EscrowID, domain.ErrAlreadyExpired)
		}
	case domain.TxRefund:
		if now.Before(st.Timelock) {
			return fmt.Errorf("evm: escrow %s: %w", tx.EscrowID, domain.ErrNotYetExpired)
		}
	}
	return nil
}

// Submit signs and broadcasts tx as an EIP-1559 transaction.
func (a *Adapter) Submit(ctx context.Context, tx domain.Tx) (domain.TxHandle, error) {
	data, value, err := calldata(tx)
	if err != nil {
		return domain.TxHandle{}, err
	}
	if err := a.precheck(ctx, tx); err != nil {
		return domain.TxHandle{}, err
	}

	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()

	msg := ethereum.CallMsg{From: a.from, To: &a.contract, Value: value, Data: data}
	gas, err := a.backend.EstimateGas(ctx, msg)
	if err != nil {
		if isRevert(err) {
			return domain.TxHandle{}, fmt.Errorf("evm: %s %s: %v: %w", a.cfg.Chain, tx.Kind, err, domain.ErrTxFailed)
		}
		return domain.TxHandle{}, a.unavailable("estimate gas", err)
	}
	nonce, err := a.backend.PendingNonceAt(ctx, a.from)
	if err != nil {
		return domain.TxHandle{}, a.unavailable("nonce", err)
	}
	tip, err := a.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return domain.TxHandle{}, a.unavailable("gas tip", err)
	}
	head, err := a.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return domain.TxHandle{}, a.unavailable("head", err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(baseFee(head), big.NewInt(2)))

	signed, err := types.SignNewTx(a.key, a.signer, &types.DynamicFeeTx{
		ChainID:   big.NewInt(a.cfg.ChainID),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas + gas/5,
		To:        &a.contract,
		Value:     value,
		Data:      data,
	})
	if err != nil {
		return domain.TxHandle{}, fmt.Errorf("evm: sign %s: %w", tx.Kind, err)
	}
	if err := a.backend.SendTransaction(ctx, signed); err != nil {
		return domain.TxHandle{}, a.unavailable("send", err)
	}

	a.logger.InfoContext(ctx, "tx sent",
		slog.String("kind", string(tx.Kind)),
		slog.String("ref", tx.Ref),
		slog.String("tx_hash", signed.Hash().Hex()),
		slog.Uint64("nonce", nonce),
	)
	return domain.TxHandle{Chain: a.cfg.Chain, Hash: signed.Hash().Hex()}, nil
}

func baseFee(h *types.Header) *big.Int {
	if h.BaseFee == nil {
		return new(big.Int)
	}
	return h.BaseFee
}

func isRevert(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "revert")
}

// Status reports a transaction as confirmed once it has the configured
// number of confirmations.
func (a *Adapter) Status(ctx context.Context, h domain.TxHandle) (domain.Receipt, error) {
	hash := common.HexToHash(h.Hash)
	r, err := a.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return domain.Receipt{TxHash: h.Hash, Status: domain.TxPending}, nil
		}
		return domain.Receipt{}, a.unavailable("receipt", err)
	}
	out := domain.Receipt{TxHash: h.Hash, Block: r.BlockNumber.Uint64()}
	if r.Status != types.ReceiptStatusSuccessful {
		out.Status = domain.TxFailed
		out.Reason = "execution reverted"
		return out, nil
	}

	if a.cfg.Confirmations > 1 {
		head, err := a.backend.BlockNumber(ctx)
		if err != nil {
			return domain.Receipt{}, a.unavailable("block number", err)
		}
		if head+1 < out.Block+a.cfg.Confirmations {
			out.Status = domain.TxPending
			return out, nil
		}
	}

	out.Status = domain.TxConfirmed
	for _, lg := range r.Logs {
		if lg.Address != a.contract {
			continue
		}
		ev, ok, err := parseLog(a.cfg.Chain, *lg)
		if err == nil && ok && ev.Kind == domain.EventLocked {
			out.EscrowID = ev.EscrowID
		}
	}
	return out, nil
}
