package algorand

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	algocrypto "github.com/algorand/go-algorand-sdk/crypto"
	"github.com/algorand/go-algorand-sdk/mnemonic"
	"github.com/algorand/go-algorand-sdk/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/swaprelay/internal/domain"
)

type fakeNode struct {
	round   uint64
	ts      int64
	box     []byte
	boxErr  error
	pending pendingInfo
	pendErr error
	sent    [][]byte
	blocks  map[uint64]types.Block
}

func (f *fakeNode) LastRound(context.Context) (uint64, error) { return f.round, nil }

func (f *fakeNode) Block(_ context.Context, round uint64) (types.Block, error) {
	if b, ok := f.blocks[round]; ok {
		return b, nil
	}
	var b types.Block
	b.TimeStamp = f.ts
	return b, nil
}

func (f *fakeNode) SuggestedParams(context.Context) (types.SuggestedParams, error) {
	return types.SuggestedParams{
		Fee:             1000,
		FlatFee:         true,
		GenesisID:       "testnet-v1.0",
		GenesisHash:     make([]byte, 32),
		FirstRoundValid: types.Round(f.round),
		LastRoundValid:  types.Round(f.round + 1000),
	}, nil
}

func (f *fakeNode) SendRaw(_ context.Context, raw []byte) (string, error) {
	f.sent = append(f.sent, raw)
	return "TXID", nil
}

func (f *fakeNode) Pending(context.Context, string) (pendingInfo, error) { return f.pending, f.pendErr }

func (f *fakeNode) Box(context.Context, uint64, []byte) ([]byte, error) { return f.box, f.boxErr }

func newAdapter(t *testing.T, node *fakeNode) *Adapter {
	t.Helper()
	acct := algocrypto.GenerateAccount()
	m, err := mnemonic.FromPrivateKey(acct.PrivateKey)
	require.NoError(t, err)
	a, err := New(Config{Chain: "algorand", AppID: 77, Mnemonic: m, PollInterval: 10 * time.Millisecond},
		node, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return a
}

var escrow = domain.Hash{0xee}

func boxValue(sender, receiver types.Address, amount uint64, timelock int64, flags byte) []byte {
	v := make([]byte, 0, boxSize)
	v = append(v, sender[:]...)
	v = append(v, receiver[:]...)
	v = binary.BigEndian.AppendUint64(v, 0)
	v = binary.BigEndian.AppendUint64(v, amount)
	v = append(v, make([]byte, 32)...)
	v = binary.BigEndian.AppendUint64(v, uint64(timelock))
	v = append(v, flags)
	secret := make([]byte, 32)
	secret[0] = 0x5e
	return append(v, secret...)
}

func lockedLine(sender, receiver types.Address, amount uint64, hashlock domain.Hash, timelock int64) []byte {
	line := append([]byte("locked"), escrow[:]...)
	line = append(line, sender[:]...)
	line = append(line, receiver[:]...)
	line = binary.BigEndian.AppendUint64(line, 0)
	line = binary.BigEndian.AppendUint64(line, amount)
	line = append(line, hashlock[:]...)
	return binary.BigEndian.AppendUint64(line, uint64(timelock))
}

func TestParseAppLog(t *testing.T) {
	sender, receiver := algocrypto.GenerateAccount().Address, algocrypto.GenerateAccount().Address

	ev, ok := parseAppLog("algorand", lockedLine(sender, receiver, 250, domain.Hash{4}, 1_700_000_000))
	require.True(t, ok)
	assert.Equal(t, domain.EventLocked, ev.Kind)
	assert.Equal(t, escrow.Hex(), ev.EscrowID)
	assert.Equal(t, sender.String(), ev.Sender)
	assert.Equal(t, receiver.String(), ev.Receiver)
	assert.Equal(t, domain.NativeAsset, ev.Asset)
	assert.Equal(t, "250", ev.Amount.String())
	assert.Equal(t, domain.Hash{4}, ev.Hashlock)

	claimed := append(append([]byte("claimed"), escrow[:]...), make([]byte, 32)...)
	ev, ok = parseAppLog("algorand", claimed)
	require.True(t, ok)
	assert.Equal(t, domain.EventClaimed, ev.Kind)
	require.NotNil(t, ev.Secret)

	_, ok = parseAppLog("algorand", []byte("locked short"))
	assert.False(t, ok)
	_, ok = parseAppLog("algorand", []byte("hello"))
	assert.False(t, ok)
}

func TestReadState(t *testing.T) {
	sender, receiver := algocrypto.GenerateAccount().Address, algocrypto.GenerateAccount().Address
	node := &fakeNode{box: boxValue(sender, receiver, 900, 1_700_000_000, 1)}
	st, err := newAdapter(t, node).ReadState(context.Background(), escrow.Hex())
	require.NoError(t, err)
	assert.Equal(t, sender.String(), st.Sender)
	assert.Equal(t, "900", st.Amount.String())
	assert.True(t, st.Withdrawn)
	assert.False(t, st.Refunded)
	require.NotNil(t, st.Secret)
	assert.Equal(t, byte(0x5e), st.Secret[0])

	node.boxErr = errors.New("HTTP 404: box not found")
	_, err = newAdapter(t, node).ReadState(context.Background(), escrow.Hex())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClaimAfterTimelockRejected(t *testing.T) {
	var zero types.Address
	secret := domain.Secret{1}
	node := &fakeNode{ts: 2_000, box: boxValue(zero, zero, 1, 1_000, 0)}
	_, err := newAdapter(t, node).Submit(context.Background(), domain.Tx{Kind: domain.TxClaim, EscrowID: escrow.Hex(), Secret: &secret})
	assert.ErrorIs(t, err, domain.ErrAlreadyExpired)
	assert.Empty(t, node.sent)
}

func TestSubmitClaimAndLock(t *testing.T) {
	var zero types.Address
	secret := domain.Secret{1}
	node := &fakeNode{round: 10, ts: 500, box: boxValue(zero, zero, 1, 1_000, 0)}
	a := newAdapter(t, node)

	h, err := a.Submit(context.Background(), domain.Tx{Kind: domain.TxClaim, EscrowID: escrow.Hex(), Secret: &secret})
	require.NoError(t, err)
	assert.Equal(t, domain.ChainID("algorand"), h.Chain)
	assert.NotEmpty(t, h.Hash)
	require.Len(t, node.sent, 1)
	claimRaw := len(node.sent[0])

	_, err = a.Submit(context.Background(), domain.Tx{
		Kind:     domain.TxLock,
		Receiver: algocrypto.GenerateAccount().Address.String(),
		Amount:   domain.NewAmount(5_000),
		Hashlock: domain.Hash{2},
		Timelock: time.Unix(1_700_000_000, 0),
	})
	require.NoError(t, err)
	require.Len(t, node.sent, 2)
	assert.Greater(t, len(node.sent[1]), claimRaw)
}

func TestStatus(t *testing.T) {
	sender, receiver := algocrypto.GenerateAccount().Address, algocrypto.GenerateAccount().Address
	node := &fakeNode{}
	a := newAdapter(t, node)
	h := domain.TxHandle{Chain: "algorand", Hash: "TXID"}

	r, err := a.Status(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, domain.TxPending, r.Status)

	node.pending = pendingInfo{ConfirmedRound: 12, Logs: [][]byte{lockedLine(sender, receiver, 1, domain.Hash{}, 1)}}
	r, err = a.Status(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, domain.TxConfirmed, r.Status)
	assert.Equal(t, escrow.Hex(), r.EscrowID)

	node.pending = pendingInfo{PoolError: "logic eval error"}
	r, err = a.Status(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, domain.TxFailed, r.Status)

	node.pendErr = errors.New("txn not found")
	_, err = a.Status(context.Background(), h)
	assert.ErrorIs(t, err, domain.ErrTxDropped)
	assert.True(t, domain.IsRetryable(err))
}

func TestSubscribeEmitsApplicationLogs(t *testing.T) {
	sender, receiver := algocrypto.GenerateAccount().Address, algocrypto.GenerateAccount().Address

	var stx types.SignedTxnInBlock
	stx.Txn.Type = types.ApplicationCallTx
	stx.Txn.ApplicationID = 77
	stx.EvalDelta.Logs = []string{string(lockedLine(sender, receiver, 3, domain.Hash{}, 1))}
	var other types.SignedTxnInBlock
	other.Txn.ApplicationID = 78
	other.EvalDelta.Logs = stx.EvalDelta.Logs

	var blk types.Block
	blk.Payset = []types.SignedTxnInBlock{other, stx}
	node := &fakeNode{round: 5, blocks: map[uint64]types.Block{5: blk}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := newAdapter(t, node).Subscribe(ctx, domain.EventFilter{FromBlock: 5})
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, domain.EventLocked, ev.Kind)
		assert.Equal(t, uint64(5), ev.Block)
		assert.NotEmpty(t, ev.TxHash)
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
}
