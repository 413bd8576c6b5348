package algorand

import (
	"context"
	"strings"

	"github.com/algorand/go-algorand-sdk/client/v2/algod"
	"github.com/algorand/go-algorand-sdk/types"
)

// pendingInfo is what the adapter needs from a pending-transaction lookup.
type pendingInfo struct {
	ConfirmedRound uint64
	PoolError      string
	Logs           [][]byte
}

// Node is the subset of algod the adapter uses.
type Node interface {
	LastRound(ctx context.Context) (uint64, error)
	Block(ctx context.Context, round uint64) (types.Block, error)
	SuggestedParams(ctx context.Context) (types.SuggestedParams, error)
	SendRaw(ctx context.Context, raw []byte) (string, error)
	Pending(ctx context.Context, txID string) (pendingInfo, error)
	Box(ctx context.Context, appID uint64, name []byte) ([]byte, error)
}

type algodNode struct {
	client *algod.Client
}

// NewNode connects to an algod endpoint.
func NewNode(address, token string) (Node, error) {
	c, err := algod.MakeClient(address, token)
	if err != nil {
		return nil, err
	}
	return &algodNode{client: c}, nil
}

func (n *algodNode) LastRound(ctx context.Context) (uint64, error) {
	st, err := n.client.Status().Do(ctx)
	if err != nil {
		return 0, err
	}
	return st.LastRound, nil
}

func (n *algodNode) Block(ctx context.Context, round uint64) (types.Block, error) {
	return n.client.Block(round).Do(ctx)
}

func (n *algodNode) SuggestedParams(ctx context.Context) (types.SuggestedParams, error) {
	return n.client.SuggestedParams().Do(ctx)
}

func (n *algodNode) SendRaw(ctx context.Context, raw []byte) (string, error) {
	return n.client.SendRawTransaction(raw).Do(ctx)
}

func (n *algodNode) Pending(ctx context.Context, txID string) (pendingInfo, error) {
	resp, _, err := n.client.PendingTransactionInformation(txID).Do(ctx)
	if err != nil {
		return pendingInfo{}, err
	}
	return pendingInfo{ConfirmedRound: resp.ConfirmedRound, PoolError: resp.PoolError, Logs: resp.Logs}, nil
}

func (n *algodNode) Box(ctx context.Context, appID uint64, name []byte) ([]byte, error) {
	box, err := n.client.GetApplicationBoxByName(appID, name).Do(ctx)
	if err != nil {
		return nil, err
	}
	return box.Value, nil
}

func isNotFound(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "not found")
}
