// Package simulated is an in-process ledger used by the simulated driver and
// by tests. Transactions sit in a mempool until a block is mined.
package simulated

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"certchain/internal/ledger"
)

type tx struct {
	block    uint64
	reverted bool
	tokenID  string
}

// Network is safe for concurrent use.
type Network struct {
	name      string
	contract  string
	blockTime time.Duration

	mu          sync.Mutex
	head        uint64
	nonce       uint64
	nextToken   uint64
	txs         map[string]*tx
	mempool     []string
	failSubmits int
	revertNext  bool
}

type Option func(*Network)

// WithContract makes confirmations carry a token id and contract address,
// as the primary ledger does.
func WithContract(address string) Option {
	return func(n *Network) { n.contract = address }
}

// WithBlockTime sets the interval Run mines at.
func WithBlockTime(d time.Duration) Option {
	return func(n *Network) { n.blockTime = d }
}

func New(name string, opts ...Option) *Network {
	n := &Network{
		name:      name,
		blockTime: 2 * time.Second,
		txs:       make(map[string]*tx),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Network) Network() string { return n.name }

func (n *Network) Submit(ctx context.Context, p ledger.Payload) (*ledger.Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, ledger.NewError(n.name, "submit", ledger.CategoryTimeout, err)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failSubmits > 0 {
		n.failSubmits--
		return nil, ledger.NewError(n.name, "submit", ledger.CategoryUnavailable, errors.New("simulated outage"))
	}
	n.nonce++
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d", n.name, p.CertificateID, p.ContentHash, n.nonce)))
	hash := "0x" + hex.EncodeToString(sum[:])
	t := &tx{reverted: n.revertNext}
	n.revertNext = false
	if n.contract != "" && !t.reverted {
		n.nextToken++
		t.tokenID = strconv.FormatUint(n.nextToken, 10)
	}
	n.txs[hash] = t
	n.mempool = append(n.mempool, hash)
	return &ledger.Submission{TxHash: hash, SubmittedAt: time.Now()}, nil
}

func (n *Network) GetConfirmation(ctx context.Context, txHash string) (*ledger.Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return nil, ledger.NewError(n.name, "get_confirmation", ledger.CategoryTimeout, err)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.txs[txHash]
	if !ok {
		return nil, ledger.NewError(n.name, "get_confirmation", ledger.CategoryNotFound, fmt.Errorf("unknown transaction %s", txHash))
	}
	if t.block == 0 {
		return &ledger.Confirmation{TxHash: txHash, State: ledger.ConfirmationPending}, nil
	}
	conf := &ledger.Confirmation{
		TxHash:      txHash,
		BlockNumber: t.block,
		Depth:       n.head - t.block + 1,
	}
	if t.reverted {
		conf.State = ledger.ConfirmationReverted
		conf.Reason = "transaction reverted"
		return conf, nil
	}
	conf.State = ledger.ConfirmationConfirmed
	conf.TokenID = t.tokenID
	if n.contract != "" {
		conf.ContractAddress = n.contract
	}
	return conf, nil
}

// Mine produces blocks; the first one includes everything in the mempool.
func (n *Network) Mine(blocks int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := 0; i < blocks; i++ {
		n.head++
		for _, h := range n.mempool {
			n.txs[h].block = n.head
		}
		n.mempool = n.mempool[:0]
	}
}

// Run mines one block per block time until ctx is cancelled.
func (n *Network) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.blockTime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.Mine(1)
		}
	}
}

func (n *Network) Head() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.head
}

// FailNextSubmits makes the next count submissions fail as unavailable.
func (n *Network) FailNextSubmits(count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failSubmits = count
}

// RevertNext makes the next submitted transaction revert when mined.
func (n *Network) RevertNext() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.revertNext = true
}
