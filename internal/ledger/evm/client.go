// Package evm anchors certificates on an EVM-compatible chain through its
// JSON-RPC endpoint. Signing is delegated to the node (eth_sendTransaction
// from an unlocked or remotely signed account).
package evm

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/sha3"

	"certchain/internal/ledger"
)

// registerSignature is the primary contract's mint entry point.
const registerSignature = "registerCertificate(bytes32,string)"

// transferTopic is the ERC-721 Transfer event emitted when the token is minted.
var transferTopic = "0x" + hex.EncodeToString(keccak([]byte("Transfer(address,address,uint256)")))

type Config struct {
	Network string
	RPCURL  string
	// ContractAddress selects contract mode. When empty the payload is
	// written as calldata of a self-addressed transaction.
	ContractAddress string
	FromAddress     string
	HTTPClient      *http.Client
}

type Client struct {
	network  string
	rpcURL   string
	contract string
	from     string
	http     *http.Client
	nextID   atomic.Uint64
}

func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		network:  cfg.Network,
		rpcURL:   cfg.RPCURL,
		contract: strings.ToLower(cfg.ContractAddress),
		from:     strings.ToLower(cfg.FromAddress),
		http:     hc,
	}
}

func (c *Client) Network() string { return c.network }

func (c *Client) Submit(ctx context.Context, payload ledger.Payload) (*ledger.Submission, error) {
	data, err := c.calldata(payload)
	if err != nil {
		return nil, ledger.NewError(c.network, "submit", ledger.CategoryRejected, err)
	}
	to := c.contract
	if to == "" {
		to = c.from
	}
	tx := map[string]string{
		"from": c.from,
		"to":   to,
		"data": data,
	}
	var txHash string
	if err := c.call(ctx, "submit", "eth_sendTransaction", &txHash, tx); err != nil {
		return nil, err
	}
	if txHash == "" {
		return nil, ledger.NewError(c.network, "submit", ledger.CategoryInternal, fmt.Errorf("node returned an empty tx hash"))
	}
	return &ledger.Submission{TxHash: strings.ToLower(txHash), SubmittedAt: time.Now()}, nil
}

type receipt struct {
	TransactionHash string `json:"transactionHash"`
	BlockNumber     string `json:"blockNumber"`
	Status          string `json:"status"`
	Logs            []struct {
		Address string   `json:"address"`
		Topics  []string `json:"topics"`
	} `json:"logs"`
}

func (c *Client) GetConfirmation(ctx context.Context, txHash string) (*ledger.Confirmation, error) {
	var r *receipt
	if err := c.call(ctx, "get_confirmation", "eth_getTransactionReceipt", &r, txHash); err != nil {
		return nil, err
	}
	if r == nil || r.BlockNumber == "" {
		return &ledger.Confirmation{TxHash: txHash, State: ledger.ConfirmationPending}, nil
	}

	block, err := parseQuantity(r.BlockNumber)
	if err != nil {
		return nil, ledger.NewError(c.network, "get_confirmation", ledger.CategoryInternal, err)
	}
	conf := &ledger.Confirmation{TxHash: txHash, BlockNumber: block}
	if r.Status == "0x0" {
		conf.State = ledger.ConfirmationReverted
		conf.Reason = "transaction reverted"
		return conf, nil
	}

	var headHex string
	if err := c.call(ctx, "get_confirmation", "eth_blockNumber", &headHex); err != nil {
		return nil, err
	}
	head, err := parseQuantity(headHex)
	if err != nil {
		return nil, ledger.NewError(c.network, "get_confirmation", ledger.CategoryInternal, err)
	}
	if head >= block {
		conf.Depth = head - block + 1
	}
	conf.State = ledger.ConfirmationConfirmed

	if c.contract != "" {
		conf.ContractAddress = c.contract
		for _, l := range r.Logs {
			if strings.EqualFold(l.Address, c.contract) && len(l.Topics) == 4 && strings.EqualFold(l.Topics[0], transferTopic) {
				conf.TokenID = topicToDecimal(l.Topics[3])
				break
			}
		}
	}
	return conf, nil
}

func (c *Client) calldata(p ledger.Payload) (string, error) {
	hash, err := hex.DecodeString(p.ContentHash)
	if err != nil || len(hash) != 32 {
		return "", fmt.Errorf("content hash must be 32 bytes of hex")
	}
	if c.contract == "" {
		return "0x" + hex.EncodeToString(hash) + hex.EncodeToString([]byte(p.CertificateID)), nil
	}
	return "0x" + hex.EncodeToString(encodeRegister(hash, string(p.CertificateID))), nil
}

// encodeRegister ABI-encodes registerCertificate(bytes32,string).
func encodeRegister(contentHash []byte, certificateID string) []byte {
	out := make([]byte, 0, 4+32*4+len(certificateID))
	out = append(out, keccak([]byte(registerSignature))[:4]...)
	out = append(out, contentHash...)
	out = append(out, word(64)...) // offset of the string head
	out = append(out, word(uint64(len(certificateID)))...)
	padded := make([]byte, (len(certificateID)+31)/32*32)
	copy(padded, certificateID)
	return append(out, padded...)
}

func word(n uint64) []byte {
	w := make([]byte, 32)
	new(big.Int).SetUint64(n).FillBytes(w)
	return w
}

func keccak(b []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(b)
	return h.Sum(nil)
}

func parseQuantity(s string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse quantity %q: %w", s, err)
	}
	return v, nil
}

func topicToDecimal(topic string) string {
	n, ok := new(big.Int).SetString(strings.TrimPrefix(topic, "0x"), 16)
	if !ok {
		return ""
	}
	return n.String()
}
