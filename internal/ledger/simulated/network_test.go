package simulated

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certchain/internal/ledger"
)

func TestNetwork_Lifecycle(t *testing.T) {
	ctx := context.Background()
	n := New("polygon", WithContract("0xc0ffee"))

	sub, err := n.Submit(ctx, ledger.Payload{CertificateID: "CRT-20260301-7K2QXA", ContentHash: "ab"})
	require.NoError(t, err)

	conf, err := n.GetConfirmation(ctx, sub.TxHash)
	require.NoError(t, err)
	assert.Equal(t, ledger.ConfirmationPending, conf.State)

	n.Mine(3)
	conf, err = n.GetConfirmation(ctx, sub.TxHash)
	require.NoError(t, err)
	assert.Equal(t, ledger.ConfirmationConfirmed, conf.State)
	assert.Equal(t, uint64(1), conf.BlockNumber)
	assert.Equal(t, uint64(3), conf.Depth)
	assert.Equal(t, "1", conf.TokenID)
	assert.Equal(t, "0xc0ffee", conf.ContractAddress)
}

func TestNetwork_FaultInjection(t *testing.T) {
	ctx := context.Background()
	n := New("bitcoin")

	n.FailNextSubmits(1)
	_, err := n.Submit(ctx, ledger.Payload{CertificateID: "CRT-20260301-7K2QXA"})
	assert.True(t, ledger.IsRetryable(err))

	n.RevertNext()
	sub, err := n.Submit(ctx, ledger.Payload{CertificateID: "CRT-20260301-7K2QXA"})
	require.NoError(t, err)
	n.Mine(1)
	conf, err := n.GetConfirmation(ctx, sub.TxHash)
	require.NoError(t, err)
	assert.Equal(t, ledger.ConfirmationReverted, conf.State)
	assert.Empty(t, conf.TokenID)

	_, err = n.GetConfirmation(ctx, "0xmissing")
	assert.True(t, ledger.HasCategory(err, ledger.CategoryNotFound))
}
