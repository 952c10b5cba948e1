package token_test

import (
	"testing"

	fpmath "SynthLedger/internal/math"
	"SynthLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntheticToken_MintBurnTransfer(t *testing.T) {
	f := token.NewFactory()
	tok, err := f.CreateToken("Potion Token ETH June", "POTETH_JUNE")
	require.NoError(t, err)

	got, ok := f.Get(tok.Address())
	require.True(t, ok)
	assert.Same(t, tok, got)

	alice := common.HexToAddress("0xa1")
	bob := common.HexToAddress("0xb2")

	require.NoError(t, tok.Mint(alice, fpmath.FromUnits(10)))
	require.NoError(t, tok.Transfer(alice, bob, fpmath.FromUnits(4)))
	assert.Equal(t, "6", tok.BalanceOf(alice).String())
	assert.Equal(t, "4", tok.BalanceOf(bob).String())

	require.NoError(t, tok.Burn(bob, fpmath.FromUnits(4)))
	assert.Equal(t, "6", tok.TotalSupply().String())

	err = tok.Burn(bob, fpmath.FromUnits(1))
	assert.ErrorIs(t, err, token.ErrInsufficientTokens)
	err = tok.Transfer(bob, alice, fpmath.FromUnits(1))
	assert.ErrorIs(t, err, token.ErrInsufficientTokens)
}

func TestFactory_RequiresNameAndSymbol(t *testing.T) {
	_, err := token.NewFactory().CreateToken("", "X")
	assert.Error(t, err)
}
