package postgres

import (
	"errors"
	"testing"

	"github.com/dafibh/fortuna/settlement-saga/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableFor(t *testing.T) {
	require.Len(t, settlementTables, len(domain.AllSettlementKinds))
	for _, kind := range domain.AllSettlementKinds {
		table, err := tableFor(kind)
		require.NoError(t, err)
		assert.NotEmpty(t, table)
	}

	table, err := tableFor(domain.SettlementKindAirdropClaim)
	require.NoError(t, err)
	assert.Equal(t, "airdrop_claims", table)

	_, err = tableFor("swaps; DROP TABLE owners")
	assert.True(t, errors.Is(err, domain.ErrUnknownKind))
}
