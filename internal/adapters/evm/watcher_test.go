package evm

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SecondOrder-fun/probsync/internal/domain"
)

func participantTopic(addr common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))
}

func TestDecodePositionChanged(t *testing.T) {
	data, err := raffleABI.Events["SeasonPositionChanged"].Inputs.NonIndexed().Pack(
		big.NewInt(1100), big.NewInt(5000))
	require.NoError(t, err)

	participant := common.HexToAddress("0x00000000000000000000000000000000000000Aa")
	lg := types.Log{
		Address: common.HexToAddress("0x0000000000000000000000000000000000000001"),
		Topics: []common.Hash{
			topicPositionChanged,
			common.BigToHash(big.NewInt(7)),
			participantTopic(participant),
		},
		Data:        data,
		BlockNumber: 42,
		TxHash:      common.HexToHash("0xbeef"),
	}

	ev, ok := decodeLog(lg, 7)
	require.True(t, ok)
	assert.Equal(t, domain.EventPositionChanged, ev.Kind)
	assert.Equal(t, uint64(7), ev.GroupID)
	assert.Equal(t, participant.Hex(), ev.Participant)
	assert.Equal(t, int64(1100), ev.NewHolding.Int64())
	assert.Equal(t, int64(5000), ev.NewTotal.Int64())
	assert.Equal(t, uint64(42), ev.Block)
}

func TestDecodePositionChanged_OtherGroupDropped(t *testing.T) {
	data, err := raffleABI.Events["SeasonPositionChanged"].Inputs.NonIndexed().Pack(
		big.NewInt(1), big.NewInt(2))
	require.NoError(t, err)

	lg := types.Log{
		Topics: []common.Hash{
			topicPositionChanged,
			common.BigToHash(big.NewInt(9)),
			participantTopic(common.HexToAddress("0xaa")),
		},
		Data: data,
	}

	_, ok := decodeLog(lg, 7)
	assert.False(t, ok, "shared-ledger events for other groups must not leak through")
}

func TestDecodeMarketTraded(t *testing.T) {
	data, err := marketABI.Events["MarketTraded"].Inputs.NonIndexed().Pack(
		true, big.NewInt(10), big.NewInt(60), big.NewInt(42))
	require.NoError(t, err)

	market := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	lg := types.Log{
		Address:     market,
		Topics:      []common.Hash{topicMarketTraded},
		Data:        data,
		BlockNumber: 100,
	}

	ev, ok := decodeLog(lg, 7)
	require.True(t, ok)
	assert.Equal(t, domain.EventMarketTraded, ev.Kind)
	assert.Equal(t, market.Hex(), ev.MarketAddr)
	assert.True(t, ev.BuyYes)
	assert.Equal(t, int64(10), ev.AmountIn.Int64())
	assert.Equal(t, int64(60), ev.YesReserve.Int64())
	assert.Equal(t, int64(42), ev.NoReserve.Int64())
}

func TestDecodeMarketCreated(t *testing.T) {
	market := common.HexToAddress("0x00000000000000000000000000000000000000c2")
	var cond [32]byte
	cond[31] = 0x5f

	data, err := factoryABI.Events["MarketCreated"].Inputs.NonIndexed().Pack(market, cond)
	require.NoError(t, err)

	participant := common.HexToAddress("0x00000000000000000000000000000000000000Aa")
	lg := types.Log{
		Topics: []common.Hash{
			topicMarketCreated,
			common.BigToHash(big.NewInt(7)),
			participantTopic(participant),
		},
		Data: data,
	}

	ev, ok := decodeLog(lg, 7)
	require.True(t, ok)
	assert.Equal(t, domain.EventMarketCreated, ev.Kind)
	assert.Equal(t, participant.Hex(), ev.Participant)
	assert.Equal(t, market.Hex(), ev.MarketAddr)
	assert.Equal(t, common.BytesToHash(cond[:]).Hex(), ev.ConditionID)
}

func TestDecodeLog_UnknownTopicAndRemoved(t *testing.T) {
	_, ok := decodeLog(types.Log{Topics: []common.Hash{common.HexToHash("0x1234")}}, 7)
	assert.False(t, ok)

	data, err := marketABI.Events["MarketTraded"].Inputs.NonIndexed().Pack(
		true, big.NewInt(1), big.NewInt(1), big.NewInt(1))
	require.NoError(t, err)

	// reorged-out logs must not feed the pipeline
	_, ok = decodeLog(types.Log{
		Topics:  []common.Hash{topicMarketTraded},
		Data:    data,
		Removed: true,
	}, 7)
	assert.False(t, ok)
}
