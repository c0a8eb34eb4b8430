package evm

// abi.go holds the contract interfaces for the four deployed contracts the
// engine talks to:
//   - raffle: season position ledger (reads + SeasonPositionChanged)
//   - treasury: shared activation funding pool (poolBalance, reserveFunding)
//   - factory: market creation (createMarket, MarketCreated)
//   - settlement: binary condition registry (prepareCondition, reportOutcome)
// plus the per-participant market contract (updateHybridPrice, MarketTraded).

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Gas limits used when estimation fails (conservative upper bounds).
const (
	updatePriceGasLimit  = uint64(120_000)
	reserveGasLimit      = uint64(180_000)
	createMarketGasLimit = uint64(3_000_000)
	prepareGasLimit      = uint64(150_000)
	reportGasLimit       = uint64(150_000)
)

var (
	raffleABI     abi.ABI
	treasuryABI   abi.ABI
	factoryABI    abi.ABI
	settlementABI abi.ABI
	marketABI     abi.ABI

	// topic0 hashes for log routing
	topicPositionChanged common.Hash
	topicMarketTraded    common.Hash
	topicMarketCreated   common.Hash
)

func init() {
	var err error

	raffleABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "getParticipants",
			"type": "function",
			"stateMutability": "view",
			"inputs": [{"name": "seasonId", "type": "uint256"}],
			"outputs": [{"name": "", "type": "address[]"}]
		},
		{
			"name": "ticketsOf",
			"type": "function",
			"stateMutability": "view",
			"inputs": [
				{"name": "seasonId", "type": "uint256"},
				{"name": "participant", "type": "address"}
			],
			"outputs": [{"name": "", "type": "uint256"}]
		},
		{
			"name": "totalTickets",
			"type": "function",
			"stateMutability": "view",
			"inputs": [{"name": "seasonId", "type": "uint256"}],
			"outputs": [{"name": "", "type": "uint256"}]
		},
		{
			"name": "SeasonPositionChanged",
			"type": "event",
			"anonymous": false,
			"inputs": [
				{"name": "seasonId", "type": "uint256", "indexed": true},
				{"name": "participant", "type": "address", "indexed": true},
				{"name": "newHolding", "type": "uint256", "indexed": false},
				{"name": "newTotal", "type": "uint256", "indexed": false}
			]
		}
	]`))
	if err != nil {
		panic("raffle abi parse: " + err.Error())
	}

	treasuryABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "poolBalance",
			"type": "function",
			"stateMutability": "view",
			"inputs": [],
			"outputs": [{"name": "", "type": "uint256"}]
		},
		{
			"name": "reserveFunding",
			"type": "function",
			"inputs": [
				{"name": "seasonId", "type": "uint256"},
				{"name": "participant", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"outputs": []
		}
	]`))
	if err != nil {
		panic("treasury abi parse: " + err.Error())
	}

	factoryABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "createMarket",
			"type": "function",
			"inputs": [
				{"name": "seasonId", "type": "uint256"},
				{"name": "participant", "type": "address"},
				{"name": "conditionId", "type": "bytes32"},
				{"name": "curveKind", "type": "uint8"},
				{"name": "funding", "type": "uint256"}
			],
			"outputs": []
		},
		{
			"name": "MarketCreated",
			"type": "event",
			"anonymous": false,
			"inputs": [
				{"name": "seasonId", "type": "uint256", "indexed": true},
				{"name": "participant", "type": "address", "indexed": true},
				{"name": "market", "type": "address", "indexed": false},
				{"name": "conditionId", "type": "bytes32", "indexed": false}
			]
		}
	]`))
	if err != nil {
		panic("factory abi parse: " + err.Error())
	}

	settlementABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "prepareCondition",
			"type": "function",
			"inputs": [
				{"name": "questionId", "type": "bytes32"},
				{"name": "outcomeSlotCount", "type": "uint256"}
			],
			"outputs": []
		},
		{
			"name": "reportOutcome",
			"type": "function",
			"inputs": [
				{"name": "conditionId", "type": "bytes32"},
				{"name": "payouts", "type": "uint256[]"}
			],
			"outputs": []
		}
	]`))
	if err != nil {
		panic("settlement abi parse: " + err.Error())
	}

	marketABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "updateHybridPrice",
			"type": "function",
			"inputs": [{"name": "hybridBps", "type": "uint256"}],
			"outputs": []
		},
		{
			"name": "MarketTraded",
			"type": "event",
			"anonymous": false,
			"inputs": [
				{"name": "buyYes", "type": "bool", "indexed": false},
				{"name": "amountIn", "type": "uint256", "indexed": false},
				{"name": "yesReserve", "type": "uint256", "indexed": false},
				{"name": "noReserve", "type": "uint256", "indexed": false}
			]
		}
	]`))
	if err != nil {
		panic("market abi parse: " + err.Error())
	}

	topicPositionChanged = crypto.Keccak256Hash([]byte("SeasonPositionChanged(uint256,address,uint256,uint256)"))
	topicMarketTraded = crypto.Keccak256Hash([]byte("MarketTraded(bool,uint256,uint256,uint256)"))
	topicMarketCreated = crypto.Keccak256Hash([]byte("MarketCreated(uint256,address,address,bytes32)"))
}
