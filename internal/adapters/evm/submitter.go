package evm

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/SecondOrder-fun/probsync/internal/domain"
)

// Submitter implements ports.LedgerWriter. Each write op maps to one
// contract method; a request that cannot be mapped is rejected, never
// retried, because resubmitting the same malformed request cannot succeed.
type Submitter struct {
	client   *Client
	factory  common.Address
	treasury common.Address
}

func NewSubmitter(client *Client, factoryAddr, treasuryAddr string) (*Submitter, error) {
	factory, err := parseAddr("factory", factoryAddr)
	if err != nil {
		return nil, err
	}
	treasury, err := parseAddr("treasury", treasuryAddr)
	if err != nil {
		return nil, err
	}
	return &Submitter{client: client, factory: factory, treasury: treasury}, nil
}

func (s *Submitter) Submit(ctx context.Context, req domain.WriteRequest) (string, error) {
	switch req.Op {
	case domain.OpUpdateHybridPrice:
		return s.updatePrice(ctx, req)
	case domain.OpReserveFunding:
		return s.reserveFunding(ctx, req)
	case domain.OpCreateMarket:
		return s.createMarket(ctx, req)
	default:
		return "", domain.Rejected(fmt.Errorf("evm.Submit: unknown op %q", req.Op))
	}
}

// updatePrice pushes a hybrid price to the market contract at req.Target.
func (s *Submitter) updatePrice(ctx context.Context, req domain.WriteRequest) (string, error) {
	market, err := parseAddr("market", req.Target)
	if err != nil {
		return "", domain.Rejected(err)
	}

	bps, err := int64Arg(req.Args, 0)
	if err != nil {
		return "", domain.Rejected(fmt.Errorf("evm.Submit: %s: %w", req.Op, err))
	}
	if bps < 0 || bps > domain.BpsScale {
		return "", domain.Rejected(fmt.Errorf("evm.Submit: hybrid %d bps outside [0, %d]", bps, domain.BpsScale))
	}

	return s.client.transact(ctx, market, marketABI, updatePriceGasLimit,
		"updateHybridPrice", big.NewInt(bps))
}

// reserveFunding moves activation collateral out of the treasury pool.
// Args: groupID uint64, participant string, amount *big.Int.
func (s *Submitter) reserveFunding(ctx context.Context, req domain.WriteRequest) (string, error) {
	groupID, err := uintArg(req.Args, 0)
	if err != nil {
		return "", domain.Rejected(fmt.Errorf("evm.Submit: %s: %w", req.Op, err))
	}
	p, err := strArg(req.Args, 1)
	if err != nil {
		return "", domain.Rejected(fmt.Errorf("evm.Submit: %s: %w", req.Op, err))
	}
	participant, err := parseAddr("participant", p)
	if err != nil {
		return "", domain.Rejected(err)
	}
	amount, err := bigArg(req.Args, 2)
	if err != nil {
		return "", domain.Rejected(fmt.Errorf("evm.Submit: %s: %w", req.Op, err))
	}

	return s.client.transact(ctx, s.treasury, treasuryABI, reserveGasLimit,
		"reserveFunding", new(big.Int).SetUint64(groupID), participant, amount)
}

// createMarket instantiates the market contract through the factory.
// Args: groupID uint64, participant string, conditionID string,
// curve domain.CurveKind, funding *big.Int.
func (s *Submitter) createMarket(ctx context.Context, req domain.WriteRequest) (string, error) {
	groupID, err := uintArg(req.Args, 0)
	if err != nil {
		return "", domain.Rejected(fmt.Errorf("evm.Submit: %s: %w", req.Op, err))
	}
	p, err := strArg(req.Args, 1)
	if err != nil {
		return "", domain.Rejected(fmt.Errorf("evm.Submit: %s: %w", req.Op, err))
	}
	participant, err := parseAddr("participant", p)
	if err != nil {
		return "", domain.Rejected(err)
	}
	condHex, err := strArg(req.Args, 2)
	if err != nil {
		return "", domain.Rejected(fmt.Errorf("evm.Submit: %s: %w", req.Op, err))
	}
	cond, err := hexToBytes32(condHex)
	if err != nil {
		return "", domain.Rejected(fmt.Errorf("evm.Submit: condition id: %w", err))
	}
	curve, err := curveArg(req.Args, 3)
	if err != nil {
		return "", domain.Rejected(fmt.Errorf("evm.Submit: %s: %w", req.Op, err))
	}
	funding, err := bigArg(req.Args, 4)
	if err != nil {
		return "", domain.Rejected(fmt.Errorf("evm.Submit: %s: %w", req.Op, err))
	}

	return s.client.transact(ctx, s.factory, factoryABI, createMarketGasLimit,
		"createMarket", new(big.Int).SetUint64(groupID), participant, cond, curve, funding)
}

// curveArg maps a curve kind to the factory's uint8 encoding. LMSR has no
// on-chain encoding; asking for it is a rejected write.
func curveArg(args []any, i int) (uint8, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("arg %d missing", i)
	}
	kind, ok := args[i].(domain.CurveKind)
	if !ok {
		return 0, fmt.Errorf("arg %d is %T, want domain.CurveKind", i, args[i])
	}
	switch kind {
	case domain.CurveConstantSum:
		return 0, nil
	case domain.CurveConstantProduct:
		return 1, nil
	default:
		return 0, fmt.Errorf("curve %q is not deployable", kind)
	}
}

func uintArg(args []any, i int) (uint64, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("arg %d missing", i)
	}
	v, ok := args[i].(uint64)
	if !ok {
		return 0, fmt.Errorf("arg %d is %T, want uint64", i, args[i])
	}
	return v, nil
}

func int64Arg(args []any, i int) (int64, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("arg %d missing", i)
	}
	v, ok := args[i].(int64)
	if !ok {
		return 0, fmt.Errorf("arg %d is %T, want int64", i, args[i])
	}
	return v, nil
}

func strArg(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("arg %d missing", i)
	}
	v, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("arg %d is %T, want string", i, args[i])
	}
	return v, nil
}

func bigArg(args []any, i int) (*big.Int, error) {
	if i >= len(args) {
		return nil, fmt.Errorf("arg %d missing", i)
	}
	v, ok := args[i].(*big.Int)
	if !ok || v == nil {
		return nil, fmt.Errorf("arg %d is %T, want *big.Int", i, args[i])
	}
	return v, nil
}

// hexToBytes32 converts a 0x-prefixed hex string to [32]byte.
func hexToBytes32(s string) ([32]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 64 {
		return [32]byte{}, fmt.Errorf("expected 64 hex chars, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return [32]byte{}, err
	}
	var arr [32]byte
	copy(arr[:], b)
	return arr, nil
}
