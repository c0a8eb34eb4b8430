package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Reader implements ports.LedgerReader against the raffle ledger and the
// treasury pool.
type Reader struct {
	client   *Client
	raffle   common.Address
	treasury common.Address
}

func NewReader(client *Client, raffleAddr, treasuryAddr string) (*Reader, error) {
	raffle, err := parseAddr("raffle", raffleAddr)
	if err != nil {
		return nil, err
	}
	treasury, err := parseAddr("treasury", treasuryAddr)
	if err != nil {
		return nil, err
	}
	return &Reader{client: client, raffle: raffle, treasury: treasury}, nil
}

func (r *Reader) Participants(ctx context.Context, groupID uint64) ([]string, error) {
	vals, err := r.client.call(ctx, r.raffle, raffleABI, "getParticipants", new(big.Int).SetUint64(groupID))
	if err != nil {
		return nil, fmt.Errorf("evm.Participants: group %d: %w", groupID, err)
	}

	addrs, ok := vals[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("evm.Participants: unexpected return type %T", vals[0])
	}

	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Hex()
	}
	return out, nil
}

func (r *Reader) Holding(ctx context.Context, groupID uint64, participant string) (*big.Int, error) {
	addr, err := parseAddr("participant", participant)
	if err != nil {
		return nil, err
	}

	vals, err := r.client.call(ctx, r.raffle, raffleABI, "ticketsOf", new(big.Int).SetUint64(groupID), addr)
	if err != nil {
		return nil, fmt.Errorf("evm.Holding: %d:%s: %w", groupID, participant, err)
	}
	return bigVal(vals, "ticketsOf")
}

func (r *Reader) TotalTickets(ctx context.Context, groupID uint64) (*big.Int, error) {
	vals, err := r.client.call(ctx, r.raffle, raffleABI, "totalTickets", new(big.Int).SetUint64(groupID))
	if err != nil {
		return nil, fmt.Errorf("evm.TotalTickets: group %d: %w", groupID, err)
	}
	return bigVal(vals, "totalTickets")
}

func (r *Reader) PoolBalance(ctx context.Context) (*big.Int, error) {
	vals, err := r.client.call(ctx, r.treasury, treasuryABI, "poolBalance")
	if err != nil {
		return nil, fmt.Errorf("evm.PoolBalance: %w", err)
	}
	return bigVal(vals, "poolBalance")
}

func bigVal(vals []any, method string) (*big.Int, error) {
	if len(vals) == 0 {
		return nil, fmt.Errorf("evm: %s returned nothing", method)
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("evm: %s returned %T, want *big.Int", method, vals[0])
	}
	return v, nil
}

func parseAddr(kind, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("evm: %s address %q is not a hex address", kind, s)
	}
	return common.HexToAddress(s), nil
}
