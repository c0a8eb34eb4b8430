package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/SecondOrder-fun/probsync/internal/domain"
)

// Every market settles a two-outcome condition: participant wins / loses.
const outcomeSlots = 2

// SettlementClient implements ports.Settlement against the binary condition
// registry.
type SettlementClient struct {
	client     *Client
	settlement common.Address
}

func NewSettlement(client *Client, settlementAddr string) (*SettlementClient, error) {
	settlement, err := parseAddr("settlement", settlementAddr)
	if err != nil {
		return nil, err
	}
	return &SettlementClient{client: client, settlement: settlement}, nil
}

// PrepareCondition registers the outcome pair for (group, participant). The
// condition id is derived deterministically from the question id, and the
// registry treats re-preparing an existing condition as a no-op, so a retry
// after a lost acknowledgement converges on the same id.
func (s *SettlementClient) PrepareCondition(ctx context.Context, groupID uint64, participant string) (string, error) {
	addr, err := parseAddr("participant", participant)
	if err != nil {
		return "", domain.Rejected(err)
	}

	qid := questionID(groupID, addr)
	_, err = s.client.transact(ctx, s.settlement, settlementABI, prepareGasLimit,
		"prepareCondition", qid, big.NewInt(outcomeSlots))
	if err != nil {
		return "", fmt.Errorf("evm.PrepareCondition: %s: %w", domain.MarketKey(groupID, participant), err)
	}

	return conditionID(qid), nil
}

// ReportOutcome resolves a prepared condition with the [yes, no] payout
// split.
func (s *SettlementClient) ReportOutcome(ctx context.Context, condID string, payouts [2]*big.Int) error {
	cond, err := hexToBytes32(condID)
	if err != nil {
		return domain.Rejected(fmt.Errorf("evm.ReportOutcome: condition id: %w", err))
	}

	_, err = s.client.transact(ctx, s.settlement, settlementABI, reportGasLimit,
		"reportOutcome", cond, []*big.Int{payouts[0], payouts[1]})
	if err != nil {
		return fmt.Errorf("evm.ReportOutcome: %s: %w", condID, err)
	}
	return nil
}

// questionID is keccak256 of the packed (seasonId, participant) pair.
func questionID(groupID uint64, participant common.Address) [32]byte {
	var season [32]byte
	new(big.Int).SetUint64(groupID).FillBytes(season[:])
	return crypto.Keccak256Hash(season[:], participant.Bytes())
}

// conditionID is keccak256 of the packed (questionId, outcomeSlotCount)
// pair, mirroring the registry's own derivation.
func conditionID(qid [32]byte) string {
	var slots [32]byte
	big.NewInt(outcomeSlots).FillBytes(slots[:])
	return crypto.Keccak256Hash(qid[:], slots[:]).Hex()
}
