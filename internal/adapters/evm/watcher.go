package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/SecondOrder-fun/probsync/internal/domain"
	"github.com/SecondOrder-fun/probsync/internal/ports"
)

// maxBlockRange caps one FilterLogs query; public RPC endpoints reject
// unbounded ranges.
const maxBlockRange = 2000

// Watcher implements ports.EventSource by polling eth_getLogs with a block
// cursor. Poll failures keep the cursor in place, so no block range is ever
// skipped; decoded events are delivered in block order.
type Watcher struct {
	client *Client
	poll   time.Duration
}

func NewWatcher(client *Client, poll time.Duration) *Watcher {
	return &Watcher{client: client, poll: poll}
}

type subscription struct {
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// Stop halts the watch and waits for its goroutine to exit, so no callback
// runs after Stop returns.
func (s *subscription) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (w *Watcher) Watch(ctx context.Context, filter ports.EventFilter, onEvent func(domain.Event), onError func(error)) (ports.Subscription, error) {
	if len(filter.Addresses) == 0 {
		return nil, fmt.Errorf("evm.Watch: empty address set")
	}

	addrs := make([]common.Address, 0, len(filter.Addresses))
	for _, a := range filter.Addresses {
		parsed, err := parseAddr("watch", a)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, parsed)
	}

	from := filter.FromBlock
	if from == 0 {
		head, err := w.client.blockNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("evm.Watch: head: %w", err)
		}
		from = head + 1
	}

	sub := &subscription{stop: make(chan struct{})}
	sub.wg.Add(1)
	go w.run(ctx, sub, filter.GroupID, addrs, from, onEvent, onError)

	slog.Info("evm: watch started",
		"group", filter.GroupID, "addresses", len(addrs), "from_block", from)
	return sub, nil
}

func (w *Watcher) run(ctx context.Context, sub *subscription, groupID uint64, addrs []common.Address, from uint64, onEvent func(domain.Event), onError func(error)) {
	defer sub.wg.Done()

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.stop:
			return
		case <-ticker.C:
			head, err := w.client.blockNumber(ctx)
			if err != nil {
				onError(fmt.Errorf("evm: head: %w", err))
				continue
			}
			if head < from {
				continue
			}

			to := head
			if to > from+maxBlockRange-1 {
				to = from + maxBlockRange - 1
			}

			logs, err := w.client.filterLogs(ctx, ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(from),
				ToBlock:   new(big.Int).SetUint64(to),
				Addresses: addrs,
				Topics: [][]common.Hash{
					{topicPositionChanged, topicMarketTraded, topicMarketCreated},
				},
			})
			if err != nil {
				// cursor stays; the range is retried next tick
				onError(fmt.Errorf("evm: filter logs [%d, %d]: %w", from, to, err))
				continue
			}

			for _, lg := range logs {
				if ev, ok := decodeLog(lg, groupID); ok {
					onEvent(ev)
				}
			}
			from = to + 1
		}
	}
}

// decodeLog routes a raw log by topic0. Logs for other groups on shared
// contracts are dropped here so every downstream handler sees only its own
// group.
func decodeLog(lg types.Log, groupID uint64) (domain.Event, bool) {
	if lg.Removed || len(lg.Topics) == 0 {
		return domain.Event{}, false
	}
	switch lg.Topics[0] {
	case topicPositionChanged:
		return decodePositionChanged(lg, groupID)
	case topicMarketTraded:
		return decodeMarketTraded(lg, groupID)
	case topicMarketCreated:
		return decodeMarketCreated(lg, groupID)
	}
	return domain.Event{}, false
}

func decodePositionChanged(lg types.Log, groupID uint64) (domain.Event, bool) {
	if len(lg.Topics) < 3 {
		return domain.Event{}, false
	}
	if new(big.Int).SetBytes(lg.Topics[1].Bytes()).Uint64() != groupID {
		return domain.Event{}, false
	}

	vals, err := raffleABI.Unpack("SeasonPositionChanged", lg.Data)
	if err != nil || len(vals) < 2 {
		slog.Warn("evm: undecodable position log", "tx", lg.TxHash.Hex(), "err", err)
		return domain.Event{}, false
	}
	newHolding, ok1 := vals[0].(*big.Int)
	newTotal, ok2 := vals[1].(*big.Int)
	if !ok1 || !ok2 {
		return domain.Event{}, false
	}

	return domain.Event{
		Kind:        domain.EventPositionChanged,
		GroupID:     groupID,
		Block:       lg.BlockNumber,
		TxHash:      lg.TxHash.Hex(),
		At:          time.Now().UTC(),
		Participant: common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
		NewHolding:  newHolding,
		NewTotal:    newTotal,
	}, true
}

func decodeMarketTraded(lg types.Log, groupID uint64) (domain.Event, bool) {
	vals, err := marketABI.Unpack("MarketTraded", lg.Data)
	if err != nil || len(vals) < 4 {
		slog.Warn("evm: undecodable trade log", "tx", lg.TxHash.Hex(), "err", err)
		return domain.Event{}, false
	}
	buyYes, ok1 := vals[0].(bool)
	amountIn, ok2 := vals[1].(*big.Int)
	yesReserve, ok3 := vals[2].(*big.Int)
	noReserve, ok4 := vals[3].(*big.Int)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return domain.Event{}, false
	}

	return domain.Event{
		Kind:       domain.EventMarketTraded,
		GroupID:    groupID,
		Block:      lg.BlockNumber,
		TxHash:     lg.TxHash.Hex(),
		At:         time.Now().UTC(),
		MarketAddr: lg.Address.Hex(),
		BuyYes:     buyYes,
		AmountIn:   amountIn,
		YesReserve: yesReserve,
		NoReserve:  noReserve,
	}, true
}

func decodeMarketCreated(lg types.Log, groupID uint64) (domain.Event, bool) {
	if len(lg.Topics) < 3 {
		return domain.Event{}, false
	}
	if new(big.Int).SetBytes(lg.Topics[1].Bytes()).Uint64() != groupID {
		return domain.Event{}, false
	}

	vals, err := factoryABI.Unpack("MarketCreated", lg.Data)
	if err != nil || len(vals) < 2 {
		slog.Warn("evm: undecodable market-created log", "tx", lg.TxHash.Hex(), "err", err)
		return domain.Event{}, false
	}
	market, ok1 := vals[0].(common.Address)
	cond, ok2 := vals[1].([32]byte)
	if !ok1 || !ok2 {
		return domain.Event{}, false
	}

	return domain.Event{
		Kind:        domain.EventMarketCreated,
		GroupID:     groupID,
		Block:       lg.BlockNumber,
		TxHash:      lg.TxHash.Hex(),
		At:          time.Now().UTC(),
		Participant: common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
		MarketAddr:  market.Hex(),
		ConditionID: common.BytesToHash(cond[:]).Hex(),
	}, true
}
