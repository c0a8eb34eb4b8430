// Package evm adapts the engine's ledger ports to an EVM chain over JSON-RPC:
// contract reads, the full submit/confirm transaction lifecycle with
// transient/rejected classification, condition settlement, and log polling.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/SecondOrder-fun/probsync/internal/domain"
)

const (
	gasPriceUpdateInterval = 5 * time.Minute
	receiptPollInterval    = 3 * time.Second
)

// Client is the shared RPC connection: one signing key, one nonce sequence,
// one rate limit across every adapter built on it.
type Client struct {
	eth     *ethclient.Client
	limiter *rate.Limiter
	privKey *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	confirm time.Duration

	// nonceMu serializes nonce acquisition through send so concurrent
	// workers never race for the same nonce. Receipt waits happen outside
	// the lock and overlap freely.
	nonceMu sync.Mutex

	gasMu        sync.RWMutex
	cachedGasWei *big.Int
	gasUpdatedAt time.Time
}

// NewClient dials the RPC endpoint and derives the signing address.
// privateKeyHex is accepted with or without the 0x prefix.
func NewClient(rpcURL, privateKeyHex string, chainID int64, rps float64, confirm time.Duration) (*Client, error) {
	privKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("evm.NewClient: invalid private key: %w", err)
	}

	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("evm.NewClient: dial %s: %w", rpcURL, err)
	}

	burst := int(rps)
	if burst < 1 {
		burst = 1
	}

	return &Client{
		eth:     eth,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		privKey: privKey,
		address: crypto.PubkeyToAddress(privKey.PublicKey),
		chainID: big.NewInt(chainID),
		confirm: confirm,
	}, nil
}

// Address returns the engine's signing address.
func (c *Client) Address() string { return c.address.Hex() }

// Close releases the RPC connection.
func (c *Client) Close() { c.eth.Close() }

// call executes a read-only contract method and unpacks the result.
func (c *Client) call(ctx context.Context, to common.Address, cabi abi.ABI, method string, args ...any) ([]any, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("evm: rate limit: %w", err)
	}

	callData, err := cabi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("evm: pack %s: %w", method, err)
	}

	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: callData}, nil)
	if err != nil {
		return nil, fmt.Errorf("evm: call %s: %w", method, err)
	}

	vals, err := cabi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("evm: unpack %s: %w", method, err)
	}
	return vals, nil
}

// transact runs the full lifecycle for one state-changing method: pack,
// nonce, gas, sign, send, wait for the receipt. The returned error carries
// a domain class: transient failures are worth retrying, rejected ones are
// not. The tx hash is returned even when confirmation fails so the audit
// record can reference it.
func (c *Client) transact(ctx context.Context, to common.Address, cabi abi.ABI, fallbackGas uint64, method string, args ...any) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", domain.Transient(fmt.Errorf("evm: rate limit: %w", err))
	}

	callData, err := cabi.Pack(method, args...)
	if err != nil {
		return "", domain.Rejected(fmt.Errorf("evm: pack %s: %w", method, err))
	}

	gasPrice, err := c.gasPrice(ctx)
	if err != nil {
		return "", err
	}

	signed, err := c.signAndSend(ctx, to, callData, gasPrice, fallbackGas, method)
	if err != nil {
		return "", err
	}
	txHash := signed.Hash()
	slog.Debug("evm: transaction sent", "method", method, "to", to.Hex(), "tx", txHash.Hex())

	receiptCtx, cancel := context.WithTimeout(ctx, c.confirm)
	defer cancel()

	receipt, err := c.waitForReceipt(receiptCtx, txHash)
	if err != nil {
		return txHash.Hex(), domain.Transient(fmt.Errorf("evm: %s not confirmed: %w", txHash.Hex(), err))
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return txHash.Hex(), domain.Rejected(fmt.Errorf("evm: tx %s reverted", txHash.Hex()))
	}
	return txHash.Hex(), nil
}

// signAndSend holds the nonce lock from acquisition through send so the
// pending pool always reflects the previous tx before the next nonce query.
func (c *Client) signAndSend(ctx context.Context, to common.Address, callData []byte, gasPrice *big.Int, fallbackGas uint64, method string) (*types.Transaction, error) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	nonce, err := c.eth.PendingNonceAt(ctx, c.address)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("evm: nonce: %w", err))
	}

	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From:     c.address,
		To:       &to,
		GasPrice: gasPrice,
		Data:     callData,
	})
	switch {
	case err == nil:
		// 20% headroom over the estimate
		gasLimit = gasLimit * 12 / 10
	case isRevert(err):
		// the node simulated the call and it cannot succeed
		return nil, domain.Rejected(fmt.Errorf("evm: %s would revert: %w", method, err))
	default:
		gasLimit = fallbackGas
		slog.Warn("evm: gas estimate failed, using fallback", "method", method, "err", err, "limit", fallbackGas)
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, callData)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privKey)
	if err != nil {
		return nil, domain.Rejected(fmt.Errorf("evm: sign: %w", err))
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return nil, classifySend(err)
	}
	return signed, nil
}

// gasPrice returns the suggested price plus a 10% inclusion buffer, cached
// to avoid hitting the RPC on every write.
func (c *Client) gasPrice(ctx context.Context) (*big.Int, error) {
	c.gasMu.RLock()
	cached := c.cachedGasWei
	updatedAt := c.gasUpdatedAt
	c.gasMu.RUnlock()

	if cached != nil && time.Since(updatedAt) < gasPriceUpdateInterval {
		return cached, nil
	}

	price, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		if cached != nil {
			return cached, nil
		}
		return nil, domain.Transient(fmt.Errorf("evm: gas price: %w", err))
	}

	buffered := new(big.Int).Mul(price, big.NewInt(11))
	buffered.Div(buffered, big.NewInt(10))

	c.gasMu.Lock()
	c.cachedGasWei = buffered
	c.gasUpdatedAt = time.Now()
	c.gasMu.Unlock()

	return buffered, nil
}

// waitForReceipt polls until the tx is mined or the context expires.
func (c *Client) waitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := c.eth.TransactionReceipt(ctx, txHash)
			if err != nil {
				continue // not yet mined
			}
			return receipt, nil
		}
	}
}

// blockNumber returns the current head, rate limited.
func (c *Client) blockNumber(ctx context.Context) (uint64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("evm: rate limit: %w", err)
	}
	return c.eth.BlockNumber(ctx)
}

// filterLogs queries a block range, rate limited.
func (c *Client) filterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("evm: rate limit: %w", err)
	}
	return c.eth.FilterLogs(ctx, q)
}

// classifySend maps a node's send error onto the retry taxonomy. JSON-RPC
// gives no structured codes for these, so this is the one place strings are
// inspected; everything downstream branches on errors.Is.
func classifySend(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "execution reverted"),
		strings.Contains(msg, "invalid sender"),
		strings.Contains(msg, "exceeds block gas limit"):
		return domain.Rejected(fmt.Errorf("evm: send: %w", err))
	default:
		// nonce races, congestion, connectivity
		return domain.Transient(fmt.Errorf("evm: send: %w", err))
	}
}

func isRevert(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "revert")
}
