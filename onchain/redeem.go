package onchain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// REDEEMER - Collects settlement winnings on-chain
// ═══════════════════════════════════════════════════════════════════════════════
//
// Shares held through resolution pay out via the conditional tokens contract,
// not the CLOB. The redeemer queues the condition ID of every position that
// settles in the money and sweeps the queue on an hourly cadence, calling
// redeemPositions for each one.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	// Polygon mainnet
	chainID                  = 137
	conditionalTokensAddress = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"
	usdcAddress              = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"

	sweepInterval = 1 * time.Hour
)

// redeemABI is the slice of the conditional tokens interface the redeemer needs
const redeemABI = `[
	{
		"inputs": [
			{"name": "collateralToken", "type": "address"},
			{"name": "parentCollectionId", "type": "bytes32"},
			{"name": "conditionId", "type": "bytes32"},
			{"name": "indexSets", "type": "uint256[]"}
		],
		"name": "redeemPositions",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [{"name": "conditionId", "type": "bytes32"}],
		"name": "payoutDenominator",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

// Redeemer sweeps resolved positions for their settlement value
type Redeemer struct {
	client     *ethclient.Client
	privateKey *ecdsa.PrivateKey
	from       common.Address
	ctf        common.Address
	collateral common.Address
	ctfABI     abi.ABI

	// The queue lives in memory only: conditions enqueued but not yet
	// redeemed are lost on restart. Payouts never expire on-chain, so a
	// dropped condition stays redeemable and can be re-enqueued or swept
	// manually.
	mu      sync.Mutex
	pending map[string]bool

	stopCh  chan struct{}
	running bool
}

// NewRedeemer connects to the Polygon RPC endpoint
func NewRedeemer(rpcURL, privateKeyHex string) (*Redeemer, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("onchain: dial rpc: %w", err)
	}

	pk, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("onchain: invalid private key: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(redeemABI))
	if err != nil {
		return nil, fmt.Errorf("onchain: parse abi: %w", err)
	}

	return &Redeemer{
		client:     client,
		privateKey: pk,
		from:       crypto.PubkeyToAddress(pk.PublicKey),
		ctf:        common.HexToAddress(conditionalTokensAddress),
		collateral: common.HexToAddress(usdcAddress),
		ctfABI:     parsed,
		pending:    make(map[string]bool),
		stopCh:     make(chan struct{}),
	}, nil
}

// Enqueue marks a resolved condition for the next sweep
func (r *Redeemer) Enqueue(conditionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[conditionID] = true
}

// Start launches the hourly sweep loop
func (r *Redeemer) Start(ctx context.Context) {
	if r.running {
		return
	}
	r.running = true

	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(ctx)
			}
		}
	}()

	log.Info().Str("address", r.from.Hex()).Msg("🏦 Redeemer started")
}

// Stop halts the sweep loop
func (r *Redeemer) Stop() {
	if !r.running {
		return
	}
	r.running = false
	close(r.stopCh)
}

// Sweep redeems every queued condition. Conditions the oracle has not paid
// out yet stay in the queue for the next pass.
func (r *Redeemer) Sweep(ctx context.Context) {
	r.mu.Lock()
	queue := make([]string, 0, len(r.pending))
	for id := range r.pending {
		queue = append(queue, id)
	}
	r.mu.Unlock()

	if len(queue) == 0 {
		return
	}
	log.Info().Int("queued", len(queue)).Msg("🏦 Redeeming settled positions")

	for _, conditionID := range queue {
		settled, err := r.conditionSettled(ctx, conditionID)
		if err != nil {
			log.Warn().Str("condition", conditionID).Err(err).Msg("Payout check failed")
			continue
		}
		if !settled {
			continue
		}

		txHash, err := r.redeem(ctx, conditionID)
		if err != nil {
			log.Warn().Str("condition", conditionID).Err(err).Msg("⚠️ Redeem failed")
			continue
		}

		log.Info().
			Str("condition", conditionID).
			Str("tx", txHash.Hex()).
			Msg("💰 Winnings redeemed")

		r.mu.Lock()
		delete(r.pending, conditionID)
		r.mu.Unlock()
	}
}

// conditionSettled reports whether the oracle has published payouts
func (r *Redeemer) conditionSettled(ctx context.Context, conditionID string) (bool, error) {
	data, err := r.ctfABI.Pack("payoutDenominator", common.HexToHash(conditionID))
	if err != nil {
		return false, err
	}

	result, err := r.client.CallContract(ctx, ethereum.CallMsg{
		To:   &r.ctf,
		Data: data,
	}, nil)
	if err != nil {
		return false, err
	}

	out, err := r.ctfABI.Unpack("payoutDenominator", result)
	if err != nil {
		return false, err
	}
	denominator, ok := out[0].(*big.Int)
	if !ok {
		return false, fmt.Errorf("onchain: unexpected payoutDenominator type %T", out[0])
	}
	return denominator.Sign() > 0, nil
}

// redeem sends the redeemPositions transaction for both index sets
func (r *Redeemer) redeem(ctx context.Context, conditionID string) (common.Hash, error) {
	condition := common.HexToHash(conditionID)
	if condition == (common.Hash{}) {
		return common.Hash{}, fmt.Errorf("onchain: invalid condition id %q", conditionID)
	}

	// Binary markets always hang off the root collection
	parentCollectionID := common.Hash{}
	indexSets := []*big.Int{big.NewInt(1), big.NewInt(2)}

	data, err := r.ctfABI.Pack("redeemPositions", r.collateral, parentCollectionID, condition, indexSets)
	if err != nil {
		return common.Hash{}, fmt.Errorf("onchain: pack redeemPositions: %w", err)
	}

	nonce, err := r.client.PendingNonceAt(ctx, r.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("onchain: nonce: %w", err)
	}

	gasPrice, err := r.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("onchain: gas price: %w", err)
	}

	gasLimit, err := r.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  r.from,
		To:    &r.ctf,
		Data:  data,
		Value: big.NewInt(0),
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("onchain: estimate gas: %w", err)
	}

	tx := ethtypes.NewTransaction(nonce, r.ctf, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(big.NewInt(chainID)), r.privateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("onchain: sign: %w", err)
	}

	if err := r.client.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("onchain: send: %w", err)
	}
	return signedTx.Hash(), nil
}
