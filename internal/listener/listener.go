// Package listener tails the escrow contract's event log.
//
// It only produces rows: every matching log becomes a chain.Event for
// the reconciler to interpret. The listener never applies semantics and
// never moves the aggregates itself.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mstollen/peertrade/internal/chain"
	"github.com/mstollen/peertrade/internal/metrics"
	"github.com/mstollen/peertrade/internal/retry"
)

// Escrow contract event signatures.
var (
	sigEscrowCreated = crypto.Keccak256Hash([]byte("EscrowCreated(bytes32,address,address,uint256)"))
	sigFundsLocked   = crypto.Keccak256Hash([]byte("FundsLocked(bytes32,uint256)"))
	sigFundsReleased = crypto.Keccak256Hash([]byte("FundsReleased(bytes32,address)"))
	sigFundsRefunded = crypto.Keccak256Hash([]byte("FundsRefunded(bytes32,address)"))
	sigDisputeOpened = crypto.Keccak256Hash([]byte("DisputeOpened(bytes32,address)"))
)

var topicToName = map[common.Hash]chain.EventName{
	sigEscrowCreated: chain.EventEscrowCreated,
	sigFundsLocked:   chain.EventFundsLocked,
	sigFundsReleased: chain.EventFundsReleased,
	sigFundsRefunded: chain.EventFundsRefunded,
	sigDisputeOpened: chain.EventDisputeOpened,
}

// maxBlockWindow caps one FilterLogs query so a long outage doesn't
// turn into an unbounded RPC request on recovery.
const maxBlockWindow = 5000

// EthClient is the chain access the listener needs. *ethclient.Client
// satisfies it; tests substitute a fake.
type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Config for the escrow event listener.
type Config struct {
	Contract     common.Address
	PollInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 15 * time.Second,
	}
}

// Listener polls for escrow contract events and appends them to the
// event store, advancing the persisted cursor after each window.
type Listener struct {
	client EthClient
	config Config
	events chain.EventStore
	cursor chain.CursorStore
	logger *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// Dial connects an ethclient for the listener.
func Dial(rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	return client, nil
}

// New creates a new escrow event listener.
func New(cfg Config, client EthClient, events chain.EventStore, cursor chain.CursorStore, logger *slog.Logger) *Listener {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Listener{
		client: client,
		config: cfg,
		events: events,
		cursor: cursor,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start begins polling. Call in a goroutine via Run or directly.
func (l *Listener) Start(ctx context.Context) {
	go l.pollLoop(ctx)
}

// Stop stops the listener and waits for the loop to exit.
func (l *Listener) Stop() {
	close(l.stop)
	<-l.done
}

func (l *Listener) pollLoop(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()

	l.logger.Info("escrow listener started",
		"contract", l.config.Contract.Hex(),
		"pollInterval", l.config.PollInterval,
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			if err := l.Poll(ctx); err != nil {
				l.logger.Error("event poll failed", "error", err)
			}
		}
	}
}

// Poll scans one block window for contract events. Exported so tests
// and operator tooling can drive a single scan.
func (l *Listener) Poll(ctx context.Context) error {
	last, err := l.cursor.Get(ctx)
	if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}

	var current uint64
	err = retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		var bErr error
		current, bErr = l.client.BlockNumber(ctx)
		return bErr
	})
	if err != nil {
		return fmt.Errorf("get block number: %w", err)
	}

	if current <= last {
		return nil
	}

	from := last + 1
	to := current
	if to-from > maxBlockWindow {
		to = from + maxBlockWindow
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{l.config.Contract},
		Topics: [][]common.Hash{
			{sigEscrowCreated, sigFundsLocked, sigFundsReleased, sigFundsRefunded, sigDisputeOpened},
		},
	}

	var logs []types.Log
	err = retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		var fErr error
		logs, fErr = l.client.FilterLogs(ctx, query)
		return fErr
	})
	if err != nil {
		return fmt.Errorf("filter logs: %w", err)
	}

	for _, vLog := range logs {
		if err := l.record(ctx, vLog); err != nil {
			// The cursor does not advance past a failed append; the next
			// poll rescans this window. Appends are deduplicated by the
			// reconciler's status guards, so a partial rescan is safe.
			return fmt.Errorf("record event (tx %s): %w", vLog.TxHash.Hex(), err)
		}
	}

	if err := l.cursor.Advance(ctx, to); err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

// record converts one log into an event row.
func (l *Listener) record(ctx context.Context, vLog types.Log) error {
	name, ok := topicToName[vLog.Topics[0]]
	if !ok {
		// Filter should make this unreachable; keep the row anyway so
		// nothing observed is ever dropped.
		name = chain.EventName(vLog.Topics[0].Hex())
	}

	// Topics[1] is the indexed escrow id. A log without it is
	// unroutable: recorded with no escrow reference and surfaced by the
	// event sweep rather than guessed at.
	escrowID := ""
	if len(vLog.Topics) > 1 {
		escrowID = vLog.Topics[1].Hex()
	}

	event := &chain.Event{
		EscrowID:    escrowID,
		Name:        string(name),
		BlockNumber: vLog.BlockNumber,
		LogIndex:    vLog.Index,
		TxHash:      vLog.TxHash.Hex(),
	}
	if err := l.events.Append(ctx, event); err != nil {
		return err
	}
	metrics.ChainEventsRecordedTotal.WithLabelValues(event.Name).Inc()

	l.logger.Debug("recorded contract event",
		"event", event.Name,
		"escrowId", event.EscrowID,
		"block", event.BlockNumber,
		"tx", event.TxHash,
	)
	return nil
}
