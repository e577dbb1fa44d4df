package escrowd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"marketescrow/native/amount"
	"marketescrow/native/escrow"
	"marketescrow/native/escrow/simulated"
	"marketescrow/services/escrowd/evmledger"
	"marketescrow/services/escrowd/publish"
	"marketescrow/services/escrowd/store"
)

// persistence is the record store backing the daemon.
type persistence interface {
	escrow.RecordStore
	escrow.CursorStore
	CandidateSource
}

// Daemon holds the wired components of escrowd.
type Daemon struct {
	cfg      Config
	logger   *slog.Logger
	Engine   *escrow.Engine
	Ledger   escrow.Ledger
	Server   *Server
	Sweeper  *Sweeper
	Syncer   *escrow.Syncer
	operator escrow.Signer
	closers  []io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Build wires every component described by cfg.
func Build(ctx context.Context, cfg Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = d.Close()
		}
	}()

	operator, err := cfg.Ledger.LoadSigner()
	if err != nil {
		return nil, fmt.Errorf("load operator signer: %w", err)
	}
	d.operator = operator

	ledger, ledgerHealth, err := d.buildLedger(ctx)
	if err != nil {
		return nil, err
	}
	d.Ledger = ledger

	persisted, recordStore, storeHealth, err := d.buildStore(ctx)
	if err != nil {
		return nil, err
	}

	var emitter escrow.Emitter = escrow.NoopEmitter{}
	if len(cfg.Kafka.Brokers) > 0 {
		writer, err := publish.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return nil, err
		}
		kafkaEmitter := publish.NewKafkaEmitter(writer, cfg.Kafka.Topic, logger)
		d.closers = append(d.closers, kafkaEmitter)
		emitter = kafkaEmitter
	}

	retry := cfg.Escrow.Retry.Policy()
	coordinator := escrow.NewCoordinator(
		escrow.WithGasMargin(cfg.Escrow.GasMarginBps),
		escrow.WithPollInterval(cfg.Escrow.PollInterval.Duration),
		escrow.WithConfirmTimeout(cfg.Escrow.ConfirmTimeout.Duration),
		escrow.WithRetryPolicy(retry),
		escrow.WithCoordinatorLogger(logger),
	)
	engine, err := escrow.NewEngine(recordStore,
		escrow.WithCoordinator(coordinator),
		escrow.WithEmitter(emitter),
		escrow.WithFeeBps(cfg.Escrow.FeeBps),
		escrow.WithDeliveryDays(cfg.Escrow.DeliveryDays),
		escrow.WithDisputeWindow(cfg.Escrow.DisputeWindow.Duration),
		escrow.WithEngineConfirmTimeout(cfg.Escrow.ConfirmTimeout.Duration),
		escrow.WithReadRetry(retry),
		escrow.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	d.Engine = engine

	opts := []ServerOption{
		WithRateLimiter(NewRateLimiter(cfg.RateLimit)),
		WithServerLogger(logger),
		WithOperatorTimeout(cfg.Escrow.ConfirmTimeout.Duration),
		WithHealthCheck(func(ctx context.Context) error {
			return errors.Join(ledgerHealth(ctx), storeHealth(ctx))
		}),
	}
	if operator != nil {
		opts = append(opts, WithOperator(operator))
	}
	if auth := NewAuthenticator(cfg.Auth, logger); auth != nil {
		opts = append(opts, WithAuthenticator(auth))
	}
	d.Server = NewServer(engine, ledger, amount.NewCodec(cfg.Escrow.Decimals), opts...)

	if cfg.Sweeper.Enabled {
		d.Sweeper = NewSweeper(engine, persisted, escrow.Session{Ledger: ledger, Signer: operator}, cfg.Sweeper, logger)
	}
	if cfg.Sync.Enabled {
		d.Syncer = escrow.NewSyncer(engine, escrow.Session{Ledger: ledger}, persisted,
			escrow.WithSyncInterval(cfg.Sync.Interval.Duration),
			escrow.WithSyncBatch(cfg.Sync.BatchSize),
			escrow.WithSyncLogger(logger),
		)
	}
	ok = true
	return d, nil
}

func (d *Daemon) buildLedger(ctx context.Context) (escrow.Ledger, func(context.Context) error, error) {
	cfg := d.cfg.Ledger
	switch cfg.Mode {
	case "simulated":
		opts := []simulated.Option{
			simulated.WithFeeBps(d.cfg.Escrow.FeeBps),
			simulated.WithDisputeWindow(d.cfg.Escrow.DisputeWindow.Duration),
		}
		if common.IsHexAddress(cfg.Resolver) {
			opts = append(opts, simulated.WithResolver(common.HexToAddress(cfg.Resolver)))
		}
		if common.IsHexAddress(cfg.Platform) {
			opts = append(opts, simulated.WithPlatform(common.HexToAddress(cfg.Platform)))
		}
		d.logger.Warn("using in-process simulated ledger", slog.String("component", "ledger"))
		return simulated.New(opts...), func(context.Context) error { return nil }, nil
	default:
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		ledger, client, err := evmledger.Dial(dialCtx, cfg.RPCURL, cfg.ChainID, cfg.ContractAddress)
		if err != nil {
			return nil, nil, err
		}
		d.closers = append(d.closers, closerFunc(func() error { client.Close(); return nil }))
		health := func(ctx context.Context) error {
			if _, err := client.BlockNumber(ctx); err != nil {
				return fmt.Errorf("%w: %v", escrow.ErrLedgerUnavailable, err)
			}
			return nil
		}
		return ledger, health, nil
	}
}

func (d *Daemon) buildStore(ctx context.Context) (persistence, escrow.RecordStore, func(context.Context) error, error) {
	var persisted persistence
	health := func(context.Context) error { return nil }
	switch d.cfg.Store.Driver {
	case "memory":
		persisted = escrow.NewMemoryStore()
	default:
		sqlStore, err := store.Open(d.cfg.Store.Driver, d.cfg.Store.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		d.closers = append(d.closers, closerFunc(sqlStore.Close))
		persisted = sqlStore
		health = sqlStore.Ping
	}
	var recordStore escrow.RecordStore = persisted
	if url := d.cfg.Cache.RedisURL; url != "" {
		client, err := store.Connect(ctx, url)
		if err != nil {
			return nil, nil, nil, err
		}
		d.closers = append(d.closers, client)
		recordStore = store.NewCachedStore(persisted, client, d.cfg.Cache.TTL.Duration, d.logger)
		storeHealth := health
		health = func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				d.logger.Warn("redis cache unreachable", slog.Any("error", err))
			}
			return storeHealth(ctx)
		}
	}
	return persisted, recordStore, health, nil
}

// Run serves HTTP and runs the background loops until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              d.cfg.ListenAddress,
		Handler:           d.Server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      d.cfg.Escrow.ConfirmTimeout.Duration + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if d.Sweeper != nil {
		go d.Sweeper.Run(ctx)
	}
	if d.Syncer != nil {
		go d.drainLedgerEvents(d.Syncer.Subscribe(64))
		go d.Syncer.Run(ctx)
	}

	errs := make(chan error, 1)
	go func() {
		d.logger.Info("escrowd listening", slog.String("address", d.cfg.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (d *Daemon) drainLedgerEvents(events <-chan escrow.LedgerEvent) {
	for evt := range events {
		d.logger.Debug("ledger event applied",
			slog.String("component", "sync"),
			slog.String("type", evt.Type),
			slog.Uint64("escrow_id", uint64(evt.EscrowID)),
			slog.Uint64("sequence", evt.Sequence),
			slog.String("tx_ref", evt.TxRef.Hex()))
	}
}

// Close releases every external connection in reverse order.
func (d *Daemon) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}
