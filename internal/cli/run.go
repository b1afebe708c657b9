package cli

import (
	"context"
	"database/sql"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/flemmerz/NiMu/internal/core"
	"github.com/flemmerz/NiMu/internal/event"
	"github.com/flemmerz/NiMu/internal/ingestion"
	"github.com/flemmerz/NiMu/internal/ledger"
	"github.com/flemmerz/NiMu/internal/observability"
	"github.com/flemmerz/NiMu/internal/persistence"
	"github.com/flemmerz/NiMu/internal/projection"
	"github.com/flemmerz/NiMu/internal/query"
	"github.com/flemmerz/NiMu/internal/server"
	"github.com/flemmerz/NiMu/internal/state"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the protocol node",
	Long: `Run starts the full node: it recovers in-memory state from the latest
snapshot plus event replay, subscribes to the NATS ingestion subjects, and
serves the read API alongside the metrics and health endpoints.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runNode(cmd.Context())
	},
}

func runNode(parent context.Context) error {
	cfg := getConfig()
	logger := rootLogger("nimud")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("postgres connected")

	if cfg.Database.MigrateOnStart {
		migrator := persistence.NewMigrator(db, cfg.Database.MigrationsPath, rootLogger("migrate"))
		if err := migrator.Up(ctx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	snapMgr := persistence.NewSnapshotManager(db)

	// --- Recovery: load snapshot + replay ---
	startSequence := int64(0)

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("snapshot load failed, full replay from sequence 0")
	}
	if snap != nil {
		startSequence = snap.Sequence + 1
		logger.Info().Int64("sequence", snap.Sequence).Msg("snapshot loaded")
	} else {
		logger.Info().Msg("no snapshot found, cold start from sequence 0")
	}

	// --- Channels ---
	// Persist channel blocks (backpressure), projection channel drops.
	persistCoreChan := make(chan core.CoreOutput, cfg.Core.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.Core.ProjectionChanSize)

	// Bridge channels for the workers (avoids an import cycle)
	persistWorkerChan := make(chan persistence.CoreOutput, cfg.Core.PersistChanSize)
	projectionWorkerChan := make(chan projection.ProjectionOutput, cfg.Core.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, 4096)

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Protocol core ---
	governors, err := cfg.Core.GovernorIDs()
	if err != nil {
		return err
	}

	protocolCore := core.NewProtocolCore(
		startSequence,
		persistCoreChan,
		projectionCoreChan,
		persistence.NewPostgresIdempotencyChecker(db),
		metrics,
		rootLogger("core"),
		governors,
	)

	// Pre-genesis parameter seed. Applied before restore and replay so that
	// persisted params and logged ParamsUpdate events override it in the
	// same order on every boot.
	protocolCore.SeedParams(state.ProtocolParams{
		MinimumCapitalRequirement: cfg.Core.MinimumCapital,
	})

	if snap != nil {
		if err := restoreCoreState(protocolCore, snap, logger); err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
		if len(snap.IdempotencyKeys) > 0 {
			protocolCore.WarmLRU(snap.IdempotencyKeys)
			logger.Info().Int("keys", len(snap.IdempotencyKeys)).Msg("idempotency LRU warmed")
		}
	}

	// --- Event replay ---
	replayStart := time.Now()
	replayCount, err := replayEvents(ctx, snapMgr, protocolCore, startSequence, persistCoreChan, projectionCoreChan, rootLogger("replay"))
	if err != nil {
		return fmt.Errorf("event replay: %w", err)
	}
	if replayCount > 0 {
		logger.Info().
			Int64("events", replayCount).
			Int64("sequence", protocolCore.GetSequence()).
			Dur("elapsed", time.Since(replayStart)).
			Msg("event replay complete")
	}
	metrics.ReplayEventsTotal.Add(float64(replayCount))
	metrics.ReplayDuration.Set(time.Since(replayStart).Seconds())

	// --- State hash verification ---
	// A restore with nothing to replay must land exactly on the snapshot
	// hash; anything else means the snapshot and the log disagree.
	if snap != nil && replayCount == 0 {
		var expected [32]byte
		copy(expected[:], snap.StateHash)
		if actual := protocolCore.GetStateHash(); actual != expected {
			return fmt.Errorf("state hash mismatch after restore: expected %x, got %x", expected, actual)
		}
		logger.Info().Msg("state hash verified after snapshot restore")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()
	logger.Info().Str("url", cfg.NATS.URL).Msg("nats connected")

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		return fmt.Errorf("ensure nats streams: %w", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		return fmt.Errorf("ensure outbound stream: %w", err)
	}

	rawEventChan := make(chan ingestion.RawEvent, 4096)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawEventChan)
	if err := natsSubscriber.Subscribe(runCtx, ingestion.DefaultSubjects()); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	outboundPublisher := ingestion.NewOutboundPublisher(js, publishChan)

	// --- Read API + ops endpoints ---
	queryService := query.NewQueryService(sqlx.NewDb(db, "postgres"), cfg.Core.MinimumCapital)

	app := fiber.New(fiber.Config{AppName: cfg.App.Name})
	app.Use(func(c fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		route := c.Route().Path
		metrics.QueryRequests.WithLabelValues(route, strconv.Itoa(c.Response().StatusCode())).Inc()
		metrics.QueryDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		return err
	})
	server.NewHandler(queryService, rootLogger("http")).Register(app)

	opsServer := server.NewOpsServer(cfg.Ops.Addr, healthChecker, rootLogger("ops"))

	// --- Goroutines ---
	errChan := make(chan error, 10)

	// 1. Persistence worker
	persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan, cfg.Core.PersistBatchSize, cfg.Core.PersistFlushTimeout, metrics)
	go func() {
		errChan <- persistWorker.Run(runCtx)
	}()

	// 2. Projection worker
	projWorker := projection.NewProjectionWorker(db, projectionWorkerChan, rootLogger("projection"))
	go func() {
		errChan <- projWorker.Run(runCtx)
	}()

	// 3. Outbound publisher
	go func() {
		errChan <- outboundPublisher.Run(runCtx)
	}()

	// 4. Core output bridge: core.CoreOutput → worker + publish formats.
	// bridgeDone gates channel close during shutdown: the worker channels
	// may only be closed once the bridge can no longer send on them.
	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		bridgeCoreOutputs(runCtx, persistCoreChan, projectionCoreChan, persistWorkerChan, projectionWorkerChan, publishChan, metrics, rootLogger("bridge"))
	}()

	// 5. NATS → core ingestion loop
	go runIngestionLoop(runCtx, rawEventChan, protocolCore, rootLogger("ingest"))

	// 6. Read API
	go func() {
		logger.Info().Str("addr", cfg.HTTP.Addr).Msg("api server listening")
		if err := app.Listen(cfg.HTTP.Addr); err != nil {
			errChan <- fmt.Errorf("api server: %w", err)
		}
	}()

	// 7. Metrics + health probes
	go func() {
		errChan <- opsServer.Start(runCtx)
	}()

	// 8. Periodic snapshots
	go runPeriodicSnapshots(runCtx, protocolCore, snapMgr, cfg.Core.SnapshotInterval, metrics, rootLogger("snapshot"))

	// 9. Channel occupancy gauges
	go runChannelMonitor(runCtx, metrics, persistCoreChan, projectionCoreChan, publishChan)

	healthChecker.SetReady(true)
	logger.Info().
		Int64("sequence", protocolCore.GetSequence()).
		Str("api", cfg.HTTP.Addr).
		Str("ops", cfg.Ops.Addr).
		Msg("node ready")

	// --- Wait for shutdown ---
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errChan:
		logger.Error().Err(err).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake first, let the bridge wind down, then close the worker
	// channels so the workers flush and exit. Only then snapshot: the final
	// snapshot covers applied events whose rows never reached the log.
	cancel()
	natsSubscriber.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	<-bridgeDone
	close(persistWorkerChan)
	close(projectionWorkerChan)
	close(publishChan)

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("api server shutdown")
	}

	if err := takeSnapshot(shutdownCtx, protocolCore, snapMgr, metrics); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Msg("final snapshot saved")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

// bridgeCoreOutputs converts core outputs into the persistence, projection,
// and outbound publish formats. The persist path must not lose events, so
// its send blocks; projection and publish sends drop when full.
func bridgeCoreOutputs(
	ctx context.Context,
	persistIn <-chan core.CoreOutput,
	projectionIn <-chan core.CoreOutput,
	persistOut chan<- persistence.CoreOutput,
	projectionOut chan<- projection.ProjectionOutput,
	publishOut chan<- ingestion.PublishableEvent,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return

		case output, ok := <-persistIn:
			if !ok {
				return
			}

			env := output.Envelope

			var cellID *string
			if env.CellID != nil {
				s := *env.CellID
				cellID = &s
			}

			pOutput := persistence.CoreOutput{
				EventRow: persistence.EventRow{
					Sequence:       env.Sequence,
					EventType:      env.EventType.String(),
					IdempotencyKey: env.IdempotencyKey,
					CellID:         cellID,
					Payload:        env.Payload,
					StateHash:      env.StateHash[:],
					PrevHash:       env.PrevHash[:],
					Timestamp:      env.Timestamp,
					SourceSequence: env.SourceSequence,
				},
			}

			if output.Batch != nil {
				for _, j := range output.Batch.Journals {
					pOutput.JournalRows = append(pOutput.JournalRows, persistence.JournalRow{
						JournalID:     j.JournalID.String(),
						BatchID:       j.BatchID.String(),
						EventRef:      j.EventRef,
						Sequence:      j.Sequence,
						DebitAccount:  j.DebitAccount.AccountPath(),
						CreditAccount: j.CreditAccount.AccountPath(),
						AssetID:       uint16(j.AssetID),
						Amount:        j.Amount,
						JournalType:   int32(j.JournalType),
						Timestamp:     j.Timestamp,
					})
				}
			}

			select {
			case persistOut <- pOutput:
			case <-ctx.Done():
				return
			}

			// Announce the applied command downstream. One command can map
			// to several protocol event kinds.
			for _, kind := range protocolEventKinds(env) {
				select {
				case publishOut <- ingestion.PublishableEvent{
					Sequence:       env.Sequence,
					EventType:      kind,
					IdempotencyKey: env.IdempotencyKey,
					CellID:         cellID,
					Payload:        env.Payload,
					StateHash:      env.StateHash[:],
					Timestamp:      env.Timestamp,
					ClaimNumber:    output.ClaimNumber,
				}:
				default:
					metrics.PublishDrops.Inc()
				}
			}

		case output, ok := <-projectionIn:
			if !ok {
				return
			}

			env := output.Envelope

			var cellID *string
			if env.CellID != nil {
				s := *env.CellID
				cellID = &s
			}

			pOutput := projection.ProjectionOutput{
				Sequence:    env.Sequence,
				EventType:   env.EventType,
				CellID:      cellID,
				Payload:     env.Payload,
				Timestamp:   env.Timestamp.UnixMicro(),
				ClaimNumber: output.ClaimNumber,
			}

			if output.Batch != nil {
				for _, j := range output.Batch.Journals {
					pOutput.JournalEntries = append(pOutput.JournalEntries, projection.JournalEntry{
						DebitAccount:  j.DebitAccount.AccountPath(),
						CreditAccount: j.CreditAccount.AccountPath(),
						AssetID:       uint16(j.AssetID),
						Amount:        j.Amount,
						JournalType:   int32(j.JournalType),
					})
				}
			}

			select {
			case projectionOut <- pOutput:
			default:
				// Dropped; rebuild catches projections up from the log
				metrics.ProjectionDrops.WithLabelValues("bridge").Inc()
			}
		}
	}
}

// protocolEventKinds maps an applied command to the protocol event kinds
// announced on the outbound stream. Kinds are past-tense facts; the inbound
// command names stay internal.
func protocolEventKinds(env *event.EventEnvelope) []string {
	switch env.EventType {
	case event.EventTypeDeposit:
		return []string{"Deposited"}
	case event.EventTypeWithdrawal:
		// Capital leaving the protocol announces differently from utility
		// withdrawals, so peel the asset out of the payload.
		if evt, err := event.DecodePayload(event.EventTypeWithdrawal, env.Payload); err == nil {
			if w, ok := evt.(*event.Withdrawal); ok {
				if id, known := ledger.GetAssetID(w.Asset); known && id == ledger.AssetNMC {
					return []string{"CapitalWithdrawn"}
				}
			}
		}
		return []string{"Withdrawn"}
	case event.EventTypeStake:
		return []string{"Staked"}
	case event.EventTypeUnstake:
		return []string{"Unstaked"}
	case event.EventTypeRewardDistribution:
		return []string{"RewardDistributed"}
	case event.EventTypeCapitalContribution:
		return []string{"CapitalContributed"}
	case event.EventTypePolicyPurchase:
		// A purchase both writes the policy and burns the premium.
		return []string{"PolicyPurchased", "PremiumPaid"}
	case event.EventTypeClaimSubmit:
		return []string{"ClaimSubmitted"}
	case event.EventTypeClaimDecision:
		return []string{"ClaimProcessed"}
	case event.EventTypeCellAuthorization:
		return []string{"CellAuthorized"}
	case event.EventTypeCellRevocation:
		return []string{"CellRevoked"}
	case event.EventTypeParamsUpdate:
		return []string{"ParamsUpdated"}
	case event.EventTypeRoleGrant:
		return []string{"RoleGranted"}
	case event.EventTypeRoleRevoke:
		return []string{"RoleRevoked"}
	default:
		return nil
	}
}

// runIngestionLoop reads raw events from NATS and feeds them to the core.
// The shell validates, parses, and converts raw events; the core never sees
// malformed input.
func runIngestionLoop(ctx context.Context, rawChan <-chan ingestion.RawEvent, protocolCore *core.ProtocolCore, logger zerolog.Logger) {
	// Subjects use the ">" wildcard, so resolve event types by matching the
	// longest configured prefix.
	subjectToType := make(map[string]string)
	for _, cfg := range ingestion.DefaultSubjects() {
		prefix := cfg.Subject
		if len(prefix) > 2 && prefix[len(prefix)-2:] == ".>" {
			prefix = prefix[:len(prefix)-2]
		}
		subjectToType[prefix] = cfg.EventType
	}

	// Messages are acked after the typed-channel send, not after core
	// processing. AckWait then cannot expire during slow core processing,
	// and backpressure propagates to NATS through channel blocking.
	typedEventChan := make(chan event.Event, 4096)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-rawChan:
				if !ok {
					close(typedEventChan)
					return
				}

				eventType := resolveEventType(raw.Subject, subjectToType)
				if eventType == "" {
					logger.Warn().Str("subject", raw.Subject).Msg("unknown subject")
					raw.AckFunc() // ack to avoid a redelivery loop
					continue
				}

				evt, err := ingestion.ParseRawEvent(raw, eventType)
				if err != nil {
					logger.Warn().Err(err).Str("subject", raw.Subject).Msg("event parse failed")
					raw.AckFunc() // invalid events are acked but never forwarded
					continue
				}

				select {
				case typedEventChan <- evt:
					raw.AckFunc() // ack AFTER the channel accepts the event
				case <-ctx.Done():
					raw.NakFunc()
					return
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-typedEventChan:
			if !ok {
				return
			}

			if err := protocolCore.ProcessEvent(evt); err != nil {
				// Already acked; duplicates and sequence rejections end here
				logger.Error().
					Err(err).
					Str("event_type", evt.EventType().String()).
					Str("idempotency_key", evt.IdempotencyKey()).
					Msg("core rejected event")
			}
		}
	}
}

// resolveEventType finds the event type for a NATS subject by longest
// matching prefix.
func resolveEventType(subject string, prefixMap map[string]string) string {
	bestMatch := ""
	bestType := ""
	for prefix, evtType := range prefixMap {
		if len(subject) >= len(prefix) && subject[:len(prefix)] == prefix {
			if len(prefix) > len(bestMatch) {
				bestMatch = prefix
				bestType = evtType
			}
		}
	}
	return bestType
}

// replayEvents feeds logged events back through the core to rebuild
// in-memory state. Replay happens before the workers start, so a drain
// goroutine discards core outputs for its duration: replayed events are
// already persisted, and projections never reapply history (their deltas
// would double-count; catch-up is the rebuild command's job).
func replayEvents(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	protocolCore *core.ProtocolCore,
	fromSequence int64,
	persistChan, projectionChan chan core.CoreOutput,
	logger zerolog.Logger,
) (int64, error) {
	drainStop := make(chan struct{})
	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		for {
			select {
			case <-drainStop:
				return
			case <-persistChan:
			case <-projectionChan:
			}
		}
	}()
	defer func() {
		close(drainStop)
		<-drainDone
		// The core is idle now; clear whatever the drainer left behind
		for len(persistChan) > 0 {
			<-persistChan
		}
		for len(projectionChan) > 0 {
			<-projectionChan
		}
	}()

	const batchSize = 1000
	var totalReplayed int64

	for {
		events, err := snapMgr.LoadEventsFrom(ctx, fromSequence, batchSize)
		if err != nil {
			return totalReplayed, fmt.Errorf("load events from seq %d: %w", fromSequence, err)
		}
		if len(events) == 0 {
			break
		}

		for _, row := range events {
			// The stored payload is the typed event's own encoding, so it
			// decodes directly; the NATS wire parser never runs here.
			et := event.ParseEventType(row.EventType)
			if et == event.EventTypeUnknown {
				logger.Warn().Int64("sequence", row.Sequence).Str("event_type", row.EventType).Msg("skip unknown event type")
				continue
			}

			evt, err := event.DecodePayload(et, row.Payload)
			if err != nil {
				logger.Warn().Err(err).Int64("sequence", row.Sequence).Msg("skip undecodable event")
				continue
			}

			if err := protocolCore.ProcessEvent(evt); err != nil {
				// Duplicates and sequence rejections are routine during replay
				logger.Debug().Err(err).Int64("sequence", row.Sequence).Msg("replay skip")
			}

			totalReplayed++
		}

		fromSequence = events[len(events)-1].Sequence + 1
	}

	return totalReplayed, nil
}

// restoreCoreState rebuilds the core's in-memory state from a stored
// snapshot. Snapshots are written by this process, so any parse failure
// means corruption and refuses the boot.
func restoreCoreState(protocolCore *core.ProtocolCore, snap *persistence.SnapshotData, logger zerolog.Logger) error {
	coreSnap := &core.SnapshotState{
		Sequence:        snap.Sequence,
		Balances:        make(map[ledger.AccountKey]int64, len(snap.Balances)),
		Policies:        make([]*state.Policy, 0, len(snap.Policies)),
		Claims:          make([]*state.Claim, 0, len(snap.Claims)),
		ClaimCounters:   make(map[uuid.UUID]int64, len(snap.ClaimCounters)),
		Cells:           make([]*state.Cell, 0, len(snap.Cells)),
		RoleGrants:      make([]state.RoleKey, 0, len(snap.RoleGrants)),
		Params:          state.ProtocolParams{MinimumCapitalRequirement: snap.Params.MinimumCapitalRequirement},
		StakedSince:     make(map[uuid.UUID]int64, len(snap.StakedSince)),
		SequenceState:   snap.SequenceState,
		IdempotencyKeys: snap.IdempotencyKeys,
	}
	copy(coreSnap.StateHash[:], snap.StateHash)
	copy(coreSnap.PrevHash[:], snap.PrevHash)

	for path, balance := range snap.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return fmt.Errorf("snapshot balance %q: %w", path, err)
		}
		coreSnap.Balances[key] = balance
	}

	for _, ps := range snap.Policies {
		policy, err := policyFromSnapshot(ps)
		if err != nil {
			return err
		}
		coreSnap.Policies = append(coreSnap.Policies, policy)
	}

	for _, cs := range snap.Claims {
		claim, err := claimFromSnapshot(cs)
		if err != nil {
			return err
		}
		coreSnap.Claims = append(coreSnap.Claims, claim)
	}

	for cellStr, next := range snap.ClaimCounters {
		cellID, err := uuid.Parse(cellStr)
		if err != nil {
			return fmt.Errorf("snapshot claim counter cell %q: %w", cellStr, err)
		}
		coreSnap.ClaimCounters[cellID] = next
	}

	for _, cs := range snap.Cells {
		cell, err := cellFromSnapshot(cs)
		if err != nil {
			return err
		}
		coreSnap.Cells = append(coreSnap.Cells, cell)
	}

	for _, rg := range snap.RoleGrants {
		identityID, err := uuid.Parse(rg.IdentityID)
		if err != nil {
			return fmt.Errorf("snapshot role grant identity %q: %w", rg.IdentityID, err)
		}
		coreSnap.RoleGrants = append(coreSnap.RoleGrants, state.RoleKey{IdentityID: identityID, Role: rg.Role})
	}

	for memberStr, since := range snap.StakedSince {
		memberID, err := uuid.Parse(memberStr)
		if err != nil {
			return fmt.Errorf("snapshot staked_since member %q: %w", memberStr, err)
		}
		coreSnap.StakedSince[memberID] = since
	}

	protocolCore.RestoreFromSnapshot(coreSnap)
	logger.Info().
		Int64("sequence", snap.Sequence).
		Int("balances", len(coreSnap.Balances)).
		Int("policies", len(coreSnap.Policies)).
		Int("claims", len(coreSnap.Claims)).
		Int("cells", len(coreSnap.Cells)).
		Msg("state restored from snapshot")
	return nil
}

func policyFromSnapshot(ps persistence.PolicySnapshot) (*state.Policy, error) {
	policyID, err := uuid.Parse(ps.PolicyID)
	if err != nil {
		return nil, fmt.Errorf("snapshot policy id %q: %w", ps.PolicyID, err)
	}
	memberID, err := uuid.Parse(ps.MemberID)
	if err != nil {
		return nil, fmt.Errorf("snapshot policy member %q: %w", ps.MemberID, err)
	}
	cellID, err := uuid.Parse(ps.CellID)
	if err != nil {
		return nil, fmt.Errorf("snapshot policy cell %q: %w", ps.CellID, err)
	}
	return &state.Policy{
		PolicyID:  policyID,
		MemberID:  memberID,
		Cell:      cellID,
		Coverage:  ps.Coverage,
		Premium:   ps.Premium,
		StartTime: ps.StartTime,
		EndTime:   ps.EndTime,
		Version:   ps.Version,
	}, nil
}

func claimFromSnapshot(cs persistence.ClaimSnapshot) (*state.Claim, error) {
	cellID, err := uuid.Parse(cs.CellID)
	if err != nil {
		return nil, fmt.Errorf("snapshot claim cell %q: %w", cs.CellID, err)
	}
	policyID, err := uuid.Parse(cs.PolicyID)
	if err != nil {
		return nil, fmt.Errorf("snapshot claim policy %q: %w", cs.PolicyID, err)
	}
	memberID, err := uuid.Parse(cs.MemberID)
	if err != nil {
		return nil, fmt.Errorf("snapshot claim member %q: %w", cs.MemberID, err)
	}
	return &state.Claim{
		Cell:                 cellID,
		ClaimNumber:          cs.ClaimNumber,
		PolicyID:             policyID,
		MemberID:             memberID,
		Amount:               cs.Amount,
		CoverageAtSubmission: cs.CoverageAtSubmission,
		PayoutAmount:         cs.PayoutAmount,
		Status:               state.ClaimStatus(cs.Status),
		Reason:               cs.Reason,
		SubmittedAt:          cs.SubmittedAt,
		DecidedAt:            cs.DecidedAt,
		Version:              cs.Version,
	}, nil
}

func cellFromSnapshot(cs persistence.CellSnapshot) (*state.Cell, error) {
	cellID, err := uuid.Parse(cs.CellID)
	if err != nil {
		return nil, fmt.Errorf("snapshot cell %q: %w", cs.CellID, err)
	}
	return &state.Cell{
		CellID:             cellID,
		Authorized:         cs.Authorized,
		PremiumAsset:       ledger.AssetID(cs.PremiumAsset),
		TargetLossRatioBps: cs.TargetLossRatioBps,
		TotalPremiums:      cs.TotalPremiums,
		TotalClaims:        cs.TotalClaims,
		AuthorizedAt:       cs.AuthorizedAt,
		RevokedAt:          cs.RevokedAt,
		Version:            cs.Version,
	}, nil
}

// runPeriodicSnapshots takes a snapshot whenever the core has advanced by
// at least interval events since the last one.
func runPeriodicSnapshots(
	ctx context.Context,
	protocolCore *core.ProtocolCore,
	snapMgr *persistence.SnapshotManager,
	interval int64,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	if interval <= 0 {
		interval = 100_000
	}

	lastSnapshotSeq := protocolCore.GetSequence()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			currentSeq := protocolCore.GetSequence()
			if currentSeq-lastSnapshotSeq >= interval {
				if err := takeSnapshot(ctx, protocolCore, snapMgr, metrics); err != nil {
					logger.Warn().Err(err).Msg("periodic snapshot failed")
				} else {
					lastSnapshotSeq = currentSeq
					logger.Info().Int64("sequence", currentSeq).Msg("periodic snapshot")
				}
			}
		}
	}
}

// takeSnapshot captures the core's in-memory state and persists it.
func takeSnapshot(
	ctx context.Context,
	protocolCore *core.ProtocolCore,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
) error {
	start := time.Now()

	coreSnap := protocolCore.CreateSnapshotState()

	snapData := &persistence.SnapshotData{
		Sequence:        coreSnap.Sequence,
		StateHash:       coreSnap.StateHash[:],
		PrevHash:        coreSnap.PrevHash[:],
		Balances:        make(map[string]int64, len(coreSnap.Balances)),
		Policies:        make([]persistence.PolicySnapshot, 0, len(coreSnap.Policies)),
		Claims:          make([]persistence.ClaimSnapshot, 0, len(coreSnap.Claims)),
		ClaimCounters:   make(map[string]int64, len(coreSnap.ClaimCounters)),
		Cells:           make([]persistence.CellSnapshot, 0, len(coreSnap.Cells)),
		RoleGrants:      make([]persistence.RoleGrantSnapshot, 0, len(coreSnap.RoleGrants)),
		Params:          persistence.ParamsSnapshot{MinimumCapitalRequirement: coreSnap.Params.MinimumCapitalRequirement},
		StakedSince:     make(map[string]int64, len(coreSnap.StakedSince)),
		SequenceState:   coreSnap.SequenceState,
		IdempotencyKeys: coreSnap.IdempotencyKeys,
		CreatedAt:       time.Now(),
	}

	for key, balance := range coreSnap.Balances {
		snapData.Balances[key.AccountPath()] = balance
	}

	for _, p := range coreSnap.Policies {
		snapData.Policies = append(snapData.Policies, persistence.PolicySnapshot{
			PolicyID:  p.PolicyID.String(),
			MemberID:  p.MemberID.String(),
			CellID:    p.Cell.String(),
			Coverage:  p.Coverage,
			Premium:   p.Premium,
			StartTime: p.StartTime,
			EndTime:   p.EndTime,
			Version:   p.Version,
		})
	}

	for _, cl := range coreSnap.Claims {
		snapData.Claims = append(snapData.Claims, persistence.ClaimSnapshot{
			CellID:               cl.Cell.String(),
			ClaimNumber:          cl.ClaimNumber,
			PolicyID:             cl.PolicyID.String(),
			MemberID:             cl.MemberID.String(),
			Amount:               cl.Amount,
			CoverageAtSubmission: cl.CoverageAtSubmission,
			PayoutAmount:         cl.PayoutAmount,
			Status:               int32(cl.Status),
			Reason:               cl.Reason,
			SubmittedAt:          cl.SubmittedAt,
			DecidedAt:            cl.DecidedAt,
			Version:              cl.Version,
		})
	}

	for cellID, next := range coreSnap.ClaimCounters {
		snapData.ClaimCounters[cellID.String()] = next
	}

	for _, cell := range coreSnap.Cells {
		snapData.Cells = append(snapData.Cells, persistence.CellSnapshot{
			CellID:             cell.CellID.String(),
			Authorized:         cell.Authorized,
			PremiumAsset:       int32(cell.PremiumAsset),
			TargetLossRatioBps: cell.TargetLossRatioBps,
			TotalPremiums:      cell.TotalPremiums,
			TotalClaims:        cell.TotalClaims,
			AuthorizedAt:       cell.AuthorizedAt,
			RevokedAt:          cell.RevokedAt,
			Version:            cell.Version,
		})
	}

	for _, grant := range coreSnap.RoleGrants {
		snapData.RoleGrants = append(snapData.RoleGrants, persistence.RoleGrantSnapshot{
			IdentityID: grant.IdentityID.String(),
			Role:       grant.Role,
		})
	}

	for memberID, since := range coreSnap.StakedSince {
		snapData.StakedSince[memberID.String()] = since
	}

	if err := snapMgr.SaveSnapshot(ctx, snapData); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	// Verified immediately: the snapshot was cut from live state
	if err := snapMgr.MarkVerified(ctx, snapData.Sequence); err != nil {
		return fmt.Errorf("mark snapshot verified: %w", err)
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotLastSeq.Set(float64(snapData.Sequence))
	}

	return nil
}

// runChannelMonitor samples channel occupancy for the backpressure gauges.
func runChannelMonitor(
	ctx context.Context,
	metrics *observability.Metrics,
	persistCoreChan, projectionCoreChan chan core.CoreOutput,
	publishChan chan ingestion.PublishableEvent,
) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetChannelMetrics("persist_core", len(persistCoreChan), cap(persistCoreChan))
			metrics.SetChannelMetrics("projection_core", len(projectionCoreChan), cap(projectionCoreChan))
			metrics.SetChannelMetrics("publish", len(publishChan), cap(publishChan))
		}
	}
}
