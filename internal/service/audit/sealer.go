// Package audit seals each vault's event chain into Merkle-rooted batches.
// Every batch re-verifies the chain from the last sealed event, links to
// the previous root and is optionally archived to object storage.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/guardvault/internal/integrity"
	"github.com/ashita-ai/guardvault/internal/model"
	"github.com/ashita-ai/guardvault/internal/telemetry"
	"github.com/ashita-ai/guardvault/internal/vault"
)

// Store is the persistence the sealer reads and writes.
type Store interface {
	ListVaultIDs(ctx context.Context) ([]vault.VaultID, error)
	ListEvents(ctx context.Context, id vault.VaultID, afterSeq int64, limit int) ([]model.RecordedEvent, error)
	GetLatestIntegrityProof(ctx context.Context, id vault.VaultID) (*model.IntegrityProof, error)
	CreateIntegrityProof(ctx context.Context, p model.IntegrityProof) error
}

// Archiver stores a sealed batch and returns where it put it.
type Archiver interface {
	Archive(ctx context.Context, id vault.VaultID, events []model.RecordedEvent) (string, error)
}

// DefaultBatchSize caps the events covered by one proof.
const DefaultBatchSize = 1000

// Sealer builds integrity proofs.
type Sealer struct {
	store     Store
	archiver  Archiver
	logger    *slog.Logger
	clock     vault.Clock
	batchSize int

	sealed   metric.Int64Counter
	failures metric.Int64Counter
}

// NewSealer returns a sealer. archiver may be nil to skip archiving.
func NewSealer(store Store, archiver Archiver, logger *slog.Logger) *Sealer {
	meter := telemetry.Meter("guardvault/audit")
	sealed, _ := meter.Int64Counter("guardvault.audit.events_sealed",
		metric.WithDescription("Events covered by integrity proofs"),
	)
	failures, _ := meter.Int64Counter("guardvault.audit.failures",
		metric.WithDescription("Vaults whose batch could not be sealed"),
	)
	return &Sealer{
		store:     store,
		archiver:  archiver,
		logger:    logger,
		clock:     vault.SystemClock,
		batchSize: DefaultBatchSize,
		sealed:    sealed,
		failures:  failures,
	}
}

// WithClock sets the clock used for proof timestamps.
func (s *Sealer) WithClock(c vault.Clock) *Sealer {
	s.clock = c
	return s
}

// WithBatchSize caps events per proof.
func (s *Sealer) WithBatchSize(n int) *Sealer {
	if n > 0 {
		s.batchSize = n
	}
	return s
}

// Run seals every interval until ctx is cancelled.
func (s *Sealer) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SealAll(ctx)
		}
	}
}

// SealAll seals the next batch of every vault and returns the number of
// proofs created. A vault that fails is logged and skipped.
func (s *Sealer) SealAll(ctx context.Context) int {
	ids, err := s.store.ListVaultIDs(ctx)
	if err != nil {
		s.logger.Warn("audit: list vaults failed", "error", err)
		return 0
	}
	n := 0
	for _, id := range ids {
		proof, err := s.Seal(ctx, id)
		if err != nil {
			s.failures.Add(ctx, 1)
			s.logger.Warn("audit: seal failed", "vault_id", id, "error", err)
			continue
		}
		if proof != nil {
			n++
		}
	}
	return n
}

// Seal covers the vault's events after its latest proof with a new one.
// It returns nil when there is nothing new.
func (s *Sealer) Seal(ctx context.Context, id vault.VaultID) (*model.IntegrityProof, error) {
	latest, err := s.store.GetLatestIntegrityProof(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("audit: latest proof: %w", err)
	}

	// Re-read the last sealed event so the new batch is checked against
	// the chain it extends.
	var after int64
	var previousRoot *string
	if latest != nil {
		after = latest.LastSeq - 1
		root := latest.RootHash
		previousRoot = &root
	}
	events, err := s.store.ListEvents(ctx, id, after, s.batchSize+1)
	if err != nil {
		return nil, fmt.Errorf("audit: list events: %w", err)
	}
	if err := integrity.VerifyChain(events); err != nil {
		return nil, err
	}
	if latest != nil {
		if len(events) == 0 || events[0].Seq != latest.LastSeq {
			return nil, fmt.Errorf("audit: sealed event %d is missing", latest.LastSeq)
		}
		events = events[1:]
	} else if len(events) > 0 && events[0].PrevHash != integrity.GenesisHash {
		return nil, fmt.Errorf("audit: chain does not start at genesis (seq %d)", events[0].Seq)
	}
	if len(events) > s.batchSize {
		events = events[:s.batchSize]
	}
	if len(events) == 0 {
		return nil, nil
	}

	leaves := make([]string, len(events))
	for i, e := range events {
		leaves[i] = e.Hash
	}
	proof := model.IntegrityProof{
		ID:           uuid.New(),
		VaultID:      id,
		FirstSeq:     events[0].Seq,
		LastSeq:      events[len(events)-1].Seq,
		EventCount:   len(events),
		RootHash:     integrity.BuildMerkleRoot(leaves),
		PreviousRoot: previousRoot,
		CreatedAt:    s.clock.Now().UTC(),
	}

	if s.archiver != nil {
		key, err := s.archiver.Archive(ctx, id, events)
		if err != nil {
			return nil, err
		}
		proof.ArchiveKey = &key
	}

	if err := s.store.CreateIntegrityProof(ctx, proof); err != nil {
		return nil, fmt.Errorf("audit: create proof: %w", err)
	}
	s.sealed.Add(ctx, int64(len(events)))
	s.logger.Info("integrity proof created",
		"vault_id", id,
		"first_seq", proof.FirstSeq,
		"last_seq", proof.LastSeq,
		"root_hash", proof.RootHash[:16]+"...",
	)
	return &proof, nil
}
