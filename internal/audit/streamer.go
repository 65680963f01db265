package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/promogate/release-gate/internal/models"
	"github.com/promogate/release-gate/internal/store"
)

// Producer is the subset of Kafka producer behavior the streamer needs.
type Producer interface {
	Produce(ctx context.Context, key, value []byte) error
	Close() error
}

// Envelope is the wire shape replicated to Kafka and S3. The database row is
// the source of truth; this is a projection of it.
func Envelope(rec *models.AuditRecord) map[string]interface{} {
	return map[string]interface{}{
		"id":            rec.ID.String(),
		"actor":         rec.Actor,
		"action":        rec.Action,
		"entityType":    rec.EntityType,
		"entityId":      rec.EntityID,
		"payload":       json.RawMessage(rec.Payload),
		"correlationId": rec.CorrelationID,
		"ts":            rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// StreamerConfig configures the durable DB-first streamer.
type StreamerConfig struct {
	BatchSize    int
	PollInterval time.Duration
}

// Streamer replicates committed audit rows downstream: it claims pending rows
// from Postgres (SELECT ... FOR UPDATE SKIP LOCKED underneath), produces each
// envelope to Kafka, optionally archives it to S3, and records the result so
// failures are retried on the next poll. Mutating operations never wait on a
// broker; they only write the row.
type Streamer struct {
	pg       *store.PGStore
	producer Producer
	archiver Archiver
	cfg      StreamerConfig
}

// NewStreamer constructs a streamer. archiver may be nil to skip S3 archiving.
func NewStreamer(pg *store.PGStore, producer Producer, archiver Archiver, cfg StreamerConfig) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	return &Streamer{pg: pg, producer: producer, archiver: archiver, cfg: cfg}
}

// Run polls for pending audit rows until ctx is cancelled. Run it in a goroutine.
func (s *Streamer) Run(ctx context.Context) error {
	log.Printf("[audit.streamer] starting (batch=%d, poll=%s)", s.cfg.BatchSize, s.cfg.PollInterval)
	defer log.Printf("[audit.streamer] stopped")
	defer func() {
		if s.producer != nil {
			_ = s.producer.Close()
		}
	}()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		records, err := s.pg.FetchPendingAuditForStreaming(ctx, s.cfg.BatchSize)
		if err != nil {
			log.Printf("[audit.streamer] fetch pending: %v", err)
			continue
		}
		for i := range records {
			rec := records[i]
			if err := s.processRecord(ctx, &rec); err != nil {
				log.Printf("[audit.streamer] record %s: %v", rec.ID, err)
			}
		}
	}
}

func (s *Streamer) processRecord(parentCtx context.Context, rec *models.AuditRecord) error {
	ctx, cancel := context.WithTimeout(parentCtx, 30*time.Second)
	defer cancel()

	value, err := json.Marshal(Envelope(rec))
	if err != nil {
		_ = s.markResult(parentCtx, rec.ID, false)
		return err
	}
	if err := s.producer.Produce(ctx, []byte(rec.ID.String()), value); err != nil {
		_ = s.markResult(parentCtx, rec.ID, false)
		return err
	}
	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, rec); err != nil {
			_ = s.markResult(parentCtx, rec.ID, false)
			return err
		}
	}
	return s.markResult(parentCtx, rec.ID, true)
}

func (s *Streamer) markResult(ctx context.Context, id uuid.UUID, ok bool) error {
	return s.pg.MarkAuditStreamResult(ctx, id, ok)
}
