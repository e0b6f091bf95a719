package repository

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chorus-social/chorus-bridge/internal/models"
)

// Repository provides typed access to the bridge's durable state: the replay,
// idempotency and JTI caches, day proofs, federated-entity records, the
// delivery ledgers, and the quarantine table.
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository wraps an established database connection.
func NewRepository(db *DB, logger *slog.Logger) *Repository {
	return &Repository{pool: db.Pool, logger: logger}
}

// Caches ----------------------------------------------------------------

// RememberEnvelope records an envelope fingerprint in the replay cache.
// Returns true if the fingerprint was new (or its previous entry had expired),
// false on a live collision. The upsert is a single atomic statement; a
// read-then-write would race against concurrent pipeline executions.
func (r *Repository) RememberEnvelope(ctx context.Context, fingerprint, senderInstance string, messageType models.MessageType, nowUnix, ttlSeconds int64) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO envelope_cache (fingerprint, sender_instance, message_type, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (fingerprint) DO UPDATE
		   SET sender_instance = EXCLUDED.sender_instance,
		       message_type = EXCLUDED.message_type,
		       expires_at = EXCLUDED.expires_at
		   WHERE envelope_cache.expires_at <= $5`,
		fingerprint, senderInstance, string(messageType), nowUnix+ttlSeconds, nowUnix)
	if err != nil {
		return false, fmt.Errorf("remembering envelope fingerprint: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RememberIdempotencyKey records an (instance, key) pair. Returns true if the
// pair was new within its TTL.
func (r *Repository) RememberIdempotencyKey(ctx context.Context, instanceID, key string, nowUnix, ttlSeconds int64) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (instance_id, key, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (instance_id, key) DO UPDATE
		   SET expires_at = EXCLUDED.expires_at
		   WHERE idempotency_keys.expires_at <= $4`,
		instanceID, key, nowUnix+ttlSeconds, nowUnix)
	if err != nil {
		return false, fmt.Errorf("remembering idempotency key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RememberJTI records a JWT ID for bearer-token replay protection. Returns
// true if the JTI was unseen (or its previous record had expired).
func (r *Repository) RememberJTI(ctx context.Context, jti, instanceID string, expiresAt, nowUnix int64) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO jti_cache (jti, instance_id, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (jti) DO UPDATE
		   SET instance_id = EXCLUDED.instance_id,
		       expires_at = EXCLUDED.expires_at
		   WHERE jti_cache.expires_at <= $4`,
		jti, instanceID, expiresAt, nowUnix)
	if err != nil {
		return false, fmt.Errorf("remembering jti: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// PruneExpiredCaches deletes expired rows from the replay, idempotency and
// JTI caches. Run periodically; correctness never depends on it because every
// upsert treats expired rows as absent.
func (r *Repository) PruneExpiredCaches(ctx context.Context, nowUnix int64) error {
	for _, table := range []string{"envelope_cache", "idempotency_keys", "jti_cache"} {
		if _, err := r.pool.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= $1`, table), nowUnix); err != nil {
			return fmt.Errorf("pruning %s: %w", table, err)
		}
	}
	return nil
}

// Day proofs ------------------------------------------------------------

// UpsertDayProof stores a day proof keyed by day number. Last writer wins.
func (r *Repository) UpsertDayProof(ctx context.Context, rec models.DayProofRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO day_proofs (day, proof, proof_hash, canonical, source, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (day) DO UPDATE
		   SET proof = EXCLUDED.proof,
		       proof_hash = EXCLUDED.proof_hash,
		       canonical = EXCLUDED.canonical,
		       source = EXCLUDED.source,
		       created_at = EXCLUDED.created_at`,
		rec.Day, string(rec.Proof), rec.ProofHash, rec.Canonical, rec.Source, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("upserting day proof %d: %w", rec.Day, err)
	}
	return nil
}

// GetDayProof returns the stored proof for a day, or nil if absent.
func (r *Repository) GetDayProof(ctx context.Context, day int32) (*models.DayProofRecord, error) {
	var rec models.DayProofRecord
	var proof string
	err := r.pool.QueryRow(ctx,
		`SELECT day, proof, proof_hash, canonical, source, created_at
		 FROM day_proofs WHERE day = $1`, day,
	).Scan(&rec.Day, &proof, &rec.ProofHash, &rec.Canonical, &rec.Source, &rec.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching day proof %d: %w", day, err)
	}
	rec.Proof = []byte(proof)
	return &rec, nil
}

// Moderation ------------------------------------------------------------

// RecordModerationEvent persists an accepted moderation event and returns its id.
func (r *Repository) RecordModerationEvent(ctx context.Context, rec models.ModerationEventRecord) (string, error) {
	id := rec.ID
	if id == "" {
		id = models.NewULID().String()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO moderation_events
		   (id, target_ref, action, reason_hash, creation_day, raw_payload, stage_instance, signature, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, rec.TargetRef, rec.Action, rec.ReasonHash, rec.CreationDay,
		rec.RawPayload, rec.StageInstance, rec.Signature, rec.ReceivedAt)
	if err != nil {
		return "", fmt.Errorf("recording moderation event: %w", err)
	}
	return id, nil
}

// Federated entities ----------------------------------------------------
//
// Posts, registered users and communities are keyed by their natural
// identifier alone; the sender is stored but is not part of the key, so a
// re-announcement from any sender is a no-op (ON CONFLICT DO NOTHING).
// User updates, community updates and memberships get a fresh ULID per row,
// so every accepted update appends a new row.

// SaveFederatedPost stores an accepted PostAnnouncement.
func (r *Repository) SaveFederatedPost(ctx context.Context, p models.FederatedPost) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO federated_posts
		   (post_id, author_pubkey, content_hash, order_index, creation_day, sender_instance, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (post_id) DO NOTHING`,
		p.PostID, p.AuthorPubkey, p.ContentHash, p.OrderIndex, p.CreationDay, p.SenderInstance, p.ReceivedAt)
	if err != nil {
		return fmt.Errorf("saving federated post: %w", err)
	}
	return nil
}

// SaveRegisteredUser stores an accepted UserRegistration.
func (r *Repository) SaveRegisteredUser(ctx context.Context, u models.RegisteredUser) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO registered_users
		   (user_pubkey, registration_day, day_proof_hash, sender_instance, registered_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_pubkey) DO NOTHING`,
		u.UserPubkey, u.RegistrationDay, u.DayProofHash, u.SenderInstance, u.RegisteredAt)
	if err != nil {
		return fmt.Errorf("saving registered user: %w", err)
	}
	return nil
}

// SaveFederatedCommunity stores an accepted CommunityCreation.
func (r *Repository) SaveFederatedCommunity(ctx context.Context, c models.FederatedCommunity) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO federated_communities
		   (community_id, creator_pubkey, name, description, creation_day, sender_instance, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (community_id) DO NOTHING`,
		c.CommunityID, c.CreatorPubkey, c.Name, c.Description, c.CreationDay, c.SenderInstance, c.ReceivedAt)
	if err != nil {
		return fmt.Errorf("saving federated community: %w", err)
	}
	return nil
}

// SaveFederatedUserUpdate stores an accepted UserUpdate.
func (r *Repository) SaveFederatedUserUpdate(ctx context.Context, u models.FederatedUserUpdate) error {
	id := u.ID
	if id == "" {
		id = models.NewULID().String()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO federated_user_updates
		   (id, user_pubkey, updated_fields_payload, update_day, sender_instance, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, u.UserPubkey, u.UpdatedFieldsPayload, u.UpdateDay, u.SenderInstance, u.ReceivedAt)
	if err != nil {
		return fmt.Errorf("saving federated user update: %w", err)
	}
	return nil
}

// SaveFederatedCommunityUpdate stores an accepted CommunityUpdate.
func (r *Repository) SaveFederatedCommunityUpdate(ctx context.Context, c models.FederatedCommunityUpdate) error {
	id := c.ID
	if id == "" {
		id = models.NewULID().String()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO federated_community_updates
		   (id, community_id, updated_fields_payload, update_day, sender_instance, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, c.CommunityID, c.UpdatedFieldsPayload, c.UpdateDay, c.SenderInstance, c.ReceivedAt)
	if err != nil {
		return fmt.Errorf("saving federated community update: %w", err)
	}
	return nil
}

// SaveFederatedCommunityMembership stores an accepted CommunityMembershipUpdate.
func (r *Repository) SaveFederatedCommunityMembership(ctx context.Context, m models.FederatedCommunityMembership) error {
	id := m.ID
	if id == "" {
		id = models.NewULID().String()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO federated_community_memberships
		   (id, community_id, user_pubkey, action, update_day, sender_instance, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, m.CommunityID, m.UserPubkey, m.Action, m.UpdateDay, m.SenderInstance, m.ReceivedAt)
	if err != nil {
		return fmt.Errorf("saving federated community membership: %w", err)
	}
	return nil
}

// Outbound federation ledger --------------------------------------------

// EnqueueOutboundFederationMessage inserts a queued ledger row and returns its id.
func (r *Repository) EnqueueOutboundFederationMessage(ctx context.Context, targetInstanceURL string, messageType models.MessageType, rawEnvelope []byte, nowUnix int64) (string, error) {
	id := models.NewULID().String()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO outbound_federation_ledger
		   (id, target_instance_url, message_type, raw_envelope, status, attempts, retry_at, created_at)
		 VALUES ($1, $2, $3, $4, 'queued', 0, 0, $5)`,
		id, targetInstanceURL, string(messageType), rawEnvelope, nowUnix)
	if err != nil {
		return "", fmt.Errorf("enqueueing outbound federation message: %w", err)
	}
	return id, nil
}

// GetQueuedOutboundFederationMessages returns due rows without checking them
// out. Intended for inspection; workers use CheckoutOutboundFederationMessages.
func (r *Repository) GetQueuedOutboundFederationMessages(ctx context.Context, nowUnix int64, limit int) ([]models.OutboundFederationLedger, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, target_instance_url, message_type, raw_envelope, status, last_attempt_at, attempts, retry_at, created_at
		 FROM outbound_federation_ledger
		 WHERE status IN ('queued', 'retrying') AND retry_at <= $1
		 ORDER BY created_at
		 LIMIT $2`, nowUnix, limit)
	if err != nil {
		return nil, fmt.Errorf("querying outbound ledger: %w", err)
	}
	defer rows.Close()
	return scanOutboundRows(rows)
}

// CheckoutOutboundFederationMessages atomically claims due rows for a delivery
// attempt by flipping them to the in-flight marker. SKIP LOCKED keeps two
// workers from claiming the same row.
func (r *Repository) CheckoutOutboundFederationMessages(ctx context.Context, nowUnix int64, limit int) ([]models.OutboundFederationLedger, error) {
	rows, err := r.pool.Query(ctx,
		`UPDATE outbound_federation_ledger SET status = 'sending'
		 WHERE id IN (
		   SELECT id FROM outbound_federation_ledger
		   WHERE status IN ('queued', 'retrying') AND retry_at <= $1
		   ORDER BY created_at
		   LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, target_instance_url, message_type, raw_envelope, status, last_attempt_at, attempts, retry_at, created_at`,
		nowUnix, limit)
	if err != nil {
		return nil, fmt.Errorf("checking out outbound ledger rows: %w", err)
	}
	defer rows.Close()
	return scanOutboundRows(rows)
}

func scanOutboundRows(rows pgx.Rows) ([]models.OutboundFederationLedger, error) {
	var out []models.OutboundFederationLedger
	for rows.Next() {
		var m models.OutboundFederationLedger
		var msgType string
		var status string
		if err := rows.Scan(&m.ID, &m.TargetInstanceURL, &msgType, &m.RawEnvelope, &status, &m.LastAttemptAt, &m.Attempts, &m.RetryAt, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning outbound ledger row: %w", err)
		}
		m.MessageType = models.MessageType(msgType)
		m.Status = models.LedgerStatus(status)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbound ledger rows: %w", err)
	}
	return out, nil
}

// UpdateOutboundFederationMessageStatus moves a row to a new status. Terminal
// rows are never resurrected: the guard makes delivered/failed sticky.
func (r *Repository) UpdateOutboundFederationMessageStatus(ctx context.Context, id string, status models.LedgerStatus, nowUnix int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE outbound_federation_ledger
		 SET status = $2, last_attempt_at = $3
		 WHERE id = $1 AND status NOT IN ('delivered', 'failed')`,
		id, string(status), nowUnix)
	if err != nil {
		return fmt.Errorf("updating outbound ledger status: %w", err)
	}
	return nil
}

// UpdateOutboundFederationMessageForRetry schedules another attempt.
func (r *Repository) UpdateOutboundFederationMessageForRetry(ctx context.Context, id string, attempts int, retryAt, nowUnix int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE outbound_federation_ledger
		 SET status = 'retrying', attempts = $2, retry_at = $3, last_attempt_at = $4
		 WHERE id = $1 AND status NOT IN ('delivered', 'failed')`,
		id, attempts, retryAt, nowUnix)
	if err != nil {
		return fmt.Errorf("scheduling outbound ledger retry: %w", err)
	}
	return nil
}

// Export ledger ----------------------------------------------------------

// EnqueueExport inserts a queued ActivityPub export row and returns its id.
func (r *Repository) EnqueueExport(ctx context.Context, objectHash, apType, targetURL string, publishedTS int64, rawPayload []byte) (string, error) {
	id := models.NewULID().String()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO export_ledger
		   (id, object_hash, ap_type, target_url, status, attempts, published_ts, retry_at, raw_payload)
		 VALUES ($1, $2, $3, $4, 'queued', 0, $5, 0, $6)`,
		id, objectHash, apType, targetURL, publishedTS, rawPayload)
	if err != nil {
		return "", fmt.Errorf("enqueueing export: %w", err)
	}
	return id, nil
}

// GetQueuedExports returns due export rows without checking them out.
func (r *Repository) GetQueuedExports(ctx context.Context, nowUnix int64, limit int) ([]models.ExportLedger, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, object_hash, ap_type, target_url, status, last_attempt_at, attempts, published_ts, retry_at, raw_payload
		 FROM export_ledger
		 WHERE status IN ('queued', 'retrying') AND retry_at <= $1
		 ORDER BY id
		 LIMIT $2`, nowUnix, limit)
	if err != nil {
		return nil, fmt.Errorf("querying export ledger: %w", err)
	}
	defer rows.Close()
	return scanExportRows(rows)
}

// CheckoutExports atomically claims due export rows for a delivery attempt.
func (r *Repository) CheckoutExports(ctx context.Context, nowUnix int64, limit int) ([]models.ExportLedger, error) {
	rows, err := r.pool.Query(ctx,
		`UPDATE export_ledger SET status = 'sending'
		 WHERE id IN (
		   SELECT id FROM export_ledger
		   WHERE status IN ('queued', 'retrying') AND retry_at <= $1
		   ORDER BY id
		   LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, object_hash, ap_type, target_url, status, last_attempt_at, attempts, published_ts, retry_at, raw_payload`,
		nowUnix, limit)
	if err != nil {
		return nil, fmt.Errorf("checking out export rows: %w", err)
	}
	defer rows.Close()
	return scanExportRows(rows)
}

func scanExportRows(rows pgx.Rows) ([]models.ExportLedger, error) {
	var out []models.ExportLedger
	for rows.Next() {
		var e models.ExportLedger
		var status string
		if err := rows.Scan(&e.ID, &e.ObjectHash, &e.APType, &e.TargetURL, &status, &e.LastAttemptAt, &e.Attempts, &e.PublishedTS, &e.RetryAt, &e.RawPayload); err != nil {
			return nil, fmt.Errorf("scanning export ledger row: %w", err)
		}
		e.Status = models.LedgerStatus(status)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating export ledger rows: %w", err)
	}
	return out, nil
}

// UpdateExportStatus moves an export row to a new status; terminal states stick.
func (r *Repository) UpdateExportStatus(ctx context.Context, id string, status models.LedgerStatus, nowUnix int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE export_ledger
		 SET status = $2, last_attempt_at = $3
		 WHERE id = $1 AND status NOT IN ('delivered', 'failed')`,
		id, string(status), nowUnix)
	if err != nil {
		return fmt.Errorf("updating export status: %w", err)
	}
	return nil
}

// UpdateExportForRetry schedules another export delivery attempt.
func (r *Repository) UpdateExportForRetry(ctx context.Context, id string, attempts int, retryAt, nowUnix int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE export_ledger
		 SET status = 'retrying', attempts = $2, retry_at = $3, last_attempt_at = $4
		 WHERE id = $1 AND status NOT IN ('delivered', 'failed')`,
		id, attempts, retryAt, nowUnix)
	if err != nil {
		return fmt.Errorf("scheduling export retry: %w", err)
	}
	return nil
}

// Quarantine -------------------------------------------------------------

// QuarantineEnvelope stores raw envelope bytes that failed parsing, for
// operator review. Quarantine is terminal; nothing reprocesses these rows.
func (r *Repository) QuarantineEnvelope(ctx context.Context, rawEnvelope []byte, reason string, nowUnix int64) (string, error) {
	id := models.NewULID().String()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO quarantined_envelopes (id, raw_envelope, reason, quarantined_at)
		 VALUES ($1, $2, $3, $4)`,
		id, rawEnvelope, reason, nowUnix)
	if err != nil {
		return "", fmt.Errorf("quarantining envelope: %w", err)
	}
	return id, nil
}

// Trust store snapshot ---------------------------------------------------

// SaveTrustSnapshot replaces the persisted trust store snapshot.
func (r *Repository) SaveTrustSnapshot(ctx context.Context, peers map[string]string, nowUnix int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning trust snapshot tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM trust_store_snapshot`); err != nil {
		return fmt.Errorf("clearing trust snapshot: %w", err)
	}
	for id, hexKey := range peers {
		if _, err := tx.Exec(ctx,
			`INSERT INTO trust_store_snapshot (instance_id, public_key, updated_at) VALUES ($1, $2, $3)`,
			id, hexKey, nowUnix); err != nil {
			return fmt.Errorf("writing trust snapshot row: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// LoadTrustSnapshot reads the persisted trust store snapshot.
func (r *Repository) LoadTrustSnapshot(ctx context.Context) (map[string]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT instance_id, public_key FROM trust_store_snapshot`)
	if err != nil {
		return nil, fmt.Errorf("loading trust snapshot: %w", err)
	}
	defer rows.Close()

	peers := make(map[string]string)
	for rows.Next() {
		var id, key string
		if err := rows.Scan(&id, &key); err != nil {
			return nil, fmt.Errorf("scanning trust snapshot row: %w", err)
		}
		peers[id] = key
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating trust snapshot rows: %w", err)
	}
	return peers, nil
}
