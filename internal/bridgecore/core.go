// Package bridgecore orchestrates the federation envelope pipeline: signature
// verification, replay and idempotency protection, epoch derivation, Conductor
// submission, per-type dispatch, and outbound fan-out. It is the single owner
// of writes into the repository, the Conductor, and the trust store.
package bridgecore

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chorus-social/chorus-bridge/internal/activitypub"
	"github.com/chorus-social/chorus-bridge/internal/bridgeerr"
	"github.com/chorus-social/chorus-bridge/internal/conductor"
	"github.com/chorus-social/chorus-bridge/internal/eventbus"
	"github.com/chorus-social/chorus-bridge/internal/fingerprint"
	"github.com/chorus-social/chorus-bridge/internal/models"
	"github.com/chorus-social/chorus-bridge/internal/trust"
)

// Store is the repository surface the pipeline needs. *repository.Repository
// satisfies it.
type Store interface {
	RememberEnvelope(ctx context.Context, fingerprint, senderInstance string, messageType models.MessageType, nowUnix, ttlSeconds int64) (bool, error)
	RememberIdempotencyKey(ctx context.Context, instanceID, key string, nowUnix, ttlSeconds int64) (bool, error)
	UpsertDayProof(ctx context.Context, rec models.DayProofRecord) error
	GetDayProof(ctx context.Context, day int32) (*models.DayProofRecord, error)
	RecordModerationEvent(ctx context.Context, rec models.ModerationEventRecord) (string, error)
	SaveFederatedPost(ctx context.Context, p models.FederatedPost) error
	SaveRegisteredUser(ctx context.Context, u models.RegisteredUser) error
	SaveFederatedCommunity(ctx context.Context, c models.FederatedCommunity) error
	SaveFederatedUserUpdate(ctx context.Context, u models.FederatedUserUpdate) error
	SaveFederatedCommunityUpdate(ctx context.Context, c models.FederatedCommunityUpdate) error
	SaveFederatedCommunityMembership(ctx context.Context, m models.FederatedCommunityMembership) error
	EnqueueOutboundFederationMessage(ctx context.Context, targetInstanceURL string, messageType models.MessageType, rawEnvelope []byte, nowUnix int64) (string, error)
	EnqueueExport(ctx context.Context, objectHash, apType, targetURL string, publishedTS int64, rawPayload []byte) (string, error)
	QuarantineEnvelope(ctx context.Context, rawEnvelope []byte, reason string, nowUnix int64) (string, error)
	SaveTrustSnapshot(ctx context.Context, peers map[string]string, nowUnix int64) error
}

// FeatureFlags enables or disables dispatch per message type.
// InstanceJoinRequest and BlacklistUpdate are always dispatched: trust
// membership is not a feature.
type FeatureFlags struct {
	PostAnnounce              bool
	UserRegistration          bool
	DayProofConsumption       bool
	ModerationEvents          bool
	CommunityCreation         bool
	UserUpdate                bool
	CommunityUpdate           bool
	CommunityMembershipUpdate bool
}

// Config carries the pipeline's tunables.
type Config struct {
	InstanceID             string
	ReplayCacheTTLSeconds  int64
	IdempotencyTTLSeconds  int64
	FederationTargetStages []string
	ActivityPubTargets     []string
	QuarantineMalformed    bool
	Features               FeatureFlags
}

type handlerFunc func(ctx context.Context, senderInstance string, inner any) error

// Core is the envelope pipeline orchestrator.
type Core struct {
	cfg        Config
	store      Store
	conductor  conductor.Client
	trust      *trust.Store
	translator *activitypub.Translator
	bus        *eventbus.Bus
	logger     *slog.Logger
	handlers   map[models.MessageType]handlerFunc
}

// New builds a Core and its dispatch table from the enabled feature flags.
func New(cfg Config, store Store, cond conductor.Client, trustStore *trust.Store, translator *activitypub.Translator, bus *eventbus.Bus, logger *slog.Logger) *Core {
	c := &Core{
		cfg:        cfg,
		store:      store,
		conductor:  cond,
		trust:      trustStore,
		translator: translator,
		bus:        bus,
		logger:     logger,
	}

	handlers := make(map[models.MessageType]handlerFunc)
	if cfg.Features.PostAnnounce {
		handlers[models.MessageTypePostAnnouncement] = c.handlePostAnnouncement
	}
	if cfg.Features.UserRegistration {
		handlers[models.MessageTypeUserRegistration] = c.handleUserRegistration
	}
	if cfg.Features.DayProofConsumption {
		handlers[models.MessageTypeDayProof] = c.handleDayProof
	}
	if cfg.Features.ModerationEvents {
		handlers[models.MessageTypeModerationEvent] = c.handleModerationEvent
	}
	if cfg.Features.CommunityCreation {
		handlers[models.MessageTypeCommunityCreation] = c.handleCommunityCreation
	}
	if cfg.Features.UserUpdate {
		handlers[models.MessageTypeUserUpdate] = c.handleUserUpdate
	}
	if cfg.Features.CommunityUpdate {
		handlers[models.MessageTypeCommunityUpdate] = c.handleCommunityUpdate
	}
	if cfg.Features.CommunityMembershipUpdate {
		handlers[models.MessageTypeCommunityMembershipUpdate] = c.handleCommunityMembershipUpdate
	}
	handlers[models.MessageTypeInstanceJoinRequest] = c.handleInstanceJoinRequest
	handlers[models.MessageTypeBlacklistUpdate] = c.handleBlacklistUpdate
	c.handlers = handlers

	return c
}

// ProcessEnvelope runs the full intake pipeline on raw envelope bytes and
// returns the Conductor receipt plus the envelope fingerprint. The fingerprint
// commits to the replay cache before the Conductor submission, so a partial
// failure afterwards can never re-admit the same bytes within the TTL.
func (c *Core) ProcessEnvelope(ctx context.Context, rawEnvelope []byte, idempotencyKey, stageInstance string) (models.Receipt, string, error) {
	env, err := models.ParseEnvelope(rawEnvelope)
	if err != nil {
		if c.cfg.QuarantineMalformed {
			if _, qerr := c.store.QuarantineEnvelope(ctx, rawEnvelope, err.Error(), models.Now().Unix()); qerr != nil {
				c.logger.Error("quarantining malformed envelope failed", slog.String("error", qerr.Error()))
			}
		}
		return models.Receipt{}, "", bridgeerr.Wrap(bridgeerr.KindInvalidEnvelope, "unparseable envelope", err)
	}

	verifyKey, err := c.trust.Get(env.SenderInstance)
	if err != nil {
		c.logger.Warn("envelope from unknown instance",
			slog.String("sender_instance", env.SenderInstance))
		return models.Receipt{}, "", bridgeerr.Wrap(bridgeerr.KindUnknownInstance,
			fmt.Sprintf("unknown instance %q", env.SenderInstance), err)
	}

	if len(env.Signature) != ed25519.SignatureSize || !ed25519.Verify(verifyKey, env.MessageData, env.Signature) {
		c.logger.Warn("envelope signature verification failed",
			slog.String("sender_instance", env.SenderInstance),
			slog.String("message_type", string(env.MessageType)))
		return models.Receipt{}, "", bridgeerr.New(bridgeerr.KindSignatureInvalid, "envelope signature does not verify")
	}

	fp := fingerprint.Fingerprint(env.SenderInstance, string(env.MessageType), env.MessageData)
	now := models.Now().Unix()

	fresh, err := c.store.RememberEnvelope(ctx, fp, env.SenderInstance, env.MessageType, now, c.cfg.ReplayCacheTTLSeconds)
	if err != nil {
		return models.Receipt{}, "", fmt.Errorf("replay cache write: %w", err)
	}
	if !fresh {
		c.logger.Warn("duplicate envelope replayed",
			slog.String("sender_instance", env.SenderInstance),
			slog.String("fingerprint", fp))
		return models.Receipt{}, fp, bridgeerr.New(bridgeerr.KindDuplicateEnvelope, "duplicate federation envelope")
	}

	if idempotencyKey != "" {
		fresh, err := c.store.RememberIdempotencyKey(ctx, stageInstance, idempotencyKey, now, c.cfg.IdempotencyTTLSeconds)
		if err != nil {
			return models.Receipt{}, fp, fmt.Errorf("idempotency cache write: %w", err)
		}
		if !fresh {
			return models.Receipt{}, fp, bridgeerr.New(bridgeerr.KindDuplicateIdempotencyKey, "duplicate idempotency key")
		}
	}

	inner, err := models.DecodeInner(env.MessageType, env.MessageData)
	if err != nil {
		return models.Receipt{}, fp, bridgeerr.Wrap(bridgeerr.KindInvalidEnvelope, "undecodable inner message", err)
	}
	epoch, err := models.Epoch(inner)
	if err != nil {
		return models.Receipt{}, fp, bridgeerr.Wrap(bridgeerr.KindInvalidEnvelope, "no epoch on inner message", err)
	}

	receipt, err := c.conductor.SubmitEvent(ctx, conductor.Event{
		EventType: string(env.MessageType),
		Epoch:     epoch,
		Payload:   env.MessageData,
		Metadata: map[string]string{
			"sender_instance": env.SenderInstance,
			"message_type":    string(env.MessageType),
		},
	})
	if err != nil {
		var be *bridgeerr.Error
		if errors.As(err, &be) {
			return models.Receipt{}, fp, err
		}
		return models.Receipt{}, fp, bridgeerr.Wrap(bridgeerr.KindBackendUnavailable, "conductor submission failed", err)
	}

	if handler, ok := c.handlers[env.MessageType]; ok {
		if err := handler(ctx, env.SenderInstance, inner); err != nil {
			return models.Receipt{}, fp, err
		}
	} else {
		c.logger.Info("no dispatch handler for message type, relayed to conductor only",
			slog.String("message_type", string(env.MessageType)))
	}

	if env.MessageType != models.MessageTypeBlacklistUpdate {
		if err := c.fanOut(ctx, env, inner); err != nil {
			return models.Receipt{}, fp, err
		}
	}

	c.logger.Info("federation envelope accepted",
		slog.String("sender_instance", env.SenderInstance),
		slog.String("message_type", string(env.MessageType)),
		slog.Int("epoch", int(epoch)),
		slog.String("event_hash", receipt.EventHash))

	return receipt, fp, nil
}

// fanOut enqueues one outbound ledger row per configured target Stage. The
// outbound envelope carries a deterministic nonce derived from the inner
// message's natural key and an empty signature; the outbound worker signs
// with the bridge's own key at send time.
func (c *Core) fanOut(ctx context.Context, env *models.FederationEnvelope, inner any) error {
	if len(c.cfg.FederationTargetStages) == 0 {
		return nil
	}

	key, err := models.NaturalKey(inner)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.KindInvalidEnvelope, "no natural key for fan-out", err)
	}

	outbound := models.FederationEnvelope{
		SenderInstance: env.SenderInstance,
		Nonce:          fingerprint.DeterministicNonce(key),
		MessageType:    env.MessageType,
		MessageData:    env.MessageData,
		Signature:      nil,
	}
	raw, err := outbound.Encode()
	if err != nil {
		return fmt.Errorf("encoding outbound envelope: %w", err)
	}

	now := models.Now().Unix()
	for _, target := range c.cfg.FederationTargetStages {
		id, err := c.store.EnqueueOutboundFederationMessage(ctx, target, env.MessageType, raw, now)
		if err != nil {
			return fmt.Errorf("enqueueing outbound message for %s: %w", target, err)
		}
		c.logger.Debug("outbound federation message enqueued",
			slog.String("ledger_id", id),
			slog.String("target", target),
			slog.String("message_type", string(env.MessageType)))
	}

	c.notify(eventbus.SubjectOutboundEnqueued)
	return nil
}

// notify nudges the workers through the event bus. Best effort only.
func (c *Core) notify(subject string) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(subject, nil); err != nil {
		c.logger.Debug("worker wake-up publish failed", slog.String("subject", subject))
	}
}

// GetDayProof serves a day proof from the repository, falling back to the
// Conductor and persisting the fetched proof for subsequent reads.
func (c *Core) GetDayProof(ctx context.Context, day int32) (*models.DayProofRecord, error) {
	stored, err := c.store.GetDayProof(ctx, day)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		return stored, nil
	}

	fetched, err := c.conductor.GetDayProof(ctx, day)
	if err != nil {
		return nil, err
	}
	if fetched == nil {
		return nil, nil
	}

	rec := *fetched
	rec.Source = "conductor"
	rec.CreatedAt = models.Now().Unix()
	if err := c.store.UpsertDayProof(ctx, rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// TrustedPeers returns the current trust store snapshot.
func (c *Core) TrustedPeers() map[string]string {
	return c.trust.Snapshot()
}

// verifyStagePayload checks a detached Ed25519 signature from a Stage over
// arbitrary payload bytes.
func (c *Core) verifyStagePayload(stageInstance string, payload, signature []byte) error {
	key, err := c.trust.Get(stageInstance)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.KindUnknownInstance,
			fmt.Sprintf("unknown instance %q", stageInstance), err)
	}
	if len(signature) != ed25519.SignatureSize || !ed25519.Verify(key, payload, signature) {
		return bridgeerr.New(bridgeerr.KindSignatureInvalid, "stage signature does not verify")
	}
	return nil
}

// ExportRequest is the decoded body of POST /api/bridge/export.
type ExportRequest struct {
	ChorusPost string `json:"chorus_post"` // hex-encoded PostAnnouncement bytes
	BodyMD     string `json:"body_md"`
	Signature  []byte `json:"signature"`
}

// QueueExport validates an ActivityPub export request, submits the translated
// Note to the Conductor, and enqueues one export ledger row per configured
// fediverse target. Returns the job id of the first enqueued row.
func (c *Core) QueueExport(ctx context.Context, req ExportRequest, stageInstance string) (string, error) {
	postBytes, err := hex.DecodeString(req.ChorusPost)
	if err != nil {
		return "", bridgeerr.Wrap(bridgeerr.KindInvalidEnvelope, "chorus_post is not valid hex", err)
	}
	if req.BodyMD == "" {
		return "", bridgeerr.New(bridgeerr.KindInvalidEnvelope, "body_md is required")
	}

	if err := c.verifyStagePayload(stageInstance, postBytes, req.Signature); err != nil {
		return "", err
	}

	decoded, err := models.DecodeInner(models.MessageTypePostAnnouncement, postBytes)
	if err != nil {
		return "", bridgeerr.Wrap(bridgeerr.KindInvalidEnvelope, "undecodable chorus_post", err)
	}
	post := decoded.(*models.PostAnnouncement)

	note, publishedTS := c.translator.BuildNote(post, req.BodyMD)
	noteJSON, err := activitypub.EncodeNote(note)
	if err != nil {
		return "", err
	}

	if _, err := c.conductor.SubmitEvent(ctx, conductor.Event{
		EventType: "activitypub_export",
		Epoch:     post.CreationDay,
		Payload:   noteJSON,
		Metadata: map[string]string{
			"stage_instance": stageInstance,
			"post_id":        hex.EncodeToString(post.PostID),
		},
	}); err != nil {
		var be *bridgeerr.Error
		if errors.As(err, &be) {
			return "", err
		}
		return "", bridgeerr.Wrap(bridgeerr.KindBackendUnavailable, "conductor submission failed", err)
	}

	rawPayload, err := encodeExportPayload(req)
	if err != nil {
		return "", err
	}

	objectHash := hex.EncodeToString(post.PostID)
	targets := c.cfg.ActivityPubTargets
	if len(targets) == 0 {
		// No fediverse targets configured: keep the job visible to operators
		// as an undeliverable row rather than dropping it silently.
		targets = []string{""}
		c.logger.Warn("activitypub export queued with no configured targets",
			slog.String("post_id", objectHash))
	}

	var jobID string
	for _, target := range targets {
		id, err := c.store.EnqueueExport(ctx, objectHash, "Note", target, publishedTS, rawPayload)
		if err != nil {
			return "", fmt.Errorf("enqueueing export: %w", err)
		}
		if jobID == "" {
			jobID = id
		}
	}

	c.notify(eventbus.SubjectExportEnqueued)
	c.logger.Info("activitypub export queued",
		slog.String("job_id", jobID),
		slog.String("post_id", objectHash),
		slog.String("stage_instance", stageInstance))
	return jobID, nil
}

// ModerationRequest is the decoded body of POST /api/bridge/moderation/event.
type ModerationRequest struct {
	ModerationEvent string `json:"moderation_event"` // hex-encoded ModerationEvent bytes
	Signature       []byte `json:"signature"`
}

// RecordModeration validates and persists a moderation event, then submits it
// to the Conductor with the event's creation day as the epoch.
func (c *Core) RecordModeration(ctx context.Context, req ModerationRequest, stageInstance string) (string, models.Receipt, error) {
	eventBytes, err := hex.DecodeString(req.ModerationEvent)
	if err != nil {
		return "", models.Receipt{}, bridgeerr.Wrap(bridgeerr.KindInvalidEnvelope, "moderation_event is not valid hex", err)
	}

	if err := c.verifyStagePayload(stageInstance, eventBytes, req.Signature); err != nil {
		return "", models.Receipt{}, err
	}

	decoded, err := models.DecodeInner(models.MessageTypeModerationEvent, eventBytes)
	if err != nil {
		return "", models.Receipt{}, bridgeerr.Wrap(bridgeerr.KindInvalidEnvelope, "undecodable moderation event", err)
	}
	event := decoded.(*models.ModerationEvent)

	eventID, err := c.store.RecordModerationEvent(ctx, models.ModerationEventRecord{
		TargetRef:     hex.EncodeToString(event.TargetRef),
		Action:        event.Action,
		ReasonHash:    hex.EncodeToString(event.ReasonHash),
		CreationDay:   event.CreationDay,
		RawPayload:    eventBytes,
		StageInstance: stageInstance,
		Signature:     hex.EncodeToString(req.Signature),
		ReceivedAt:    models.Now().Unix(),
	})
	if err != nil {
		return "", models.Receipt{}, fmt.Errorf("recording moderation event: %w", err)
	}

	receipt, err := c.conductor.SubmitEvent(ctx, conductor.Event{
		EventType: "moderation_event",
		Epoch:     event.CreationDay,
		Payload:   eventBytes,
		Metadata: map[string]string{
			"stage_instance": stageInstance,
			"event_id":       eventID,
		},
	})
	if err != nil {
		var be *bridgeerr.Error
		if errors.As(err, &be) {
			return "", models.Receipt{}, err
		}
		return "", models.Receipt{}, bridgeerr.Wrap(bridgeerr.KindBackendUnavailable, "conductor submission failed", err)
	}

	c.logger.Info("moderation event recorded",
		slog.String("event_id", eventID),
		slog.String("stage_instance", stageInstance),
		slog.Int("epoch", int(event.CreationDay)))
	return eventID, receipt, nil
}
