package bridgecore

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/chorus-social/chorus-bridge/internal/models"
)

// encodeExportPayload serializes an ExportRequest for the export ledger's
// raw_payload column. The delivery worker reconstructs the request from it.
func encodeExportPayload(req ExportRequest) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding export payload: %w", err)
	}
	return data, nil
}

func (c *Core) handlePostAnnouncement(ctx context.Context, senderInstance string, inner any) error {
	msg := inner.(*models.PostAnnouncement)
	return c.store.SaveFederatedPost(ctx, models.FederatedPost{
		PostID:         hex.EncodeToString(msg.PostID),
		AuthorPubkey:   hex.EncodeToString(msg.AuthorPubkey),
		ContentHash:    hex.EncodeToString(msg.ContentHash),
		OrderIndex:     msg.OrderIndex,
		CreationDay:    msg.CreationDay,
		SenderInstance: senderInstance,
		ReceivedAt:     models.Now().Unix(),
	})
}

func (c *Core) handleUserRegistration(ctx context.Context, senderInstance string, inner any) error {
	msg := inner.(*models.UserRegistration)
	return c.store.SaveRegisteredUser(ctx, models.RegisteredUser{
		UserPubkey:      hex.EncodeToString(msg.UserPubkey),
		RegistrationDay: msg.RegistrationDay,
		DayProofHash:    hex.EncodeToString(msg.DayProofHash),
		SenderInstance:  senderInstance,
		RegisteredAt:    models.Now().Unix(),
	})
}

func (c *Core) handleDayProof(ctx context.Context, senderInstance string, inner any) error {
	msg := inner.(*models.DayProof)
	return c.store.UpsertDayProof(ctx, models.DayProofRecord{
		Day:       msg.DayNumber,
		Proof:     msg.Proof,
		ProofHash: hex.EncodeToString(msg.ProofHash),
		Canonical: true,
		Source:    senderInstance,
		CreatedAt: models.Now().Unix(),
	})
}

func (c *Core) handleModerationEvent(ctx context.Context, senderInstance string, inner any) error {
	msg := inner.(*models.ModerationEvent)
	raw, err := models.EncodeInner(msg)
	if err != nil {
		return err
	}
	_, err = c.store.RecordModerationEvent(ctx, models.ModerationEventRecord{
		TargetRef:     hex.EncodeToString(msg.TargetRef),
		Action:        msg.Action,
		ReasonHash:    hex.EncodeToString(msg.ReasonHash),
		CreationDay:   msg.CreationDay,
		RawPayload:    raw,
		StageInstance: senderInstance,
		Signature:     "",
		ReceivedAt:    models.Now().Unix(),
	})
	return err
}

func (c *Core) handleCommunityCreation(ctx context.Context, senderInstance string, inner any) error {
	msg := inner.(*models.CommunityCreation)
	return c.store.SaveFederatedCommunity(ctx, models.FederatedCommunity{
		CommunityID:    hex.EncodeToString(msg.CommunityID),
		CreatorPubkey:  hex.EncodeToString(msg.CreatorPubkey),
		Name:           msg.Name,
		Description:    msg.Description,
		CreationDay:    msg.CreationDay,
		SenderInstance: senderInstance,
		ReceivedAt:     models.Now().Unix(),
	})
}

func (c *Core) handleUserUpdate(ctx context.Context, senderInstance string, inner any) error {
	msg := inner.(*models.UserUpdate)
	return c.store.SaveFederatedUserUpdate(ctx, models.FederatedUserUpdate{
		UserPubkey:           hex.EncodeToString(msg.UserPubkey),
		UpdatedFieldsPayload: hex.EncodeToString(msg.UpdatedFieldsPayload),
		UpdateDay:            msg.UpdateDay,
		SenderInstance:       senderInstance,
		ReceivedAt:           models.Now().Unix(),
	})
}

func (c *Core) handleCommunityUpdate(ctx context.Context, senderInstance string, inner any) error {
	msg := inner.(*models.CommunityUpdate)
	return c.store.SaveFederatedCommunityUpdate(ctx, models.FederatedCommunityUpdate{
		CommunityID:          hex.EncodeToString(msg.CommunityID),
		UpdatedFieldsPayload: hex.EncodeToString(msg.UpdatedFieldsPayload),
		UpdateDay:            msg.UpdateDay,
		SenderInstance:       senderInstance,
		ReceivedAt:           models.Now().Unix(),
	})
}

func (c *Core) handleCommunityMembershipUpdate(ctx context.Context, senderInstance string, inner any) error {
	msg := inner.(*models.CommunityMembershipUpdate)
	return c.store.SaveFederatedCommunityMembership(ctx, models.FederatedCommunityMembership{
		CommunityID:    hex.EncodeToString(msg.CommunityID),
		UserPubkey:     hex.EncodeToString(msg.UserPubkey),
		Action:         msg.Action,
		UpdateDay:      msg.UpdateDay,
		SenderInstance: senderInstance,
		ReceivedAt:     models.Now().Unix(),
	})
}

// handleInstanceJoinRequest admits a new Stage into the trust store and
// persists a snapshot so the membership survives restarts.
func (c *Core) handleInstanceJoinRequest(ctx context.Context, senderInstance string, inner any) error {
	msg := inner.(*models.InstanceJoinRequest)
	if len(msg.PublicKey) != ed25519.PublicKeySize {
		c.logger.Warn("instance join request with malformed public key",
			slog.String("instance_id", msg.InstanceID),
			slog.Int("key_len", len(msg.PublicKey)))
		return nil
	}

	c.trust.Add(msg.InstanceID, ed25519.PublicKey(msg.PublicKey))
	c.logger.Info("instance added to trust store",
		slog.String("instance_id", msg.InstanceID),
		slog.String("sponsor", senderInstance))

	if err := c.store.SaveTrustSnapshot(ctx, c.trust.Snapshot(), models.Now().Unix()); err != nil {
		c.logger.Error("persisting trust snapshot failed", slog.String("error", err.Error()))
	}
	return nil
}

// handleBlacklistUpdate removes trust for the named instance when the
// moderation action is "add". Un-blacklisting is not supported through this
// message; re-admission goes through a fresh InstanceJoinRequest.
func (c *Core) handleBlacklistUpdate(ctx context.Context, senderInstance string, inner any) error {
	msg := inner.(*models.BlacklistUpdate)
	switch msg.Action {
	case "add":
		c.trust.Remove(msg.InstanceID)
		c.logger.Info("instance removed from trust store by blacklist update",
			slog.String("instance_id", msg.InstanceID),
			slog.String("reporter", senderInstance))
		if err := c.store.SaveTrustSnapshot(ctx, c.trust.Snapshot(), models.Now().Unix()); err != nil {
			c.logger.Error("persisting trust snapshot failed", slog.String("error", err.Error()))
		}
	case "remove":
		c.logger.Warn("un-blacklist requested, not supported via BlacklistUpdate",
			slog.String("instance_id", msg.InstanceID))
	default:
		c.logger.Warn("unknown blacklist action",
			slog.String("action", msg.Action),
			slog.String("instance_id", msg.InstanceID))
	}
	return nil
}
