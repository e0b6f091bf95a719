package workers

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/chorus-social/chorus-bridge/internal/activitypub"
	"github.com/chorus-social/chorus-bridge/internal/bridgecore"
	"github.com/chorus-social/chorus-bridge/internal/models"
)

// processQueuedExports is one ActivityPub delivery tick.
func (m *Manager) processQueuedExports(ctx context.Context) error {
	now := models.Now().Unix()
	rows, err := m.ledger.CheckoutExports(ctx, now, m.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("checking out export rows: %w", err)
	}

	for _, row := range rows {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := m.deliverExport(ctx, row); err != nil {
			m.logger.Warn("activitypub delivery failed",
				slog.String("ledger_id", row.ID.String()),
				slog.String("target", row.TargetURL),
				slog.String("error", err.Error()))
			m.handleExportFailure(ctx, row)
		}
	}
	return nil
}

// deliverExport reconstructs the Note from the stored export request and
// POSTs it to the fediverse target. The Note is rebuilt rather than stored:
// every field is a pure function of the post, so rebuilding cannot drift.
func (m *Manager) deliverExport(ctx context.Context, row models.ExportLedger) error {
	var req bridgecore.ExportRequest
	if err := json.Unmarshal(row.RawPayload, &req); err != nil {
		return fmt.Errorf("decoding stored export request: %w", err)
	}
	postBytes, err := hex.DecodeString(req.ChorusPost)
	if err != nil {
		return fmt.Errorf("decoding stored chorus_post: %w", err)
	}
	decoded, err := models.DecodeInner(models.MessageTypePostAnnouncement, postBytes)
	if err != nil {
		return fmt.Errorf("decoding stored post: %w", err)
	}
	post := decoded.(*models.PostAnnouncement)

	note, _ := m.translator.BuildNote(post, req.BodyMD)
	noteJSON, err := activitypub.EncodeNote(note)
	if err != nil {
		return err
	}

	if row.TargetURL == "" {
		return fmt.Errorf("export row has no target url")
	}

	if err := m.egress.Wait(ctx); err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, row.TargetURL, bytes.NewReader(noteJSON))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/activity+json")
	httpReq.Header.Set("Accept", "application/activity+json")

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("target responded %d", resp.StatusCode)
	}

	now := models.Now().Unix()
	if err := m.ledger.UpdateExportStatus(ctx, row.ID.String(), models.LedgerStatusDelivered, now); err != nil {
		return fmt.Errorf("marking export delivered: %w", err)
	}
	m.logger.Info("activitypub export delivered",
		slog.String("ledger_id", row.ID.String()),
		slog.String("target", row.TargetURL))
	return nil
}

// handleExportFailure schedules a retry or marks the row failed, mirroring
// the outbound worker's backoff exactly.
func (m *Manager) handleExportFailure(ctx context.Context, row models.ExportLedger) {
	now := models.Now().Unix()
	attempts := row.Attempts + 1
	if attempts <= m.cfg.ActivityPubMaxRetries {
		retryAt := now + m.cfg.ActivityPubRetryDelaySeconds*(1<<attempts)
		if err := m.ledger.UpdateExportForRetry(ctx, row.ID.String(), attempts, retryAt, now); err != nil {
			m.logger.Error("scheduling export retry failed",
				slog.String("ledger_id", row.ID.String()),
				slog.String("error", err.Error()))
		}
		return
	}
	if err := m.ledger.UpdateExportStatus(ctx, row.ID.String(), models.LedgerStatusFailed, now); err != nil {
		m.logger.Error("marking export failed",
			slog.String("ledger_id", row.ID.String()),
			slog.String("error", err.Error()))
	}
	m.logger.Error("activitypub export failed permanently",
		slog.String("ledger_id", row.ID.String()),
		slog.Int("attempts", attempts))
}
