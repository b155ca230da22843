package reconcile

import (
	"context"
	"fmt"

	"github.com/roach88/meshsync/internal/ir"
)

// StrategyFor returns the conflict resolution strategy of a data type.
func StrategyFor(dataType string) ir.ResolutionStrategy {
	switch dataType {
	case ir.DataTypeMessage, ir.DataTypeLocation:
		return ir.StrategyLastWriteWins
	case ir.DataTypeMarker:
		return ir.StrategyMerge
	default:
		return ir.StrategyManual
	}
}

// resolve applies the record's strategy to a pending conflict, updating rec
// and c in place. It reports whether the conflict is now resolved; manual
// conflicts never are.
//
// Re-running resolve for the same conflict leaves the record unchanged, so
// the sweep may retry a conflict whose first resolution was interrupted.
func (e *Engine) resolve(ctx context.Context, rec *ir.SyncRecord, c *ir.ConflictRecord) (bool, error) {
	strategy := StrategyFor(rec.DataType)
	existing, incoming := versions(*rec, c)

	switch strategy {
	case ir.StrategyLastWriteWins:
		chosen := existing
		switch {
		case rec.Hash == c.ConflictingHash:
			chosen = incoming
		case c.ConflictingSource.Timestamp.After(rec.LatestSourceTime()):
			rec.Hash = c.ConflictingHash
			rec.Data = c.ConflictingData
			rec.Version++
			chosen = incoming
		}
		rec.AddSource(c.ConflictingSource)
		rec.Status = ir.SyncSynced
		return true, e.commit(ctx, rec, c, strategy, []ir.ConflictVersion{existing, incoming}, chosen)

	case ir.StrategyMerge:
		merged := mergeNonNull(rec.Data, c.ConflictingData)
		hash, err := ContentHash(merged)
		if err != nil {
			return false, err
		}
		if hash != rec.Hash {
			rec.Data = merged
			rec.Hash = hash
			rec.Version++
		}
		chosen := ir.ConflictVersion{
			Hash:    hash,
			Source:  c.ConflictingSource,
			Data:    merged,
			Version: rec.Version,
		}
		rec.AddSource(c.ConflictingSource)
		rec.Status = ir.SyncSynced
		return true, e.commit(ctx, rec, c, strategy, []ir.ConflictVersion{existing, incoming}, chosen)

	default:
		changed := rec.AddSource(c.ConflictingSource)
		if !changed && rec.Status == ir.SyncConflict {
			return false, nil
		}
		rec.Status = ir.SyncConflict
		rec.UpdatedAt = e.clock.Now()
		if err := e.store.Upsert(ctx, ir.CollectionSyncRecords, rec.ID, rec); err != nil {
			return false, fmt.Errorf("flag conflict on %s: %w", rec.ID, err)
		}
		return false, nil
	}
}

// commit stamps the resolution on rec, persists it and marks c resolved.
func (e *Engine) commit(ctx context.Context, rec *ir.SyncRecord, c *ir.ConflictRecord, strategy ir.ResolutionStrategy, competing []ir.ConflictVersion, chosen ir.ConflictVersion) error {
	now := e.clock.Now()
	rec.UpdatedAt = now
	rec.Resolution = &ir.ConflictResolution{
		Strategy:   strategy,
		ResolvedBy: e.resolver,
		ResolvedAt: now,
		Versions:   competing,
		Chosen:     chosen,
	}
	if err := e.store.Upsert(ctx, ir.CollectionSyncRecords, rec.ID, rec); err != nil {
		return fmt.Errorf("commit resolution on %s: %w", rec.ID, err)
	}

	c.Status = ir.ConflictResolved
	if err := e.store.Upsert(ctx, ir.CollectionSyncConflicts, c.ID, c); err != nil {
		return fmt.Errorf("mark conflict %s resolved: %w", c.ID, err)
	}

	e.logger.Info("conflict resolved",
		"record_id", rec.ID,
		"conflict_id", c.ID,
		"strategy", strategy,
		"chosen_hash", chosen.Hash)
	return nil
}

// versions returns the stored and incoming versions of a conflict.
func versions(rec ir.SyncRecord, c *ir.ConflictRecord) (existing, incoming ir.ConflictVersion) {
	existing = ir.ConflictVersion{
		Hash:    rec.Hash,
		Data:    rec.Data,
		Version: rec.Version,
	}
	for _, s := range rec.Sources {
		if !s.Timestamp.Before(existing.Source.Timestamp) {
			existing.Source = s
		}
	}
	incoming = ir.ConflictVersion{
		Hash:    c.ConflictingHash,
		Source:  c.ConflictingSource,
		Data:    c.ConflictingData,
		Version: rec.Version + 1,
	}
	return existing, incoming
}

// mergeNonNull overlays every non-null field of patch onto base.
func mergeNonNull(base, patch ir.Payload) ir.Payload {
	out := make(ir.Payload, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if v != nil {
			out[k] = v
		}
	}
	return out
}
