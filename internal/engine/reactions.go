package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"opsline/internal/domain"
	"opsline/internal/repo"
)

// ProcessReactions drains up to one batch of pending reaction items, oldest
// first. Items whose source event is gone are marked failed; the rest get
// the configured action for their event type (if any) and are marked
// completed. The pending-keyed status update consumes each item at most
// once.
func (e Engine) ProcessReactions(ctx context.Context) (int, []error) {
	items, err := e.Repo.PendingReactions(ctx, e.Config.ReactionBatch())
	if err != nil {
		return 0, []error{fmt.Errorf("list reactions: %w", err)}
	}
	processed := 0
	var errs []error
	for _, item := range items {
		now := e.now().UTC().Format(time.RFC3339)
		evt, err := e.Repo.GetEvent(ctx, item.SourceEventID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				if _, err := e.Repo.MarkReaction(ctx, item.ID, domain.ReactionFailed, now); err != nil {
					errs = append(errs, fmt.Errorf("reaction %s: %w", item.ID, err))
					continue
				}
				processed++
				continue
			}
			errs = append(errs, fmt.Errorf("reaction %s: %w", item.ID, err))
			continue
		}
		if err := e.applyReaction(ctx, evt); err != nil {
			e.logger().Printf("reaction %s for event %d: %v", item.ID, evt.ID, err)
			if _, markErr := e.Repo.MarkReaction(ctx, item.ID, domain.ReactionFailed, now); markErr != nil {
				errs = append(errs, fmt.Errorf("reaction %s: %w", item.ID, markErr))
				continue
			}
			errs = append(errs, err)
			processed++
			continue
		}
		if _, err := e.Repo.MarkReaction(ctx, item.ID, domain.ReactionCompleted, now); err != nil {
			errs = append(errs, fmt.Errorf("reaction %s: %w", item.ID, err))
			continue
		}
		processed++
	}
	return processed, errs
}

// applyReaction looks the event type up in the configured action table.
// Unmapped types are a successful no-op.
func (e Engine) applyReaction(ctx context.Context, evt domain.AgentEvent) error {
	action, ok := e.Config.Reactions[evt.EventType]
	if !ok || action.CreateProposal == nil {
		return nil
	}
	tpl := action.CreateProposal
	_, err := e.AdmitProposal(ctx, AdmitOptions{
		Source:               domain.SourceReaction,
		Title:                tpl.Title,
		Description:          tpl.Description,
		StepKinds:            tpl.StepKinds,
		AutoApproveRequested: tpl.AutoApprove,
		CreatedBy:            "reaction:" + evt.EventType,
	})
	return err
}
