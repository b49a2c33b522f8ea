package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonesrussell/north-cloud/acquirer/internal/config"
	"github.com/jonesrussell/north-cloud/acquirer/internal/database"
	"github.com/jonesrussell/north-cloud/acquirer/internal/domain"
)

// ExpandTargets flattens configured targets in order: one per category, then one per item id.
func ExpandTargets(targets []config.TargetConfig) (domain.TargetSelector, error) {
	var selector domain.TargetSelector
	for _, t := range targets {
		for _, category := range t.Categories {
			selector = append(selector, domain.RegionTarget(t.Region, category))
		}
		for _, itemID := range t.ItemIDs {
			selector = append(selector, domain.ItemTarget(itemID))
		}
	}
	if len(selector) == 0 {
		return nil, errors.New("no targets")
	}
	for _, target := range selector {
		if err := target.Validate(); err != nil {
			return nil, err
		}
	}
	return selector, nil
}

// Provision inserts configured policies that do not exist yet. Existing rows
// get the configured selector and description; their trigger and active flag
// stay as operators left them.
func Provision(ctx context.Context, store database.PolicyStore, policies []config.PolicyConfig) (int, error) {
	created := 0
	for _, pc := range policies {
		if _, err := ParseTrigger(pc.Trigger, time.Now()); err != nil {
			return created, fmt.Errorf("policy %s: %w", pc.ID, err)
		}
		selector, err := ExpandTargets(pc.Targets)
		if err != nil {
			return created, fmt.Errorf("policy %s: %w", pc.ID, err)
		}

		inserted, err := store.Ensure(ctx, &domain.SchedulePolicy{
			ID:             pc.ID,
			Trigger:        pc.Trigger,
			Active:         pc.Active,
			TargetSelector: selector,
			Description:    pc.Description,
		})
		if err != nil {
			return created, fmt.Errorf("policy %s: %w", pc.ID, err)
		}
		if inserted {
			created++
		}
	}
	return created, nil
}
