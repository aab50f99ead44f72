// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Garrison Contributors

package patrol

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/samber/oops"

	"github.com/garrisonhq/garrison/internal/bus"
	"github.com/garrisonhq/garrison/internal/entity"
	"github.com/garrisonhq/garrison/internal/stats"
	"github.com/garrisonhq/garrison/internal/store"
)

// Sentinel errors for patrol mutations. Callers match with errors.Is.
var (
	ErrEffectNotFound = errors.New("effect not found")
	ErrMemberNotFound = errors.New("member not found")
)

// corruptionSentinel is the marker a broken serializer leaves behind when it
// stringifies an object instead of its text field.
const corruptionSentinel = "[object Object]"

// ModifierSource resolves organization-wide stat modifiers that apply to
// every patrol in the organization.
type ModifierSource interface {
	ModifiersFor(ctx context.Context, orgID string) (stats.Modifier, error)
}

// ServiceConfig carries the dependencies for NewService.
type ServiceConfig struct {
	// Store is the patrol store. Required.
	Store *store.Store[*Patrol]
	// Source resolves organization modifiers. Optional; when nil,
	// organization modifiers are treated as empty.
	Source ModifierSource
	// Logger receives service logs. Defaults to slog.Default().
	Logger *slog.Logger
	// Now supplies order timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Service implements patrol operations on top of the generic store. Every
// mutation that can change a derivation input recomputes DerivedStats in
// the same store transaction, so readers never observe stale stats.
type Service struct {
	store  *store.Store[*Patrol]
	source ModifierSource
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs a patrol service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Store == nil {
		panic("patrol: ServiceConfig.Store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:  cfg.Store,
		source: cfg.Source,
		logger: logger,
		now:    now,
	}
}

// Store exposes the underlying patrol store for wiring and reads.
func (s *Service) Store() *store.Store[*Patrol] {
	return s.store
}

// Create makes a new patrol in the given organization and derives its
// initial stats.
func (s *Service) Create(ctx context.Context, orgID, name string, base stats.Modifier) (*Patrol, error) {
	org, err := s.orgModifiers(ctx, orgID)
	if err != nil {
		return nil, err
	}
	rec, err := s.store.Create(ctx, func(p *Patrol) {
		p.OrganizationID = orgID
		p.Name = name
		if len(base) > 0 {
			p.BaseStats = base.Clone()
		}
		p.rederive(org)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("patrol created",
		slog.String("patrol_id", rec.ID),
		slog.String("organization_id", orgID))
	return rec, nil
}

// Rename changes the patrol's display name.
func (s *Service) Rename(ctx context.Context, id, name string) (*Patrol, error) {
	return s.store.Update(ctx, id, func(p *Patrol) error {
		p.Name = name
		return nil
	})
}

// SetBaseStats replaces the patrol's base stats and rederives.
func (s *Service) SetBaseStats(ctx context.Context, id string, base stats.Modifier) (*Patrol, error) {
	return s.derive(ctx, id, func(p *Patrol) error {
		p.BaseStats = base.Clone()
		if p.BaseStats == nil {
			p.BaseStats = stats.Modifier{}
		}
		return nil
	})
}

// AddEffect attaches an effect to the patrol and rederives. Duplicate
// effect IDs are rejected by validation.
func (s *Service) AddEffect(ctx context.Context, id string, effect Effect) (*Patrol, error) {
	return s.derive(ctx, id, func(p *Patrol) error {
		p.Effects = append(p.Effects, effect.Clone())
		return nil
	})
}

// RemoveEffect detaches the effect with the given ID and rederives.
func (s *Service) RemoveEffect(ctx context.Context, id, effectID string) (*Patrol, error) {
	return s.derive(ctx, id, func(p *Patrol) error {
		i := p.effectIndex(effectID)
		if i < 0 {
			return oops.
				Code("EFFECT_NOT_FOUND").
				With("patrol_id", id).
				With("effect_id", effectID).
				Wrap(ErrEffectNotFound)
		}
		p.Effects = append(p.Effects[:i], p.Effects[i+1:]...)
		return nil
	})
}

// Refresh rederives the patrol's stats against the current organization
// modifiers without changing any other field. When the rederived stats
// match what the patrol already carries the store is left untouched, so
// repeated refreshes never inflate versions. Callers invoke it when an
// organization-wide modifier changes outside the patrol itself.
func (s *Service) Refresh(ctx context.Context, id string) (*Patrol, error) {
	rec, ok := s.store.Get(id)
	if !ok {
		return nil, entity.NotFound(KindID, id)
	}
	org, err := s.orgModifiers(ctx, rec.OrganizationID)
	if err != nil {
		return nil, err
	}
	probe := rec.Clone()
	probe.rederive(org)
	if maps.Equal(probe.DerivedStats, rec.DerivedStats) {
		return rec, nil
	}

	rec, err = s.derive(ctx, id, func(*Patrol) error { return nil })
	if err != nil {
		return nil, err
	}
	s.logger.Debug("patrol stats refreshed", slog.String("patrol_id", id))
	return rec, nil
}

// AssignOfficer sets the patrol's officer. A nil-name member is rejected
// by validation.
func (s *Service) AssignOfficer(ctx context.Context, id string, officer Member) (*Patrol, error) {
	return s.store.Update(ctx, id, func(p *Patrol) error {
		p.Officer = &officer
		return nil
	})
}

// AddSoldier appends a soldier to the patrol roster.
func (s *Service) AddSoldier(ctx context.Context, id string, soldier Member) (*Patrol, error) {
	return s.store.Update(ctx, id, func(p *Patrol) error {
		p.Soldiers = append(p.Soldiers, soldier)
		return nil
	})
}

// RemoveSoldier removes the soldier with the given member ID.
func (s *Service) RemoveSoldier(ctx context.Context, id, memberID string) (*Patrol, error) {
	return s.store.Update(ctx, id, func(p *Patrol) error {
		for i, m := range p.Soldiers {
			if m.ID == memberID {
				p.Soldiers = append(p.Soldiers[:i], p.Soldiers[i+1:]...)
				return nil
			}
		}
		return oops.
			Code("MEMBER_NOT_FOUND").
			With("patrol_id", id).
			With("member_id", memberID).
			Wrap(ErrMemberNotFound)
	})
}

// IssueOrder records the order as the patrol's last order, stamped with
// the service clock.
func (s *Service) IssueOrder(ctx context.Context, id, text string) (*Patrol, error) {
	return s.store.Update(ctx, id, func(p *Patrol) error {
		p.LastOrder = &Order{Text: text, IssuedAt: s.now()}
		return nil
	})
}

// derive runs mutate and then recomputes derived stats inside a single
// tagged update, so bus subscribers can distinguish derivation changes.
func (s *Service) derive(ctx context.Context, id string, mutate func(*Patrol) error) (*Patrol, error) {
	rec, ok := s.store.Get(id)
	if !ok {
		return nil, entity.NotFound(KindID, id)
	}
	org, err := s.orgModifiers(ctx, rec.OrganizationID)
	if err != nil {
		return nil, err
	}
	return s.store.UpdateTagged(ctx, id, bus.FieldDerivedStats, func(p *Patrol) error {
		if err := mutate(p); err != nil {
			return err
		}
		p.rederive(org)
		return nil
	})
}

func (s *Service) orgModifiers(ctx context.Context, orgID string) (stats.Modifier, error) {
	if s.source == nil {
		return nil, nil
	}
	org, err := s.source.ModifiersFor(ctx, orgID)
	if err != nil {
		return nil, oops.
			Code("MODIFIER_SOURCE_FAILED").
			With("organization_id", orgID).
			Wrap(err)
	}
	return org, nil
}

// SanitizeOrder repairs a patrol whose last order text carries the
// stringified-object marker left by a broken upstream serializer. The
// corrupt order is dropped rather than failing the hydration. It returns
// the repaired field paths, or nil when the patrol is clean.
func SanitizeOrder(p *Patrol) []string {
	if p.LastOrder == nil || !strings.Contains(p.LastOrder.Text, corruptionSentinel) {
		return nil
	}
	p.LastOrder = nil
	return []string{"last_order.text"}
}
