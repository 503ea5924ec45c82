// Package migration moves a legacy account's rows onto its new identity.
package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charachat/charachat/internal/app/domain/profile"
	"github.com/charachat/charachat/internal/app/metrics"
	"github.com/charachat/charachat/internal/app/services"
	"github.com/charachat/charachat/internal/app/storage"
	"github.com/charachat/charachat/internal/identity"
	"github.com/charachat/charachat/pkg/logger"
)

// Step is the outcome of reassigning one ownership column.
type Step struct {
	Table  string `json:"table"`
	Column string `json:"column"`
	Rows   int64  `json:"rows"`
	Error  string `json:"error,omitempty"`
}

// Report describes a migration run. Steps after a failure are absent.
type Report struct {
	LegacyUserID string `json:"legacy_user_id"`
	UserID       string `json:"user_id"`
	Steps        []Step `json:"steps"`
	Completed    bool   `json:"completed"`
}

// Rows sums the rows moved by all steps.
func (r Report) Rows() int64 {
	var n int64
	for _, s := range r.Steps {
		n += s.Rows
	}
	return n
}

// Service runs legacy migrations.
type Service struct {
	owners   storage.OwnershipStore
	profiles storage.ProfileStore
	legacy   *identity.LegacyVerifier
	log      *logger.Logger
	now      func() time.Time

	mu sync.Mutex
}

// New constructs a migration service. legacy may be nil when token based
// migration is not configured.
func New(owners storage.OwnershipStore, profiles storage.ProfileStore, legacy *identity.LegacyVerifier, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("migration")
	}
	return &Service{
		owners:   owners,
		profiles: profiles,
		legacy:   legacy,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// MigrateWithToken migrates the legacy account named by a legacy session
// token onto the authenticated user.
func (s *Service) MigrateWithToken(ctx context.Context, user *identity.User, token string) (Report, error) {
	if err := services.RequireUser(user); err != nil {
		return Report{}, err
	}
	if !s.legacy.Enabled() {
		return Report{}, services.Invalid("token", "legacy migration is not configured")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Report{}, services.Invalid("token", "is required")
	}
	legacyID, err := s.legacy.LegacyUserID(token)
	if err != nil {
		s.log.WithError(err).WithField("user_id", user.ID).Warn("legacy token rejected")
		return Report{}, services.Invalid("token", "invalid legacy token")
	}
	return s.Migrate(ctx, legacyID, user.ID)
}

// Migrate reassigns every ownership column from legacyID to newID in a
// fixed order. It stops at the first failure and returns the partial report
// with the error; rows already moved stay moved. Running it again is safe
// since moved rows no longer match legacyID.
func (s *Service) Migrate(ctx context.Context, legacyID, newID string) (Report, error) {
	legacyID = strings.TrimSpace(legacyID)
	newID = strings.TrimSpace(newID)
	switch {
	case legacyID == "":
		return Report{}, services.Invalid("legacy_user_id", "is required")
	case newID == "":
		return Report{}, services.Invalid("user_id", "is required")
	case legacyID == newID:
		return Report{}, services.Invalid("legacy_user_id", "must differ from the current user id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	report := Report{LegacyUserID: legacyID, UserID: newID, Steps: []Step{}}
	log := s.log.WithField("legacy_user_id", legacyID).WithField("user_id", newID)

	if err := s.clearPlaceholder(ctx, legacyID, newID); err != nil {
		return report, err
	}

	for _, col := range storage.OwnershipColumns {
		step := Step{Table: col.Table, Column: col.Column}
		n, err := s.owners.Reassign(ctx, col.Table, col.Column, legacyID, newID)
		step.Rows = n
		if err != nil {
			step.Error = err.Error()
			report.Steps = append(report.Steps, step)
			log.WithError(err).WithField("table", col.Table).Error("legacy migration stopped")
			return report, fmt.Errorf("reassign %s.%s: %w", col.Table, col.Column, err)
		}
		metrics.RecordMigratedRows(col.Table, n)
		report.Steps = append(report.Steps, step)
	}

	if err := s.stamp(ctx, legacyID, newID); err != nil {
		return report, err
	}
	report.Completed = true
	log.WithField("rows", report.Rows()).Info("legacy migration completed")
	return report, nil
}

// clearPlaceholder removes the empty profile created at first login so the
// legacy profile can take its place. A new profile that already carries
// data blocks the migration.
func (s *Service) clearPlaceholder(ctx context.Context, legacyID, newID string) error {
	if _, err := s.profiles.GetProfile(ctx, legacyID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	current, err := s.profiles.GetProfile(ctx, newID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if !placeholder(current) {
		return fmt.Errorf("profile %s already has data: %w", newID, storage.ErrConflict)
	}
	return s.profiles.DeleteProfile(ctx, newID)
}

func (s *Service) stamp(ctx context.Context, legacyID, newID string) error {
	p, err := s.profiles.GetProfile(ctx, newID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	now := s.now()
	p.LegacyUserID = legacyID
	p.MigratedAt = &now
	_, err = s.profiles.UpdateProfile(ctx, p)
	return err
}

func placeholder(p profile.Profile) bool {
	return p.Username == "" &&
		p.Bio == "" &&
		p.AvatarURL == "" &&
		p.FullName == "" &&
		p.Location == "" &&
		len(p.APIKeys) == 0 &&
		!p.HasEncryption()
}
