// Package visitor is the operator-facing surface over end users: listing,
// detail, the manual transfer-to-human entry point, and presence upkeep fed
// by the substrate webhook and the offline sweep.
package visitor

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/echodesk/core/internal/models"
	"github.com/echodesk/core/internal/modules/fabric/channel"
	"github.com/echodesk/core/internal/modules/gateway"
	"github.com/echodesk/core/internal/modules/routing/assignment"
	"github.com/echodesk/core/internal/modules/routing/inbox"
	"github.com/echodesk/core/internal/pkg/apperr"
	"github.com/echodesk/core/internal/pkg/pagination"
	"github.com/echodesk/core/internal/pkg/response"
)

type Service struct {
	db     *gorm.DB
	assign *assignment.Service
	fabric *channel.Adapter
	hub    *gateway.Hub
	log    *zap.Logger
}

// NewService wires the surface. fabric and hub may be nil; presence flips
// are then recorded without notifications.
func NewService(db *gorm.DB, assign *assignment.Service, fabric *channel.Adapter, hub *gateway.Hub, log *zap.Logger) *Service {
	return &Service{db: db, assign: assign, fabric: fabric, hub: hub, log: log.Named("visitor")}
}

// ListFilter narrows the visitor listing.
type ListFilter struct {
	Status     *models.VisitorServiceStatus
	IsOnline   *bool
	PlatformID string
	Keyword    string
}

func (s *Service) List(ctx context.Context, projectID string, f ListFilter, q pagination.Query) ([]models.VisitorModel, response.Pagination, error) {
	db := s.db.WithContext(ctx).Model(&models.VisitorModel{}).
		Scopes(models.ScopedBy(projectID))
	if f.Status != nil {
		db = db.Where("service_status = ?", *f.Status)
	}
	if f.IsOnline != nil {
		db = db.Where("is_online = ?", *f.IsOnline)
	}
	if f.PlatformID != "" {
		db = db.Where("platform_id = ?", f.PlatformID)
	}
	if kw := strings.TrimSpace(f.Keyword); kw != "" {
		pattern := "%" + kw + "%"
		db = db.Where("name ILIKE ? OR platform_open_id ILIKE ?", pattern, pattern)
	}
	db = db.Order("last_visit_time DESC NULLS LAST, created_at DESC")

	var rows []models.VisitorModel
	page, err := pagination.Paginate(db, q, &rows)
	return rows, page, err
}

func (s *Service) Get(ctx context.Context, projectID, id string) (*models.VisitorModel, error) {
	var row models.VisitorModel
	err := s.db.WithContext(ctx).
		Scopes(models.ScopedBy(projectID)).
		First(&row, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("visitor %s not found", id)
		}
		return nil, err
	}
	return &row, nil
}

// TransferInput is the manual transfer-to-human request. A nil StaffID lets
// the engine choose; queueing is always allowed on this path.
type TransferInput struct {
	StaffID *string `json:"staff_id"`
	Message *string `json:"message"`
	Reason  *string `json:"reason"`
	// SkipAssignedCheck queues the visitor even when an operator already
	// holds their open session.
	SkipAssignedCheck bool `json:"skip_assigned_check"`
	Priority          int  `json:"priority"`
}

func (s *Service) Transfer(ctx context.Context, projectID, visitorID string, in TransferInput, byStaffID *string) (*assignment.TransferResult, error) {
	return s.assign.TransferToStaff(ctx, visitorID, projectID, assignment.TransferOptions{
		TargetStaffID:     in.StaffID,
		Source:            models.AssignSourceManual,
		VisitorMessage:    in.Message,
		Reason:            in.Reason,
		AssignedByStaffID: byStaffID,
		AllowQueue:        true,
		SkipAssignedCheck: in.SkipAssignedCheck,
		Priority:          in.Priority,
	})
}

// CancelQueue drops the visitor's waiting-queue entry and restores the
// pre-queue state.
func (s *Service) CancelQueue(ctx context.Context, projectID, visitorID string, byStaffID *string) error {
	return s.assign.CancelFromQueue(ctx, visitorID, projectID, byStaffID)
}

// ApplyPresence records substrate online-status flips. Unknown uids are
// skipped; an unchanged flag only refreshes the timestamps so repeated
// per-device events do not re-broadcast.
func (s *Service) ApplyPresence(ctx context.Context, changes []inbox.PresenceChange) {
	for _, ch := range changes {
		if err := s.applyPresence(ctx, ch); err != nil {
			s.log.Warn("presence update failed", zap.String("uid", ch.UID), zap.Error(err))
		}
	}
}

func (s *Service) applyPresence(ctx context.Context, ch inbox.PresenceChange) error {
	var v models.VisitorModel
	err := s.db.WithContext(ctx).First(&v, "id = ?", ch.UID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	updates := map[string]any{"is_online": ch.Online}
	if ch.Online {
		updates["last_visit_time"] = time.Now()
	} else {
		updates["last_offline_time"] = time.Now()
	}
	if err := s.db.WithContext(ctx).Model(&v).Updates(updates).Error; err != nil {
		return err
	}

	if v.IsOnline == ch.Online {
		return nil
	}
	s.notifyPresence(ctx, v.ProjectID, v.ID, ch.Online)
	return nil
}

func (s *Service) notifyPresence(ctx context.Context, projectID, visitorID string, online bool) {
	if s.fabric != nil {
		if err := s.fabric.EmitVisitorPresence(ctx, projectID, visitorID, online); err != nil {
			s.log.Warn("presence event delivery failed",
				zap.String("visitor_id", visitorID), zap.Error(err))
		}
	}
	if s.hub != nil {
		event := gateway.EventVisitorOffline
		if online {
			event = gateway.EventVisitorOnline
		}
		s.hub.BroadcastProject(projectID, event, map[string]any{
			"visitor_id": visitorID,
			"online":     online,
		})
	}
}

// MarkStaleOffline flips visitors silent past the threshold to offline.
// The substrate usually reports disconnects itself; the sweep covers the
// webhooks it drops. Run by the maintenance scheduler.
func (s *Service) MarkStaleOffline(ctx context.Context, staleAfter time.Duration) (int64, error) {
	cutoff := time.Now().Add(-staleAfter)

	var stale []models.VisitorModel
	err := s.db.WithContext(ctx).
		Where("is_online = ? AND (last_visit_time IS NULL OR last_visit_time < ?)", true, cutoff).
		Find(&stale).Error
	if err != nil || len(stale) == 0 {
		return 0, err
	}

	ids := make([]string, 0, len(stale))
	for _, v := range stale {
		ids = append(ids, v.ID)
	}
	err = s.db.WithContext(ctx).Model(&models.VisitorModel{}).
		Where("id IN ?", ids).
		Updates(map[string]any{"is_online": false, "last_offline_time": time.Now()}).Error
	if err != nil {
		return 0, err
	}

	for _, v := range stale {
		s.notifyPresence(ctx, v.ProjectID, v.ID, false)
	}
	return int64(len(stale)), nil
}
