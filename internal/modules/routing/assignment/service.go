// Package assignment routes visitors to human operators: direct targeting,
// candidate selection with affinity / LLM / load-balance resolution, and
// the waiting queue when nobody is available. Every transfer runs in one
// transaction; substrate and gateway notifications fire after commit.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/echodesk/core/internal/config"
	"github.com/echodesk/core/internal/models"
	"github.com/echodesk/core/internal/modules/fabric/channel"
	"github.com/echodesk/core/internal/modules/gateway"
	"github.com/echodesk/core/internal/modules/processing/ai"
	"github.com/echodesk/core/internal/pkg/apperr"
	"github.com/echodesk/core/internal/pkg/pagination"
	"github.com/echodesk/core/internal/pkg/response"
)

// Service is the assignment engine.
type Service struct {
	db     *gorm.DB
	fabric *channel.Adapter
	hub    *gateway.Hub
	ai     *ai.Client
	cfg    *config.AppConfig
	log    *zap.Logger
}

// NewService wires the engine. fabric and hub may be nil; notifications
// are then skipped, which tests rely on.
func NewService(db *gorm.DB, fabric *channel.Adapter, hub *gateway.Hub, aiClient *ai.Client, cfg *config.AppConfig, log *zap.Logger) *Service {
	return &Service{db: db, fabric: fabric, hub: hub, ai: aiClient, cfg: cfg, log: log.Named("assignment")}
}

type candidateInfo struct {
	staff       models.StaffModel
	activeChats int
}

// transferEffects collects the post-commit side effects of one transfer.
type transferEffects struct {
	projectID string
	visitorID string
	channelID string

	assignedStaff   *models.StaffModel
	previousStaffID *string
	queued          *channel.QueueUpdate
}

// TransferToStaff routes one visitor to an operator. The whole decision
// and its writes run in a single transaction; a failure anywhere rolls
// everything back.
func (s *Service) TransferToStaff(ctx context.Context, visitorID, projectID string, opts TransferOptions) (*TransferResult, error) {
	if opts.Source == "" {
		opts.Source = models.AssignSourceManual
	}

	var (
		result  *TransferResult
		effects *transferEffects
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, e, err := s.transferTx(ctx, tx, visitorID, projectID, opts)
		if err != nil {
			return err
		}
		result, effects = r, e
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.applyEffects(ctx, opts, effects)
	return result, nil
}

func (s *Service) transferTx(ctx context.Context, tx *gorm.DB, visitorID, projectID string, opts TransferOptions) (*TransferResult, *transferEffects, error) {
	var visitor models.VisitorModel
	err := tx.Scopes(models.ScopedBy(projectID)).First(&visitor, "id = ?", visitorID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, apperr.NotFound("visitor %s not found", visitorID)
		}
		return nil, nil, err
	}

	rule, err := s.loadRule(tx, projectID)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	var (
		staff      *models.StaffModel
		method     string
		selection  *ai.StaffSelection
		candidates []candidateInfo
	)

	if opts.TargetStaffID != nil && *opts.TargetStaffID != "" {
		staff, err = s.findTargetStaff(tx, projectID, *opts.TargetStaffID)
		if err != nil {
			return nil, nil, err
		}
		method = MethodTarget
	} else {
		candidates, err = s.eligibleCandidates(tx, projectID, rule, now)
		if err != nil {
			return nil, nil, err
		}
		if len(candidates) > 0 {
			staff, method, selection, err = s.pick(ctx, tx, projectID, visitor.ID, rule, candidates, opts)
			if err != nil {
				return nil, nil, err
			}
		}
	}

	if staff == nil {
		return s.unassignedTx(tx, &visitor, rule, candidates, now, opts)
	}
	return s.assignTx(tx, &visitor, staff, method, selection, candidates, opts)
}

// assignTx seats the chosen operator on the visitor's session and records
// the decision.
func (s *Service) assignTx(tx *gorm.DB, visitor *models.VisitorModel, staff *models.StaffModel, method string, selection *ai.StaffSelection, candidates []candidateInfo, opts TransferOptions) (*TransferResult, *transferEffects, error) {
	projectID := visitor.ProjectID

	session, previousStaffID, err := s.ensureOpenSession(tx, visitor, staff.ID)
	if err != nil {
		return nil, nil, err
	}

	// a queued visitor getting an operator leaves the queue
	var queueUpd *channel.QueueUpdate
	res := tx.Model(&models.VisitorWaitingQueueModel{}).
		Scopes(models.ScopedBy(projectID)).
		Where("visitor_id = ? AND status = ?", visitor.ID, models.QueueStatusWaiting).
		Updates(map[string]any{"status": models.QueueStatusAssigned})
	if res.Error != nil {
		return nil, nil, res.Error
	}
	if res.RowsAffected > 0 {
		waiting, err := s.waitingCount(tx, projectID)
		if err != nil {
			return nil, nil, err
		}
		queueUpd = &channel.QueueUpdate{Event: "assigned", VisitorID: visitor.ID, Waiting: waiting}
	}

	err = tx.Model(visitor).Updates(map[string]any{
		"service_status": models.VisitorStatusActive,
		"ai_disabled":    true,
	}).Error
	if err != nil {
		return nil, nil, err
	}

	history := models.VisitorAssignmentHistoryModel{
		ProjectScoped:     models.ProjectScoped{ProjectID: projectID},
		VisitorID:         visitor.ID,
		SessionID:         session.ID,
		AssignedStaffID:   &staff.ID,
		PreviousStaffID:   previousStaffID,
		AssignedByStaffID: opts.AssignedByStaffID,
		Source:            opts.Source,
		VisitorMessage:    opts.VisitorMessage,
		Notes:             strPtr("assigned via " + method),
	}
	fillDecisionAudit(&history, candidates, selection)
	if err := tx.Create(&history).Error; err != nil {
		return nil, nil, err
	}

	result := &TransferResult{
		Success:         true,
		Method:          method,
		AssignedStaffID: &staff.ID,
		SessionID:       &session.ID,
		Message:         fmt.Sprintf("assigned to %s", staff.Name),
	}
	effects := &transferEffects{
		projectID:       projectID,
		visitorID:       visitor.ID,
		channelID:       visitor.ID,
		assignedStaff:   staff,
		previousStaffID: previousStaffID,
		queued:          queueUpd,
	}
	return result, effects, nil
}

// unassignedTx handles the no-operator outcome: enqueue when allowed,
// otherwise an awaiting-assignment result with no state change.
func (s *Service) unassignedTx(tx *gorm.DB, visitor *models.VisitorModel, rule *models.VisitorAssignmentRuleModel, candidates []candidateInfo, now time.Time, opts TransferOptions) (*TransferResult, *transferEffects, error) {
	projectID := visitor.ProjectID

	if !opts.AllowQueue {
		history := models.VisitorAssignmentHistoryModel{
			ProjectScoped:     models.ProjectScoped{ProjectID: projectID},
			VisitorID:         visitor.ID,
			AssignedByStaffID: opts.AssignedByStaffID,
			Source:            opts.Source,
			VisitorMessage:    opts.VisitorMessage,
			Notes:             strPtr("no operator available; queueing disallowed"),
		}
		fillDecisionAudit(&history, candidates, nil)
		if err := tx.Create(&history).Error; err != nil {
			return nil, nil, err
		}
		return &TransferResult{
			Success: false,
			Method:  MethodAwaiting,
			Message: "no operator available, awaiting assignment",
		}, &transferEffects{projectID: projectID, visitorID: visitor.ID}, nil
	}

	// at most one WAITING row per visitor
	var existing models.VisitorWaitingQueueModel
	err := tx.Scopes(models.ScopedBy(projectID)).
		Where("visitor_id = ? AND status = ?", visitor.ID, models.QueueStatusWaiting).
		First(&existing).Error
	switch {
	case err == nil:
		history := models.VisitorAssignmentHistoryModel{
			ProjectScoped:     models.ProjectScoped{ProjectID: projectID},
			VisitorID:         visitor.ID,
			SessionID:         existing.SessionID,
			AssignedByStaffID: opts.AssignedByStaffID,
			Source:            opts.Source,
			VisitorMessage:    opts.VisitorMessage,
			Notes:             strPtr(fmt.Sprintf("already in waiting queue at position %d", existing.Position)),
		}
		if err := tx.Create(&history).Error; err != nil {
			return nil, nil, err
		}
		pos := existing.Position
		return &TransferResult{
			Success:        true,
			Method:         MethodQueued,
			WaitingQueueID: &existing.ID,
			QueuePosition:  &pos,
			Message:        fmt.Sprintf("already in waiting queue at position %d", pos),
		}, &transferEffects{projectID: projectID, visitorID: visitor.ID}, nil

	case errors.Is(err, gorm.ErrRecordNotFound):
		// fall through to insert

	default:
		return nil, nil, err
	}

	session, _, err := s.ensureOpenSession(tx, visitor, "")
	if err != nil {
		return nil, nil, err
	}

	// an operator already holds the session; queue entry needs an explicit skip
	if session.StaffID != nil && !opts.SkipAssignedCheck {
		staffID := *session.StaffID
		history := models.VisitorAssignmentHistoryModel{
			ProjectScoped:     models.ProjectScoped{ProjectID: projectID},
			VisitorID:         visitor.ID,
			SessionID:         session.ID,
			AssignedStaffID:   &staffID,
			AssignedByStaffID: opts.AssignedByStaffID,
			Source:            opts.Source,
			VisitorMessage:    opts.VisitorMessage,
			Notes:             strPtr("session already assigned; queueing refused"),
		}
		fillDecisionAudit(&history, candidates, nil)
		if err := tx.Create(&history).Error; err != nil {
			return nil, nil, err
		}
		return &TransferResult{
			Success:         true,
			Method:          MethodAssigned,
			AssignedStaffID: &staffID,
			SessionID:       &session.ID,
			Message:         "visitor already has an assigned operator",
		}, &transferEffects{projectID: projectID, visitorID: visitor.ID}, nil
	}

	waiting, err := s.waitingCount(tx, projectID)
	if err != nil {
		return nil, nil, err
	}
	position := int(waiting) + 1

	timeout := s.queueTimeout(rule)
	expiredAt := now.Add(timeout)
	aiDisabled := visitor.AIDisabled

	entry := models.VisitorWaitingQueueModel{
		ProjectScoped:  models.ProjectScoped{ProjectID: projectID},
		VisitorID:      visitor.ID,
		SessionID:      session.ID,
		Source:         opts.Source,
		Position:       position,
		Priority:       opts.Priority,
		Status:         models.QueueStatusWaiting,
		VisitorMessage: opts.VisitorMessage,
		Reason:         opts.Reason,
		ExpiredAt:      &expiredAt,
		AIDisabled:     &aiDisabled,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return nil, nil, err
	}

	if err := tx.Model(visitor).Updates(map[string]any{"service_status": models.VisitorStatusQueued}).Error; err != nil {
		return nil, nil, err
	}

	history := models.VisitorAssignmentHistoryModel{
		ProjectScoped:     models.ProjectScoped{ProjectID: projectID},
		VisitorID:         visitor.ID,
		SessionID:         session.ID,
		AssignedByStaffID: opts.AssignedByStaffID,
		Source:            opts.Source,
		VisitorMessage:    opts.VisitorMessage,
		Notes:             strPtr(fmt.Sprintf("queued at position %d", position)),
	}
	fillDecisionAudit(&history, candidates, nil)
	if err := tx.Create(&history).Error; err != nil {
		return nil, nil, err
	}

	result := &TransferResult{
		Success:        true,
		Method:         MethodQueued,
		WaitingQueueID: &entry.ID,
		QueuePosition:  &position,
		Message:        fmt.Sprintf("added to waiting queue at position %d", position),
	}
	effects := &transferEffects{
		projectID: projectID,
		visitorID: visitor.ID,
		queued: &channel.QueueUpdate{
			Event:     "enqueued",
			VisitorID: visitor.ID,
			Position:  position,
			Waiting:   int64(position),
		},
	}
	return result, effects, nil
}

// ensureOpenSession returns the visitor's OPEN session, creating one when
// absent. A non-empty staffID is written onto the session; the previously
// seated operator id is returned for the audit row.
func (s *Service) ensureOpenSession(tx *gorm.DB, visitor *models.VisitorModel, staffID string) (*models.VisitorSessionModel, *string, error) {
	var session models.VisitorSessionModel
	err := tx.Scopes(models.ScopedBy(visitor.ProjectID)).
		Where("visitor_id = ? AND status = ?", visitor.ID, models.SessionStatusOpen).
		First(&session).Error

	switch {
	case err == nil:
		var previous *string
		if session.StaffID != nil {
			prev := *session.StaffID
			previous = &prev
		}
		if staffID != "" && (session.StaffID == nil || *session.StaffID != staffID) {
			if err := tx.Model(&session).Updates(map[string]any{"staff_id": staffID}).Error; err != nil {
				return nil, nil, err
			}
			session.StaffID = &staffID
		}
		return &session, previous, nil

	case errors.Is(err, gorm.ErrRecordNotFound):
		platformID := visitor.PlatformID
		session = models.VisitorSessionModel{
			ProjectScoped: models.ProjectScoped{ProjectID: visitor.ProjectID},
			VisitorID:     visitor.ID,
			PlatformID:    &platformID,
			Status:        models.SessionStatusOpen,
		}
		if staffID != "" {
			session.StaffID = &staffID
		}
		if err := tx.Create(&session).Error; err != nil {
			return nil, nil, err
		}
		return &session, nil, nil

	default:
		return nil, nil, err
	}
}

// eligibleCandidates loads operators that can take a chat right now.
// An out-of-window rule empties the whole set.
func (s *Service) eligibleCandidates(tx *gorm.DB, projectID string, rule *models.VisitorAssignmentRuleModel, now time.Time) ([]candidateInfo, error) {
	if !inServiceWindow(rule, now) {
		return nil, nil
	}

	var staffs []models.StaffModel
	err := tx.Scopes(models.ScopedBy(projectID)).
		Where("role = ? AND is_active = ? AND service_paused = ?", models.StaffRoleUser, true, false).
		Order("id").
		Find(&staffs).Error
	if err != nil {
		return nil, err
	}
	if len(staffs) == 0 {
		return nil, nil
	}

	ids := make([]string, len(staffs))
	for i, st := range staffs {
		ids[i] = st.ID
	}
	counts, err := s.openSessionCounts(tx, projectID, ids)
	if err != nil {
		return nil, err
	}

	limit := 0
	if rule != nil && rule.MaxConcurrentChats != nil {
		limit = *rule.MaxConcurrentChats
	}

	out := make([]candidateInfo, 0, len(staffs))
	for _, st := range staffs {
		n := counts[st.ID]
		if limit > 0 && n >= limit {
			continue
		}
		out = append(out, candidateInfo{staff: st, activeChats: n})
	}
	return out, nil
}

func (s *Service) openSessionCounts(tx *gorm.DB, projectID string, staffIDs []string) (map[string]int, error) {
	type countRow struct {
		StaffID string
		N       int
	}
	var rows []countRow
	err := tx.Model(&models.VisitorSessionModel{}).
		Select("staff_id, COUNT(*) AS n").
		Scopes(models.ScopedBy(projectID)).
		Where("status = ? AND staff_id IN ?", models.SessionStatusOpen, staffIDs).
		Group("staff_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.StaffID] = r.N
	}
	return counts, nil
}

// pick resolves multiple candidates: last-operator affinity first, then
// the rule's LLM dispatcher, then load balancing. An LLM answer naming an
// unknown operator falls back to load balance but keeps the audit trail.
func (s *Service) pick(ctx context.Context, tx *gorm.DB, projectID, visitorID string, rule *models.VisitorAssignmentRuleModel, candidates []candidateInfo, opts TransferOptions) (*models.StaffModel, string, *ai.StaffSelection, error) {
	affine, err := s.affinityPick(tx, projectID, visitorID, candidates)
	if err != nil {
		return nil, "", nil, err
	}
	if affine != nil {
		return affine, MethodAffinity, nil, nil
	}

	if len(candidates) == 1 {
		return &candidates[0].staff, MethodLoadBalance, nil, nil
	}

	if rule != nil && rule.LLMAssignmentEnabled && s.ai != nil {
		selection := s.llmPick(ctx, rule, candidates, opts)
		if selection != nil {
			for i := range candidates {
				if candidates[i].staff.ID == selection.StaffID {
					return &candidates[i].staff, MethodLLM, selection, nil
				}
			}
			s.log.Warn("llm picked unknown operator, falling back to load balance",
				zap.String("staff_id", selection.StaffID))
		}
		return loadBalance(candidates), MethodLoadBalance, selection, nil
	}

	return loadBalance(candidates), MethodLoadBalance, nil, nil
}

func (s *Service) affinityPick(tx *gorm.DB, projectID, visitorID string, candidates []candidateInfo) (*models.StaffModel, error) {
	var last models.VisitorSessionModel
	err := tx.Scopes(models.ScopedBy(projectID)).
		Where("visitor_id = ? AND staff_id IS NOT NULL", visitorID).
		Order("created_at DESC").
		First(&last).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if last.StaffID == nil {
		return nil, nil
	}

	for i := range candidates {
		if candidates[i].staff.ID == *last.StaffID {
			return &candidates[i].staff, nil
		}
	}
	return nil, nil
}

func (s *Service) llmPick(ctx context.Context, rule *models.VisitorAssignmentRuleModel, candidates []candidateInfo, opts TransferOptions) *ai.StaffSelection {
	req := ai.SelectStaffRequest{
		RulePrompt:     rule.EffectivePrompt,
		VisitorMessage: deref(opts.VisitorMessage),
	}
	if rule.AIProviderID != nil {
		req.ProviderID = *rule.AIProviderID
	}
	if rule.Model != nil {
		req.Model = *rule.Model
	}
	for _, c := range candidates {
		req.Candidates = append(req.Candidates, ai.CandidateStaff{
			ID:          c.staff.ID,
			Name:        c.staff.Name,
			Description: deref(c.staff.Description),
			ActiveChats: c.activeChats,
		})
	}

	selection, err := s.ai.SelectStaff(ctx, req)
	if err != nil {
		s.log.Warn("llm staff selection failed, falling back to load balance", zap.Error(err))
		return nil
	}
	return selection
}

// loadBalance picks the candidate with the fewest open chats; ties go to
// the lexicographically smallest staff id so reruns are deterministic.
func loadBalance(candidates []candidateInfo) *models.StaffModel {
	best := 0
	for i := 1; i < len(candidates); i++ {
		if candidates[i].activeChats < candidates[best].activeChats ||
			(candidates[i].activeChats == candidates[best].activeChats &&
				candidates[i].staff.ID < candidates[best].staff.ID) {
			best = i
		}
	}
	return &candidates[best].staff
}

func (s *Service) findTargetStaff(tx *gorm.DB, projectID, staffID string) (*models.StaffModel, error) {
	var staff models.StaffModel
	err := tx.Scopes(models.ScopedBy(projectID)).
		Where("is_active = ?", true).
		First(&staff, "id = ?", staffID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("target staff %s not found or inactive", staffID)
		}
		return nil, err
	}
	return &staff, nil
}

func (s *Service) loadRule(tx *gorm.DB, projectID string) (*models.VisitorAssignmentRuleModel, error) {
	var rule models.VisitorAssignmentRuleModel
	err := tx.Scopes(models.ScopedBy(projectID)).First(&rule).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rule, nil
}

func (s *Service) waitingCount(tx *gorm.DB, projectID string) (int64, error) {
	var waiting int64
	err := tx.Model(&models.VisitorWaitingQueueModel{}).
		Scopes(models.ScopedBy(projectID)).
		Where("status = ?", models.QueueStatusWaiting).
		Count(&waiting).Error
	return waiting, err
}

func (s *Service) queueTimeout(rule *models.VisitorAssignmentRuleModel) time.Duration {
	minutes := 0
	if rule != nil && rule.QueueWaitTimeoutMinutes != nil {
		minutes = *rule.QueueWaitTimeoutMinutes
	}
	if minutes <= 0 && s.cfg != nil {
		minutes = s.cfg.Routing.QueueWaitTimeoutMinutes
	}
	if minutes <= 0 {
		minutes = 30
	}
	return time.Duration(minutes) * time.Minute
}

func fillDecisionAudit(history *models.VisitorAssignmentHistoryModel, candidates []candidateInfo, selection *ai.StaffSelection) {
	if len(candidates) > 0 {
		ids := make(models.StringArray, 0, len(candidates))
		scores := models.JSONMap{}
		for _, c := range candidates {
			ids = append(ids, c.staff.ID)
			scores[c.staff.ID] = c.activeChats
		}
		history.CandidateStaffIDs = ids
		history.CandidateScores = scores
	}
	if selection != nil {
		history.ModelUsed = strPtr(selection.Model)
		history.PromptUsed = strPtr(selection.Prompt)
		history.LLMResponse = strPtr(selection.RawResponse)
		if selection.Reasoning != "" {
			history.Reasoning = strPtr(selection.Reasoning)
		}
	}
}

// applyEffects fires post-commit notifications. Failures are logged and
// never unwind the transfer.
func (s *Service) applyEffects(ctx context.Context, opts TransferOptions, effects *transferEffects) {
	if effects == nil {
		return
	}

	if effects.assignedStaff != nil && s.fabric != nil {
		staff := effects.assignedStaff
		if err := s.fabric.SeatOperator(ctx, effects.projectID, effects.channelID, 0, staff.ID); err != nil {
			s.log.Warn("operator seating failed", zap.String("visitor_id", effects.visitorID), zap.Error(err))
		}

		transferred := effects.previousStaffID != nil && *effects.previousStaffID != staff.ID
		var err error
		if transferred {
			err = s.fabric.SendSessionTransferred(ctx, effects.channelID, 0, staff.ID, staff.Name, "")
		} else {
			err = s.fabric.SendStaffAssigned(ctx, effects.channelID, 0, staff.ID, staff.Name, "")
		}
		if err != nil {
			s.log.Warn("system message delivery failed", zap.String("visitor_id", effects.visitorID), zap.Error(err))
		}
	}

	if effects.assignedStaff != nil && s.hub != nil {
		s.hub.BroadcastProject(effects.projectID, gateway.EventAssignmentMade, map[string]any{
			"visitor_id": effects.visitorID,
			"staff_id":   effects.assignedStaff.ID,
			"source":     opts.Source,
		})
	}

	if effects.queued != nil {
		if s.fabric != nil {
			if err := s.fabric.EmitQueueUpdated(ctx, effects.projectID, *effects.queued); err != nil {
				s.log.Warn("queue event delivery failed", zap.String("project_id", effects.projectID), zap.Error(err))
			}
		}
		if s.hub != nil {
			s.hub.BroadcastProject(effects.projectID, gateway.EventQueueUpdated, effects.queued)
		}
	}
}

// CancelFromQueue flips the visitor's WAITING row to CANCELLED and
// restores the pre-queue AI flag.
func (s *Service) CancelFromQueue(ctx context.Context, visitorID, projectID string, cancelledBy *string) error {
	return s.cancelTx(ctx, projectID, cancelledBy, func(tx *gorm.DB) (*models.VisitorWaitingQueueModel, error) {
		var entry models.VisitorWaitingQueueModel
		err := tx.Scopes(models.ScopedBy(projectID)).
			Where("visitor_id = ? AND status = ?", visitorID, models.QueueStatusWaiting).
			First(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("visitor %s has no waiting queue entry", visitorID)
		}
		return &entry, err
	})
}

// CancelQueueEntry flips one queue row to CANCELLED by its id.
func (s *Service) CancelQueueEntry(ctx context.Context, entryID, projectID string, cancelledBy *string) error {
	return s.cancelTx(ctx, projectID, cancelledBy, func(tx *gorm.DB) (*models.VisitorWaitingQueueModel, error) {
		var entry models.VisitorWaitingQueueModel
		err := tx.Scopes(models.ScopedBy(projectID)).First(&entry, "id = ?", entryID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("queue entry %s not found", entryID)
		}
		if err != nil {
			return nil, err
		}
		if entry.Status != models.QueueStatusWaiting {
			return nil, apperr.Conflict("queue entry %s is %s", entryID, entry.Status)
		}
		return &entry, nil
	})
}

func (s *Service) cancelTx(ctx context.Context, projectID string, cancelledBy *string, locate func(tx *gorm.DB) (*models.VisitorWaitingQueueModel, error)) error {
	var (
		entry   *models.VisitorWaitingQueueModel
		waiting int64
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		found, err := locate(tx)
		if err != nil {
			return err
		}
		entry = found

		err = tx.Model(&models.VisitorWaitingQueueModel{}).
			Where("id = ?", entry.ID).
			Updates(map[string]any{"status": models.QueueStatusCancelled}).Error
		if err != nil {
			return err
		}

		updates := map[string]any{"service_status": models.VisitorStatusNew}
		if entry.AIDisabled != nil {
			updates["ai_disabled"] = *entry.AIDisabled
		}
		err = tx.Model(&models.VisitorModel{}).
			Scopes(models.ScopedBy(projectID)).
			Where("id = ? AND service_status = ?", entry.VisitorID, models.VisitorStatusQueued).
			Updates(updates).Error
		if err != nil {
			return err
		}

		history := models.VisitorAssignmentHistoryModel{
			ProjectScoped:     models.ProjectScoped{ProjectID: projectID},
			VisitorID:         entry.VisitorID,
			SessionID:         entry.SessionID,
			AssignedByStaffID: cancelledBy,
			Source:            models.AssignSourceManual,
			Notes:             strPtr("cancelled from waiting queue"),
		}
		if err := tx.Create(&history).Error; err != nil {
			return err
		}

		waiting, err = s.waitingCount(tx, projectID)
		return err
	})
	if err != nil {
		return err
	}

	s.applyEffects(ctx, TransferOptions{}, &transferEffects{
		projectID: projectID,
		visitorID: entry.VisitorID,
		queued:    &channel.QueueUpdate{Event: "cancelled", VisitorID: entry.VisitorID, Waiting: waiting},
	})
	return nil
}

// AssignFromWaitingQueue dispatches one queued visitor to the given
// operator. Without an explicit entry id the highest-priority,
// lowest-position row is popped.
func (s *Service) AssignFromWaitingQueue(ctx context.Context, staffID, projectID string, entryID *string, assignedBy *string) (*TransferResult, error) {
	var (
		result  *TransferResult
		effects *transferEffects
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry models.VisitorWaitingQueueModel
		q := tx.Scopes(models.ScopedBy(projectID)).Where("status = ?", models.QueueStatusWaiting)
		if entryID != nil && *entryID != "" {
			q = q.Where("id = ?", *entryID)
		} else {
			q = q.Order("priority DESC, position ASC")
		}
		if err := q.First(&entry).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("no waiting queue entry to assign")
			}
			return err
		}

		opts := TransferOptions{
			TargetStaffID:     &staffID,
			Source:            models.AssignSourceManual,
			VisitorMessage:    entry.VisitorMessage,
			AssignedByStaffID: assignedBy,
		}
		r, e, err := s.transferTx(ctx, tx, entry.VisitorID, projectID, opts)
		if err != nil {
			return err
		}
		result, effects = r, e
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.applyEffects(ctx, TransferOptions{Source: models.AssignSourceManual}, effects)
	return result, nil
}

// ExpireQueueEntries flips WAITING rows past their deadline to EXPIRED and
// returns queued visitors to NEW. Run by the maintenance sweep.
func (s *Service) ExpireQueueEntries(ctx context.Context) (int64, error) {
	var expired []models.VisitorWaitingQueueModel
	err := s.db.WithContext(ctx).
		Where("status = ? AND expired_at IS NOT NULL AND expired_at < ?", models.QueueStatusWaiting, time.Now()).
		Find(&expired).Error
	if err != nil || len(expired) == 0 {
		return 0, err
	}

	ids := make([]string, 0, len(expired))
	visitorIDs := make([]string, 0, len(expired))
	projects := make(map[string]struct{})
	for _, e := range expired {
		ids = append(ids, e.ID)
		visitorIDs = append(visitorIDs, e.VisitorID)
		projects[e.ProjectID] = struct{}{}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&models.VisitorWaitingQueueModel{}).
			Where("id IN ?", ids).
			Updates(map[string]any{"status": models.QueueStatusExpired}).Error
		if err != nil {
			return err
		}
		return tx.Model(&models.VisitorModel{}).
			Where("id IN ? AND service_status = ?", visitorIDs, models.VisitorStatusQueued).
			Updates(map[string]any{"service_status": models.VisitorStatusNew}).Error
	})
	if err != nil {
		return 0, err
	}

	for projectID := range projects {
		waiting, countErr := s.waitingCount(s.db.WithContext(ctx), projectID)
		if countErr != nil {
			continue
		}
		s.applyEffects(ctx, TransferOptions{}, &transferEffects{
			projectID: projectID,
			queued:    &channel.QueueUpdate{Event: "expired", Waiting: waiting},
		})
	}
	return int64(len(expired)), nil
}

// ListQueue pages through queue entries, WAITING by default.
func (s *Service) ListQueue(ctx context.Context, projectID string, status *models.QueueStatus, q pagination.Query) ([]models.VisitorWaitingQueueModel, response.Pagination, error) {
	db := s.db.WithContext(ctx).Model(&models.VisitorWaitingQueueModel{}).
		Scopes(models.ScopedBy(projectID))
	if status != nil {
		db = db.Where("status = ?", *status)
	} else {
		db = db.Where("status = ?", models.QueueStatusWaiting)
	}
	db = db.Order("priority DESC, position ASC")

	var rows []models.VisitorWaitingQueueModel
	page, err := pagination.Paginate(db, q, &rows)
	if err != nil {
		return nil, response.Pagination{}, err
	}
	return rows, page, nil
}

// GetRule returns the project's routing rule, nil when none is configured.
func (s *Service) GetRule(ctx context.Context, projectID string) (*models.VisitorAssignmentRuleModel, error) {
	return s.loadRule(s.db.WithContext(ctx), projectID)
}

// UpsertRule creates or updates the single per-project routing rule.
func (s *Service) UpsertRule(ctx context.Context, projectID string, in RuleInput) (*models.VisitorAssignmentRuleModel, error) {
	if err := validateRuleInput(in); err != nil {
		return nil, err
	}

	var rule *models.VisitorAssignmentRuleModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.loadRule(tx, projectID)
		if err != nil {
			return err
		}
		if existing == nil {
			existing = &models.VisitorAssignmentRuleModel{
				ProjectScoped: models.ProjectScoped{ProjectID: projectID},
				Timezone:      "Asia/Shanghai",
			}
		}

		applyRuleInput(existing, in)
		if err := tx.Save(existing).Error; err != nil {
			return err
		}
		rule = existing
		return nil
	})
	return rule, err
}

func validateRuleInput(in RuleInput) error {
	for _, wd := range in.ServiceWeekdays {
		if wd < 0 || wd > 6 {
			return apperr.InvalidPayload("service_weekdays entries must be 0 (Monday) through 6 (Sunday)")
		}
	}
	if in.Timezone != nil && *in.Timezone != "" {
		if _, err := time.LoadLocation(*in.Timezone); err != nil {
			return apperr.InvalidPayload("unknown timezone %q", *in.Timezone)
		}
	}
	if in.ServiceStartTime != nil && *in.ServiceStartTime != "" {
		if _, ok := parseClock(in.ServiceStartTime); !ok {
			return apperr.InvalidPayload("service_start_time must be HH:MM")
		}
	}
	if in.ServiceEndTime != nil && *in.ServiceEndTime != "" {
		if _, ok := parseClock(in.ServiceEndTime); !ok {
			return apperr.InvalidPayload("service_end_time must be HH:MM")
		}
	}
	if in.MaxConcurrentChats != nil && *in.MaxConcurrentChats < 0 {
		return apperr.InvalidPayload("max_concurrent_chats must not be negative")
	}
	if in.QueueWaitTimeoutMinutes != nil && *in.QueueWaitTimeoutMinutes <= 0 {
		return apperr.InvalidPayload("queue_wait_timeout_minutes must be positive")
	}
	return nil
}

func applyRuleInput(rule *models.VisitorAssignmentRuleModel, in RuleInput) {
	if in.MaxConcurrentChats != nil {
		rule.MaxConcurrentChats = in.MaxConcurrentChats
	}
	if in.ServiceWeekdays != nil {
		rule.ServiceWeekdays = in.ServiceWeekdays
	}
	if in.ServiceStartTime != nil {
		rule.ServiceStartTime = emptyToNil(in.ServiceStartTime)
	}
	if in.ServiceEndTime != nil {
		rule.ServiceEndTime = emptyToNil(in.ServiceEndTime)
	}
	if in.Timezone != nil && *in.Timezone != "" {
		rule.Timezone = *in.Timezone
	}
	if in.LLMAssignmentEnabled != nil {
		rule.LLMAssignmentEnabled = *in.LLMAssignmentEnabled
	}
	if in.AIProviderID != nil {
		rule.AIProviderID = emptyToNil(in.AIProviderID)
	}
	if in.Model != nil {
		rule.Model = emptyToNil(in.Model)
	}
	if in.EffectivePrompt != nil {
		rule.EffectivePrompt = *in.EffectivePrompt
	}
	if in.QueueWaitTimeoutMinutes != nil {
		rule.QueueWaitTimeoutMinutes = in.QueueWaitTimeoutMinutes
	}
}

func emptyToNil(p *string) *string {
	if p == nil || *p == "" {
		return nil
	}
	return p
}

func strPtr(s string) *string { return &s }

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
