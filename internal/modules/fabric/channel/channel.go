// Package channel owns substrate channel membership and the system
// notifications that ride on it. Membership rows are the local source of
// truth; outbound substrate calls are best-effort and never unwind rows
// that already committed.
package channel

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/echodesk/core/internal/models"
	"github.com/echodesk/core/internal/modules/fabric/wukong"
)

// System message types pushed into visitor channels.
const (
	MsgTypeStaffAssigned      = 1000
	MsgTypeSessionClosed      = 1001
	MsgTypeSessionTransferred = 1002
)

// Event names carried in substrate event payloads.
const (
	EventQueueUpdated   = "queue_updated"
	EventVisitorOnline  = "visitor_online"
	EventVisitorOffline = "visitor_offline"
)

// StaffUID is the substrate identity of an operator. The suffix keeps
// operator traffic out of the visitor inbox.
func StaffUID(staffID string) string { return staffID + "-staff" }

// ProjectChannelID is the shared operator channel of a project; queue and
// presence events land there.
func ProjectChannelID(projectID string) string { return projectID + "-prj" }

// MemberRef names one channel member inside a system-message payload.
type MemberRef struct {
	UID  string `json:"uid"`
	Name string `json:"name"`
}

// SystemMessage is the payload shape for the 1000/1001/1002 notifications.
type SystemMessage struct {
	Type    int         `json:"type"`
	Content string      `json:"content"`
	Extra   []MemberRef `json:"extra,omitempty"`
}

// QueueUpdate is broadcast on the project channel whenever the waiting
// queue changes shape.
type QueueUpdate struct {
	Event     string `json:"event"`
	VisitorID string `json:"visitor_id,omitempty"`
	Position  int    `json:"position,omitempty"`
	Waiting   int64  `json:"waiting"`
}

// Adapter seats operators on visitor channels and emits notifications.
type Adapter struct {
	db  *gorm.DB
	sub *wukong.Client
	log *zap.Logger
}

func NewAdapter(db *gorm.DB, sub *wukong.Client, log *zap.Logger) *Adapter {
	return &Adapter{db: db, sub: sub, log: log.Named("fabric")}
}

// SeatOperator makes staffID the single seated operator of the channel:
// other STAFF membership rows are soft-deleted, a row for the new operator
// is ensured, and the substrate subscriber set is adjusted to match.
// Seating the operator already in place is a no-op. Substrate failures are
// logged; only membership-table errors are returned.
func (a *Adapter) SeatOperator(ctx context.Context, projectID, channelID string, channelType int, staffID string) error {
	if channelID == "" || staffID == "" {
		return nil
	}
	if channelType == 0 {
		channelType = wukong.ChannelTypeCS
	}

	var existing []models.ChannelMemberModel
	err := a.db.WithContext(ctx).
		Scopes(models.ScopedBy(projectID)).
		Where("channel_id = ? AND member_type = ?", channelID, models.MemberTypeStaff).
		Find(&existing).Error
	if err != nil {
		return err
	}

	seated := false
	unseated := make([]string, 0, len(existing))
	for _, m := range existing {
		if m.MemberID == staffID {
			seated = true
			continue
		}
		unseated = append(unseated, m.MemberID)
	}

	if len(unseated) > 0 {
		err = a.db.WithContext(ctx).
			Scopes(models.ScopedBy(projectID)).
			Where("channel_id = ? AND member_type = ? AND member_id <> ?", channelID, models.MemberTypeStaff, staffID).
			Delete(&models.ChannelMemberModel{}).Error
		if err != nil {
			return err
		}
	}

	if !seated {
		member := models.ChannelMemberModel{
			ProjectScoped: models.ProjectScoped{ProjectID: projectID},
			ChannelID:     channelID,
			ChannelType:   channelType,
			MemberID:      staffID,
			MemberType:    models.MemberTypeStaff,
		}
		if err := a.db.WithContext(ctx).Create(&member).Error; err != nil && !isUniqueViolation(err) {
			return err
		}
	}

	uids := make([]string, 0, len(unseated))
	for _, id := range unseated {
		uids = append(uids, StaffUID(id))
	}
	if err := a.sub.RemoveSubscribers(ctx, channelID, channelType, uids); err != nil {
		a.log.Warn("substrate subscriber remove failed",
			zap.String("channel_id", channelID), zap.Error(err))
	}
	if err := a.sub.AddSubscribers(ctx, channelID, channelType, []string{StaffUID(staffID)}); err != nil {
		a.log.Warn("substrate subscriber add failed",
			zap.String("channel_id", channelID), zap.Error(err))
	}
	return nil
}

// UnseatOperator soft-deletes the operator's membership row and drops the
// substrate subscription. Used when a session closes.
func (a *Adapter) UnseatOperator(ctx context.Context, projectID, channelID string, channelType int, staffID string) error {
	if channelID == "" || staffID == "" {
		return nil
	}
	if channelType == 0 {
		channelType = wukong.ChannelTypeCS
	}

	err := a.db.WithContext(ctx).
		Scopes(models.ScopedBy(projectID)).
		Where("channel_id = ? AND member_type = ? AND member_id = ?", channelID, models.MemberTypeStaff, staffID).
		Delete(&models.ChannelMemberModel{}).Error
	if err != nil {
		return err
	}

	if err := a.sub.RemoveSubscribers(ctx, channelID, channelType, []string{StaffUID(staffID)}); err != nil {
		a.log.Warn("substrate subscriber remove failed",
			zap.String("channel_id", channelID), zap.Error(err))
	}
	return nil
}

// SendStaffAssigned pushes the "operator connected" notification into the
// visitor channel.
func (a *Adapter) SendStaffAssigned(ctx context.Context, channelID string, channelType int, staffID, staffName, content string) error {
	if content == "" {
		content = staffName + " is now handling this conversation"
	}
	return a.systemMessage(ctx, channelID, channelType, SystemMessage{
		Type:    MsgTypeStaffAssigned,
		Content: content,
		Extra:   []MemberRef{{UID: StaffUID(staffID), Name: staffName}},
	})
}

// SendSessionClosed pushes the session-closed notification.
func (a *Adapter) SendSessionClosed(ctx context.Context, channelID string, channelType int, content string) error {
	if content == "" {
		content = "the conversation has been closed"
	}
	return a.systemMessage(ctx, channelID, channelType, SystemMessage{
		Type:    MsgTypeSessionClosed,
		Content: content,
	})
}

// SendSessionTransferred pushes the transfer notification naming the new
// operator.
func (a *Adapter) SendSessionTransferred(ctx context.Context, channelID string, channelType int, toStaffID, toStaffName, content string) error {
	if content == "" {
		content = "the conversation was transferred to " + toStaffName
	}
	return a.systemMessage(ctx, channelID, channelType, SystemMessage{
		Type:    MsgTypeSessionTransferred,
		Content: content,
		Extra:   []MemberRef{{UID: StaffUID(toStaffID), Name: toStaffName}},
	})
}

func (a *Adapter) systemMessage(ctx context.Context, channelID string, channelType int, msg SystemMessage) error {
	if channelID == "" {
		return nil
	}
	if channelType == 0 {
		channelType = wukong.ChannelTypeCS
	}
	return a.sub.SendJSON(ctx, wukong.OutboundMessage{
		ChannelID:   channelID,
		ChannelType: channelType,
		ClientMsgNo: uuid.NewString(),
		Body:        msg,
	})
}

// EmitQueueUpdated broadcasts a queue change on the project channel. The
// event is not persisted substrate-side; clients correlate by
// client_msg_no.
func (a *Adapter) EmitQueueUpdated(ctx context.Context, projectID string, upd QueueUpdate) error {
	if upd.Event == "" {
		upd.Event = "changed"
	}
	return a.sub.SendJSON(ctx, wukong.OutboundMessage{
		ChannelID:   ProjectChannelID(projectID),
		ChannelType: wukong.ChannelTypeGroup,
		ClientMsgNo: uuid.NewString(),
		NoPersist:   true,
		Body:        map[string]any{"type": EventQueueUpdated, "content": upd},
	})
}

// EmitVisitorPresence broadcasts a visitor online/offline flip on the
// project channel.
func (a *Adapter) EmitVisitorPresence(ctx context.Context, projectID, visitorID string, online bool) error {
	event := EventVisitorOffline
	if online {
		event = EventVisitorOnline
	}
	return a.sub.SendJSON(ctx, wukong.OutboundMessage{
		ChannelID:   ProjectChannelID(projectID),
		ChannelType: wukong.ChannelTypeGroup,
		ClientMsgNo: uuid.NewString(),
		NoPersist:   true,
		Body:        map[string]any{"type": event, "content": map[string]any{"visitor_id": visitorID, "online": online}},
	})
}

// Pass-throughs. The substrate client already decodes payloads uniformly.

func (a *Adapter) SearchMessages(ctx context.Context, req wukong.SearchRequest) ([]wukong.SyncedMessage, error) {
	return a.sub.SearchMessages(ctx, req)
}

func (a *Adapter) SyncConversations(ctx context.Context, uid string, version int64, msgCount int) ([]wukong.Conversation, error) {
	return a.sub.SyncConversations(ctx, uid, version, msgCount)
}

func (a *Adapter) SetUnread(ctx context.Context, uid, channelID string, channelType, unread int) error {
	return a.sub.SetUnread(ctx, uid, channelID, channelType, unread)
}

func (a *Adapter) KickDevice(ctx context.Context, uid string, deviceFlag int) error {
	return a.sub.KickDevice(ctx, uid, deviceFlag)
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	// 23505: postgres unique_violation
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
