package models

// Channel member types.
const (
	MemberTypeStaff   = "STAFF"
	MemberTypeVisitor = "VISITOR"
)

// ChannelMemberModel mirrors messaging-substrate channel membership locally.
// One active row per (channel_id, member_id) — partial unique index in the
// migrations; seating a new operator soft-deletes the previous STAFF rows.
type ChannelMemberModel struct {
	Base
	SoftDelete
	ProjectScoped
	ChannelID   string `json:"channel_id"   gorm:"type:varchar(64);index;not null"`
	ChannelType int    `json:"channel_type" gorm:"not null;default:251"`
	MemberID    string `json:"member_id"    gorm:"type:char(36);index;not null"`
	MemberType  string `json:"member_type"  gorm:"type:varchar(8);not null"`
}

func (ChannelMemberModel) TableName() string { return "channel_members" }
