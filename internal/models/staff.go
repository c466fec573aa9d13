package models

// Staff roles. Auto-assignment only ever considers RoleUser operators; admins
// must be targeted explicitly.
const (
	StaffRoleAdmin = "admin"
	StaffRoleUser  = "user"
)

// StaffModel is a human operator. Username uniqueness per project is a partial
// index in the migrations.
type StaffModel struct {
	Base
	SoftDelete
	ProjectScoped
	Username      string  `json:"username"              gorm:"type:varchar(64);index;not null"`
	PasswordHash  string  `json:"-"                     gorm:"not null"`
	Name          string  `json:"name"                  gorm:"not null"`
	Nickname      *string `json:"nickname,omitempty"`
	Description   *string `json:"description,omitempty" gorm:"type:text"`
	Role          string  `json:"role"                  gorm:"type:varchar(16);not null;default:'user'"`
	Status        string  `json:"status"                gorm:"type:varchar(16);not null;default:'offline'"`
	IsActive      bool    `json:"is_active"             gorm:"not null;default:true"`
	ServicePaused bool    `json:"service_paused"        gorm:"not null;default:false"`
}

func (StaffModel) TableName() string { return "staffs" }
