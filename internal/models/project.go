package models

// ProjectModel is the tenancy root. Every knowledge, routing and channel
// row carries a project_id pointing here.
type ProjectModel struct {
	Base
	SoftDelete
	Name        string  `json:"name"                  gorm:"type:varchar(128);not null"`
	Description *string `json:"description,omitempty" gorm:"type:text"`
	IsActive    bool    `json:"is_active"             gorm:"not null;default:true"`
	Settings    JSONMap `json:"settings,omitempty"    gorm:"serializer:json"`
}

func (ProjectModel) TableName() string { return "projects" }
