package models

// OptionModel is a generic key-value store for system configuration.
// The operator-tunable FullConfig lives here under name "configs".
type OptionModel struct {
	ID    uint   `json:"-" gorm:"primaryKey;autoIncrement"`
	Name  string `json:"name"  gorm:"uniqueIndex;not null"`
	Value string `json:"value" gorm:"type:text"` // JSON-encoded value
}

func (OptionModel) TableName() string { return "options" }
