package model

// Country is a selectable placement region.
type Country struct {
	Code     string `gorm:"primaryKey;size:8" json:"code" yaml:"code"`
	Name     string `gorm:"size:128" json:"name" yaml:"name"`
	NameEn   string `gorm:"size:128" json:"nameEn,omitempty" yaml:"name_en"`
	Flag     string `gorm:"size:16" json:"flag,omitempty" yaml:"flag"`
	Active   bool   `json:"active" yaml:"active"`
	Priority int    `json:"priority" yaml:"priority"`
}
