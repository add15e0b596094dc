// Package model 包含了应用的数据模型定义。
package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// StringList 是存储在 MySQL JSON 列中的字符串数组。
type StringList []string

// Value 实现 driver.Valuer 接口，将切片序列化为 JSON 存库。
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	return string(b), err
}

// Scan 实现 sql.Scanner 接口，从 JSON 列反序列化。
func (l *StringList) Scan(value interface{}) error {
	return scanJSON(value, l)
}

// ExperienceEntry 代表画像中的一段工作经历。
type ExperienceEntry struct {
	Position    string `json:"position"`
	Company     string `json:"company"`
	Duration    string `json:"duration"`
	Location    string `json:"location"`
	Description string `json:"description"`
}

// ExperienceList 是存储在 JSON 列中的工作经历数组。
type ExperienceList []ExperienceEntry

func (l ExperienceList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	return string(b), err
}

func (l *ExperienceList) Scan(value interface{}) error {
	return scanJSON(value, l)
}

// EducationEntry 代表画像中的一段教育经历。
type EducationEntry struct {
	Degree      string `json:"degree"`
	Institution string `json:"institution"`
	Duration    string `json:"duration"`
	Location    string `json:"location"`
}

// EducationList 是存储在 JSON 列中的教育经历数组。
type EducationList []EducationEntry

func (l EducationList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	return string(b), err
}

func (l *EducationList) Scan(value interface{}) error {
	return scanJSON(value, l)
}

func scanJSON(value interface{}, dest interface{}) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return errors.New("unsupported column type for json scan")
	}
}

// Profile 代表用户的职业画像，是简历生成的唯一事实来源。
type Profile struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	UserID         string         `gorm:"uniqueIndex;size:64;not null" json:"userId"`
	FullName       string         `gorm:"size:128" json:"fullName"`
	Email          string         `gorm:"size:128" json:"email"`
	Phone          string         `gorm:"size:64" json:"phone"`
	Headline       string         `gorm:"size:256" json:"headline"`
	Summary        string         `gorm:"type:text" json:"summary"`
	Skills         StringList     `gorm:"type:json" json:"skills"`
	Experience     ExperienceList `gorm:"type:json" json:"experience"`
	Education      EducationList  `gorm:"type:json" json:"education"`
	Certifications StringList     `gorm:"type:json" json:"certifications"`
	// EmbeddingsLastUpdated 记录该画像最近一次被向量化索引的时间，空值表示从未索引。
	EmbeddingsLastUpdated *time.Time `json:"embeddingsLastUpdated"`
	CreatedAt             time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt             time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Profile) TableName() string {
	return "profiles"
}
