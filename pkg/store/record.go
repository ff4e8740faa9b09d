package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Record is one persisted measurement attempt.
type Record struct {
	Experiment    uuid.UUID `gorm:"column:experiment;type:uuid;not null" json:"experiment"`
	InsertionTime time.Time `gorm:"column:insertion_time;not null" json:"insertion_time"`
	Browser       string    `gorm:"column:browser;type:text;not null" json:"browser"`
	Extensions    string    `gorm:"column:extensions;type:text;not null" json:"extensions"`
	Domain        string    `gorm:"column:domain;type:text;not null" json:"domain"`
	HARUUID       uuid.UUID `gorm:"column:har_uuid;type:uuid;primaryKey" json:"har_uuid"`
	HAR           Document  `gorm:"column:har" json:"har,omitempty"`
	HARError      *string   `gorm:"column:har_error;type:text" json:"har_error,omitempty"`
}

// NewRecord is the caller-supplied part of a record. Exactly one of HAR
// and HARError must be set.
type NewRecord struct {
	Experiment uuid.UUID
	Browser    string
	Extensions string
	Domain     string
	HAR        json.RawMessage
	HARError   *string
}

func (r *NewRecord) validate() error {
	if (len(r.HAR) == 0) == (r.HARError == nil) {
		return fmt.Errorf("exactly one of har and har_error must be set")
	}

	return nil
}

// Document is a JSON document column stored as jsonb on PostgreSQL and
// json text on SQLite. An empty document is NULL.
type Document json.RawMessage

// Value implements driver.Valuer.
func (d Document) Value() (driver.Value, error) {
	if len(d) == 0 {
		return nil, nil
	}

	return string(d), nil
}

// Scan implements sql.Scanner.
func (d *Document) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d = nil
	case []byte:
		*d = append(Document(nil), v...)
	case string:
		*d = Document(v)
	default:
		return fmt.Errorf("unsupported document source %T", src)
	}

	return nil
}

// MarshalJSON emits the document verbatim.
func (d Document) MarshalJSON() ([]byte, error) {
	if len(d) == 0 {
		return []byte("null"), nil
	}

	return d, nil
}

// UnmarshalJSON stores a copy of data.
func (d *Document) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*d = nil

		return nil
	}

	*d = append(Document(nil), data...)

	return nil
}

// GormDataType implements schema.GormDataTypeInterface.
func (Document) GormDataType() string {
	return "json"
}

// GormDBDataType implements migrator.GormDBDataTypeInterface.
func (Document) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	if db.Dialector.Name() == "postgres" {
		return "jsonb"
	}

	return "json"
}

// Resource is one requested URL of a stored trace.
type Resource struct {
	Experiment uuid.UUID `gorm:"column:experiment" json:"experiment"`
	Extensions string    `gorm:"column:extensions" json:"extensions"`
	Domain     string    `gorm:"column:domain" json:"domain"`
	HARUUID    uuid.UUID `gorm:"column:har_uuid" json:"har_uuid"`
	URL        *string   `gorm:"column:url" json:"url"`
}

// ResourceCount is the number of entries and the page load time of a
// stored trace.
type ResourceCount struct {
	Experiment uuid.UUID `gorm:"column:experiment" json:"experiment"`
	Extensions string    `gorm:"column:extensions" json:"extensions"`
	Domain     string    `gorm:"column:domain" json:"domain"`
	HARUUID    uuid.UUID `gorm:"column:har_uuid" json:"har_uuid"`
	Resources  *int64    `gorm:"column:resources" json:"resources"`
	PageLoad   *float64  `gorm:"column:page_load" json:"page_load"`
}

// PageLoad is the onLoad timing of the first page of a stored trace.
type PageLoad struct {
	Experiment uuid.UUID `gorm:"column:experiment" json:"experiment"`
	Extensions string    `gorm:"column:extensions" json:"extensions"`
	Domain     string    `gorm:"column:domain" json:"domain"`
	HARUUID    uuid.UUID `gorm:"column:har_uuid" json:"har_uuid"`
	PageLoad   *float64  `gorm:"column:page_load" json:"page_load"`
}
