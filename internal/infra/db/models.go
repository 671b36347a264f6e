package db

import "time"

type AuditEventModel struct {
	ID           string  `gorm:"type:uuid;primaryKey"`
	Seq          int64   `gorm:"uniqueIndex;not null"`
	EventType    string  `gorm:"index;not null"`
	Result       string  `gorm:"not null"`
	Reason       *string `gorm:"index"`
	ClientIDHash *string `gorm:"index"`
	NonceHash    *string
	RemoteAddr   *string
	RequestID    *string   `gorm:"index"`
	PayloadJSON  []byte    `gorm:"type:jsonb;not null"`
	PayloadHash  string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"index;not null"`
}

func (AuditEventModel) TableName() string {
	return "audit_events"
}

type AuditSeqModel struct {
	ID  int   `gorm:"primaryKey"`
	Seq int64 `gorm:"not null"`
}

func (AuditSeqModel) TableName() string {
	return "audit_seq"
}
