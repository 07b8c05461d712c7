package journal

import (
	"fmt"
	"time"
)

// Kind classifies journal events
type Kind string

const (
	KindMDLError    Kind = "mdl-error"
	KindTEIAssigned Kind = "tei-assigned"
	KindTEIDenied   Kind = "tei-denied"
	KindTEIRemoved  Kind = "tei-removed"
	KindTEIFailed   Kind = "tei-failed"
	KindTEICheck    Kind = "tei-check"
	KindEstablished Kind = "established"
	KindReleased    Kind = "released"
	KindActivated   Kind = "activated"
	KindDeactivated Kind = "deactivated"
)

// Event is one journaled layer 2 management or link event
type Event struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	At        time.Time `gorm:"index;not null" json:"at"`
	Interface string    `gorm:"index;size:64" json:"interface"`
	SAPI      uint8     `json:"sapi"`
	TEI       uint8     `json:"tei"`
	Kind      Kind      `gorm:"index;size:32;not null" json:"kind"`
	Code      string    `gorm:"size:8" json:"code,omitempty"`
	Detail    string    `gorm:"size:255" json:"detail,omitempty"`
}

// TableName specifies the table name for GORM
func (Event) TableName() string {
	return "lapd_events"
}

// String returns string representation of Event
func (e Event) String() string {
	s := fmt.Sprintf("%s %s %s sapi=%d tei=%d", e.At.Format(time.RFC3339), e.Interface, e.Kind, e.SAPI, e.TEI)
	if e.Code != "" {
		s += " code=" + e.Code
	}
	if e.Detail != "" {
		s += " " + e.Detail
	}
	return s
}
