package audit

// Action enumerates audit trail actions.
type Action string

const (
	// ActionPixelWrite records an accepted pixel write.
	ActionPixelWrite Action = "pixel_write"
	// ActionPixelReject records a refused pixel write and its reason.
	ActionPixelReject Action = "pixel_reject"
	// ActionLockCreate records a new moderation lock.
	ActionLockCreate Action = "lock_create"
	// ActionLockRemove records a lock removal.
	ActionLockRemove Action = "lock_remove"
)

// Entry is one appended audit record.
type Entry struct {
	EntryID           string `gorm:"column:entry_id;primaryKey;size:190;not null"`
	RecordedAtSeconds int64  `gorm:"column:recorded_at_s;not null;index:idx_audit_recorded"`
	UserID            string `gorm:"column:user_id;size:190;not null"`
	Action            Action `gorm:"column:action;size:32;not null"`
	X                 int    `gorm:"column:x;not null"`
	Y                 int    `gorm:"column:y;not null"`
	Color             string `gorm:"column:color;size:16;not null;default:''"`
	Detail            string `gorm:"column:detail;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "audit_entries"
}

// Draft is what callers submit; the recorder assigns identity and time.
type Draft struct {
	UserID string
	Action Action
	X      int
	Y      int
	Color  string
	Detail string
}
