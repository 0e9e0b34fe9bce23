package locks

import "time"

// Region is an axis-aligned rectangle with inclusive bounds.
type Region struct {
	X1 int
	Y1 int
	X2 int
	Y2 int
}

// Normalize returns the region with corners ordered so X1 <= X2 and Y1 <= Y2.
func (r Region) Normalize() Region {
	if r.X1 > r.X2 {
		r.X1, r.X2 = r.X2, r.X1
	}
	if r.Y1 > r.Y2 {
		r.Y1, r.Y2 = r.Y2, r.Y1
	}
	return r
}

// Contains reports whether (x, y) falls inside the region.
func (r Region) Contains(x, y int) bool {
	return x >= r.X1 && x <= r.X2 && y >= r.Y1 && y <= r.Y2
}

// Lock is one active moderation lock.
type Lock struct {
	ID        string
	Region    Region
	Reason    string
	CreatedBy string
	CreatedAt time.Time
}

// Record is the persisted lock row.
type Record struct {
	LockID           string `gorm:"column:lock_id;primaryKey;size:190;not null"`
	X1               int    `gorm:"column:x1;not null"`
	Y1               int    `gorm:"column:y1;not null"`
	X2               int    `gorm:"column:x2;not null"`
	Y2               int    `gorm:"column:y2;not null"`
	Reason           string `gorm:"column:reason;type:text;not null;default:''"`
	CreatedBy        string `gorm:"column:created_by;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "region_locks"
}

func recordFromLock(lock Lock) Record {
	return Record{
		LockID:           lock.ID,
		X1:               lock.Region.X1,
		Y1:               lock.Region.Y1,
		X2:               lock.Region.X2,
		Y2:               lock.Region.Y2,
		Reason:           lock.Reason,
		CreatedBy:        lock.CreatedBy,
		CreatedAtSeconds: lock.CreatedAt.Unix(),
	}
}

func lockFromRecord(record Record) Lock {
	return Lock{
		ID:        record.LockID,
		Region:    Region{X1: record.X1, Y1: record.Y1, X2: record.X2, Y2: record.Y2},
		Reason:    record.Reason,
		CreatedBy: record.CreatedBy,
		CreatedAt: time.Unix(record.CreatedAtSeconds, 0).UTC(),
	}
}
