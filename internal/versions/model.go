package versions

// Record stores one saved version of a document. Payload holds either a full
// tree or a delta against the previous record of the same path.
type Record struct {
	ID              int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Path            string `gorm:"column:path;size:1024;not null;index:idx_spec_versions_path_created,priority:1;uniqueIndex:idx_spec_versions_dedupe,priority:1"`
	Name            string `gorm:"column:name;size:255;not null;uniqueIndex:idx_spec_versions_dedupe,priority:2"`
	Version         string `gorm:"column:version;size:64;not null;uniqueIndex:idx_spec_versions_dedupe,priority:3"`
	Payload         []byte `gorm:"column:payload;not null"`
	PayloadHash     string `gorm:"column:payload_hash;size:64;not null;uniqueIndex:idx_spec_versions_dedupe,priority:4"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null;index:idx_spec_versions_path_created,priority:2"`
	IsFull          bool   `gorm:"column:is_full;not null"`
	SoftDeleted     bool   `gorm:"column:soft_deleted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "spec_versions"
}

// NewRecord describes a record to insert. CreatedAtMillis is stamped from the
// store clock when zero.
type NewRecord struct {
	Path            string
	Name            string
	Version         string
	Payload         []byte
	IsFull          bool
	CreatedAtMillis int64
}

// Rewrite replaces the payload of an existing record with a full snapshot.
type Rewrite struct {
	ID      int64
	Payload []byte
}

// EntryStats summarizes the history of one path.
type EntryStats struct {
	Count        int
	DeletedCount int
	LastUpdate   int64
}
