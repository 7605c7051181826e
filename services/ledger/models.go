package ledger

import (
	"time"

	"gorm.io/datatypes"
)

type submissionModel struct {
	RunID       string         `gorm:"column:run_id;type:uuid;primaryKey"`
	Task        string         `gorm:"type:text;not null"`
	Email       string         `gorm:"type:text;not null"`
	Round       int            `gorm:"not null"`
	Nonce       string         `gorm:"type:text;not null"`
	Brief       string         `gorm:"type:text"`
	CallbackURL string         `gorm:"column:callback_url;type:text;not null"`
	Status      string         `gorm:"type:text;not null"`
	Stage       string         `gorm:"type:text"`
	Error       string         `gorm:"type:text"`
	RepoURL     string         `gorm:"column:repo_url;type:text"`
	CommitRef   string         `gorm:"column:commit_ref;type:text"`
	PagesURL    string         `gorm:"column:pages_url;type:text"`
	BundleDir   string         `gorm:"column:bundle_dir;type:text"`
	Notice      datatypes.JSON `gorm:"type:json"`
	Attempts    int            `gorm:"not null;default:0"`
	CreatedAt   time.Time      `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt   time.Time      `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (submissionModel) TableName() string { return "submissions" }

type archiveModel struct {
	ID        string    `gorm:"type:uuid;primaryKey"`
	RunID     string    `gorm:"column:run_id;type:uuid;not null;uniqueIndex"`
	Task      string    `gorm:"type:text;not null"`
	Bucket    string    `gorm:"type:text;not null"`
	Key       string    `gorm:"type:text;not null"`
	SHA256    string    `gorm:"column:sha256;type:text;not null"`
	Size      int64     `gorm:"not null"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (archiveModel) TableName() string { return "archives" }

type auditModel struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null"`
	Obj     string            `gorm:"type:text"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (auditModel) TableName() string { return "audit" }

// Submission is one pipeline run as recorded in the ledger.
type Submission struct {
	RunID       string    `json:"run_id" db:"run_id"`
	Task        string    `json:"task" db:"task"`
	Email       string    `json:"email" db:"email"`
	Round       int       `json:"round" db:"round"`
	Nonce       string    `json:"nonce" db:"nonce"`
	CallbackURL string    `json:"callback_url" db:"callback_url"`
	Status      string    `json:"status" db:"status"`
	Stage       string    `json:"stage" db:"stage"`
	Error       string    `json:"error,omitempty" db:"error"`
	RepoURL     string    `json:"repo_url,omitempty" db:"repo_url"`
	PagesURL    string    `json:"pages_url,omitempty" db:"pages_url"`
	Notice      []byte    `json:"-" db:"notice"`
	Attempts    int       `json:"attempts" db:"attempts"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Archive locates a stored bundle archive.
type Archive struct {
	ID        string    `json:"id" db:"id"`
	RunID     string    `json:"run_id" db:"run_id"`
	Task      string    `json:"task" db:"task"`
	Bucket    string    `json:"bucket" db:"bucket"`
	Key       string    `json:"key" db:"key"`
	SHA256    string    `json:"sha256" db:"sha256"`
	Size      int64     `json:"size" db:"size"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Ledger-only statuses. Terminal statuses come from the pipeline.
const (
	StatusRunning   = "running"
	StatusPublished = "published"
)
