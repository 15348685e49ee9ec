package store

// Transfer is one journaled transfer session.
type Transfer struct {
	ID         uint `gorm:"primaryKey"`
	Peer       string
	Filename   string
	Direction  string // "read" or "write"
	Bytes      int64
	Status     string // "completed" or "failed"
	Detail     string
	StartedAt  int64
	FinishedAt int64
}

const (
	DirectionRead  = "read"
	DirectionWrite = "write"

	StatusCompleted = "completed"
	StatusFailed    = "failed"
)
