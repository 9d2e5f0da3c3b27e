package types

import "time"

// EmbeddingDim is the vector length produced by the embedder model.
const EmbeddingDim = 512

// Identity is a registered person with their reference face embedding.
type Identity struct {
	ID        int64
	Name      string
	Vector    []float32 // EmbeddingDim floats, nil when never computed
	UpdatedAt time.Time
}

// Face is what the detector hands to the embedder: an aligned crop plus its location.
type Face struct {
	Crop       []byte  `json:"-"`
	Box        [4]int  `json:"box"` // [x1, y1, x2, y2] in frame pixels
	Confidence float64 `json:"confidence"`
}

// Status is the per-frame classification published to pollers.
type Status string

const (
	StatusWaiting        Status = "waiting"
	StatusUnknown        Status = "unknown"
	StatusMarked         Status = "marked"
	StatusAlreadyPresent Status = "already_present"
)

// Outcome is the result of one processed frame. IdentityID is 0 when nobody was recognized.
type Outcome struct {
	IdentityID int64     `json:"identity_id,omitempty"`
	Name       string    `json:"name,omitempty"`
	Similarity float64   `json:"confidence"`
	Distance   float64   `json:"distance"`
	Status     Status    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

// Recognized reports whether the outcome carries an identity.
func (o Outcome) Recognized() bool {
	return o.Status == StatusMarked || o.Status == StatusAlreadyPresent
}

// AttendanceRecord is one row of the attendance table.
type AttendanceRecord struct {
	ID         int64
	IdentityID int64
	Name       string
	Date       string // YYYY-MM-DD
	TimeOfDay  string // HH:MM:SS
	SourceID   string
	Confidence float64
	CreatedAt  time.Time
}

// AttendanceSummary lists everyone present on a given date.
type AttendanceSummary struct {
	Date         string
	TotalPresent int
	Records      []AttendanceRecord
}

// Date layouts used for attendance rows.
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04:05"
)
