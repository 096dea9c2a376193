package store

import "time"

type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	ExternalID   string
	Role         string
	CreatedAt    time.Time
}

// SessionRecord is what a session token resolves to.
type SessionRecord struct {
	UserID    string
	Username  string
	Role      string
	CreatedAt time.Time
}

// BatchSummary is a batch without its days, as shown on the batch list.
type BatchSummary struct {
	ID       string
	Name     string
	Slug     string
	DayCount int
}

type Batch struct {
	ID        string
	Name      string
	Slug      string
	Position  int
	CreatedAt time.Time
	Days      []Day
}

// Day is one dated content unit inside a batch. Comments are only populated
// by GetDay.
type Day struct {
	ID       string
	Slug     string
	Title    string
	Content  string
	ZoomID   string
	DocID    string
	Position int
	Comments []Comment
}

type Comment struct {
	ID        string
	Author    string
	Text      string
	CreatedAt time.Time
}
