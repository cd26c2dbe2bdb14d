package model

import "time"

// AuthorProfile holds the aggregate counters shown on an author's page.
// They are maintained best-effort from the outbox and may lag the transaction log.
type AuthorProfile struct {
	ID                     int64     `gorm:"primaryKey;autoIncrement" json:"-"`
	UserID                 string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"user_id"`
	TotalEarnings          int64     `gorm:"not null;default:0" json:"total_earnings"`
	TotalStoriesPublished  int64     `gorm:"not null;default:0" json:"total_stories_published"`
	TotalChaptersPublished int64     `gorm:"not null;default:0" json:"total_chapters_published"`
	TotalReaders           int64     `gorm:"not null;default:0" json:"total_readers"`
	UpdatedAt              time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (AuthorProfile) TableName() string {
	return "author_profiles"
}
