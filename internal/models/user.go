package models

import (
	"time"

	"gorm.io/gorm"
)

// User owns scheduled content and holds per-platform credentials. Credential
// columns store a JSON document with access/refresh tokens and expiry.
type User struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	Username     string `gorm:"uniqueIndex;not null;size:80" json:"username"`
	Email        string `gorm:"uniqueIndex;not null;size:120" json:"email"`
	PasswordHash string `gorm:"not null;size:120" json:"-"`

	TwitchCredentials    string `gorm:"type:jsonb" json:"-"`
	TwitterCredentials   string `gorm:"type:jsonb" json:"-"`
	InstagramCredentials string `gorm:"type:jsonb" json:"-"`
	DiscordCredentials   string `gorm:"type:jsonb" json:"-"`
	YouTubeCredentials   string `gorm:"type:jsonb" json:"-"`

	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at"`
}

// CredentialsFor returns the raw credential document for a platform, empty
// when the platform is not connected.
func (u *User) CredentialsFor(platform string) string {
	switch platform {
	case "twitch":
		return u.TwitchCredentials
	case "twitter":
		return u.TwitterCredentials
	case "instagram":
		return u.InstagramCredentials
	case "discord":
		return u.DiscordCredentials
	case "youtube":
		return u.YouTubeCredentials
	}
	return ""
}

// SetCredentialsFor stores the credential document for a platform.
func (u *User) SetCredentialsFor(platform, doc string) bool {
	switch platform {
	case "twitch":
		u.TwitchCredentials = doc
	case "twitter":
		u.TwitterCredentials = doc
	case "instagram":
		u.InstagramCredentials = doc
	case "discord":
		u.DiscordCredentials = doc
	case "youtube":
		u.YouTubeCredentials = doc
	default:
		return false
	}
	return true
}
