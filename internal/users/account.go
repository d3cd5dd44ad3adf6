package users

import "strings"

// Account captures a login with its approval state. Approved non-admin
// accounts own exactly one player in the standings, keyed by the account id.
type Account struct {
	AccountID        string `gorm:"column:account_id;primaryKey;size:190;not null"`
	Username         string `gorm:"column:username;size:100;not null;uniqueIndex"`
	PasswordHash     string `gorm:"column:password_hash;size:200;not null"`
	IsAdmin          bool   `gorm:"column:is_admin;not null;default:false"`
	IsApproved       bool   `gorm:"column:is_approved;not null;default:false"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName exposes the table backing accounts.
func (Account) TableName() string {
	return "accounts"
}

// NormalizeUsername lower-cases and trims a login name so lookups are
// case-insensitive.
func NormalizeUsername(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
