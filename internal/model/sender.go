package model

import (
	"strings"
	"time"
)

// Sender provider types. Outlook identities deliver through Microsoft Graph,
// everything else over SMTP.
const (
	SenderSMTP    = "smtp"
	SenderGmail   = "gmail"
	SenderOutlook = "outlook"
	SenderSES     = "ses"
)

type Sender struct {
	ID                int64      `db:"id" json:"id"`
	UserID            int64      `db:"user_id" json:"user_id"`
	Email             string     `db:"email" json:"email"`
	DisplayName       string     `db:"display_name" json:"display_name"`
	Domain            string     `db:"domain" json:"domain"`
	Provider          string     `db:"provider" json:"provider"`
	SMTPHost          string     `db:"smtp_host" json:"-"`
	SMTPPort          int        `db:"smtp_port" json:"-"`
	SMTPSecure        bool       `db:"smtp_secure" json:"-"`
	SMTPUser          string     `db:"smtp_user" json:"-"`
	SMTPPass          string     `db:"smtp_pass" json:"-"`
	OAuthAccessToken  string     `db:"oauth_access_token" json:"-"`
	OAuthRefreshToken string     `db:"oauth_refresh_token" json:"-"`
	OAuthExpiry       *time.Time `db:"oauth_expiry" json:"-"`
	IsVerified        bool       `db:"is_verified" json:"is_verified"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// MailDomain returns the domain used for Message-ID generation.
func (s *Sender) MailDomain() string {
	if s.Domain != "" {
		return s.Domain
	}
	if i := strings.LastIndex(s.Email, "@"); i >= 0 {
		return s.Email[i+1:]
	}
	return "localhost"
}

// UsesOAuth reports whether the sender authenticates with OAuth tokens.
func (s *Sender) UsesOAuth() bool {
	return s.OAuthRefreshToken != ""
}
