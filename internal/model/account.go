package model

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// Sending methods of a mail account
const (
	SendingMethodDirectSMTP       = "direct-smtp"
	SendingMethodSystemDefault    = "system-default-provider"
	SendingMethodSpecificProvider = "specific-provider"
)

// Credential kinds stored in AccessCredential
const (
	AuthTypePassword = "password"
	AuthTypeOAuth2   = "oauth2"
)

// MailAccount represents one connected mailbox
type MailAccount struct {
	ID                  uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	OwnerID             uint           `json:"owner_id" gorm:"not null;index"`
	AccountName         string         `json:"account_name" gorm:"type:varchar(255)"`
	EmailAddress        string         `json:"email_address" gorm:"type:varchar(255);not null;uniqueIndex"`
	Provider            string         `json:"provider" gorm:"type:varchar(50);default:custom"`
	IMAPServer          string         `json:"imap_server" gorm:"type:varchar(255)"`
	IMAPPort            int            `json:"imap_port"`
	SMTPServer          string         `json:"smtp_server" gorm:"type:varchar(255)"`
	SMTPPort            int            `json:"smtp_port"`
	UseSSLTLS           bool           `json:"use_ssl_tls"`
	AuthType            string         `json:"auth_type" gorm:"type:varchar(20);default:password"`
	AccessCredential    string         `json:"-" gorm:"type:text"`
	AutoSyncEnabled     bool           `json:"auto_sync_enabled"`
	SyncIntervalMinutes int            `json:"sync_interval_minutes" gorm:"default:5"`
	SendingMethod       string         `json:"sending_method" gorm:"type:varchar(50);default:direct-smtp"`
	SpecificProviderID  *uint          `json:"specific_provider_id"`
	IsDefaultSender     bool           `json:"is_default_sender" gorm:"default:false;index"`
	ConnectionStatus    bool           `json:"connection_status"`
	LastSyncAt          *time.Time     `json:"last_sync_at"`
	LastSyncLog         string         `json:"last_sync_log" gorm:"type:text"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	DeletedAt           gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`

	SpecificProvider *EmailProvider `json:"specific_provider,omitempty" gorm:"foreignKey:SpecificProviderID"`
}

// TableName specifies the table name for MailAccount
func (MailAccount) TableName() string {
	return "mail_accounts"
}

type providerEndpoints struct {
	imapHost string
	imapPort int
	smtpHost string
	smtpPort int
}

var providerDefaults = map[string]providerEndpoints{
	"gmail":   {"imap.gmail.com", 993, "smtp.gmail.com", 587},
	"outlook": {"outlook.office365.com", 993, "smtp.office365.com", 587},
	"yahoo":   {"imap.mail.yahoo.com", 993, "smtp.mail.yahoo.com", 587},
}

// ApplyProviderDefaults fills empty endpoints for well-known providers
func (a *MailAccount) ApplyProviderDefaults() {
	d, ok := providerDefaults[strings.ToLower(a.Provider)]
	if !ok {
		return
	}
	if a.IMAPServer == "" {
		a.IMAPServer = d.imapHost
	}
	if a.IMAPPort == 0 {
		a.IMAPPort = d.imapPort
	}
	if a.SMTPServer == "" {
		a.SMTPServer = d.smtpHost
	}
	if a.SMTPPort == 0 {
		a.SMTPPort = d.smtpPort
	}
}

// BeforeSave fills provider endpoints and the sending method
func (a *MailAccount) BeforeSave(tx *gorm.DB) error {
	a.ApplyProviderDefaults()
	if a.SendingMethod == "" {
		a.SendingMethod = SendingMethodDirectSMTP
	}
	a.EmailAddress = strings.ToLower(strings.TrimSpace(a.EmailAddress))
	return nil
}

// AfterSave keeps at most one default sender per owner
func (a *MailAccount) AfterSave(tx *gorm.DB) error {
	if !a.IsDefaultSender {
		return nil
	}
	return tx.Session(&gorm.Session{NewDB: true, SkipHooks: true}).
		Model(&MailAccount{}).
		Where("owner_id = ? AND id <> ? AND is_default_sender = ?", a.OwnerID, a.ID, true).
		Update("is_default_sender", false).Error
}

// EmailProvider is a delivery provider reachable through an SMTP relay
type EmailProvider struct {
	ID                 uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	Name               string         `json:"name" gorm:"type:varchar(100);not null"`
	ProviderType       string         `json:"provider_type" gorm:"type:varchar(20);not null"`
	SMTPHost           string         `json:"smtp_host" gorm:"type:varchar(255)"`
	SMTPPort           int            `json:"smtp_port"`
	SMTPUsername       string         `json:"smtp_username" gorm:"type:varchar(255)"`
	SMTPPassword       string         `json:"-" gorm:"type:text"`
	UseTLS             bool           `json:"use_tls"`
	FromEmail          string         `json:"from_email" gorm:"type:varchar(255)"`
	FromName           string         `json:"from_name" gorm:"type:varchar(100)"`
	RateLimitPerMinute int            `json:"rate_limit_per_minute" gorm:"default:10"`
	IsDefault          bool           `json:"is_default" gorm:"default:false"`
	IsActive           bool           `json:"is_active"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	DeletedAt          gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// TableName specifies the table name for EmailProvider
func (EmailProvider) TableName() string {
	return "email_providers"
}

// ModuleSettings holds per-owner mail module preferences
type ModuleSettings struct {
	ID                         uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	OwnerID                    uint      `json:"owner_id" gorm:"not null;uniqueIndex"`
	WebhookURL                 string    `json:"webhook_url" gorm:"type:varchar(500)"`
	EnableWebhookNotifications bool      `json:"enable_webhook_notifications"`
	CreatedAt                  time.Time `json:"created_at"`
	UpdatedAt                  time.Time `json:"updated_at"`
}

// TableName specifies the table name for ModuleSettings
func (ModuleSettings) TableName() string {
	return "mail_module_settings"
}
