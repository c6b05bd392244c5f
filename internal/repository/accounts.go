package repository

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"renewal-mail-engine/internal/model"
)

func (r *Repository) SaveAccount(account *model.MailAccount) error {
	if err := r.db.Save(account).Error; err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

func (r *Repository) GetAccount(id uint) (*model.MailAccount, error) {
	var account model.MailAccount
	if err := r.db.Preload("SpecificProvider").First(&account, id).Error; err != nil {
		return nil, notFound(err, "account")
	}
	return &account, nil
}

// ListSyncAccounts returns every account with automatic sync enabled
func (r *Repository) ListSyncAccounts() ([]model.MailAccount, error) {
	var accounts []model.MailAccount
	result := r.db.Where("auto_sync_enabled = ?", true).Order("id").Find(&accounts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list sync accounts: %w", result.Error)
	}
	return accounts, nil
}

// FindAccountByAddresses returns the account for the first address that
// belongs to a known mailbox, in the order given.
func (r *Repository) FindAccountByAddresses(addresses []string) (*model.MailAccount, error) {
	return r.findAccountByAddresses(r.db, addresses)
}

// FindOwnerAccountByAddresses is FindAccountByAddresses restricted to the
// owner's mailboxes.
func (r *Repository) FindOwnerAccountByAddresses(ownerID uint, addresses []string) (*model.MailAccount, error) {
	return r.findAccountByAddresses(r.db.Where("owner_id = ?", ownerID), addresses)
}

func (r *Repository) findAccountByAddresses(scope *gorm.DB, addresses []string) (*model.MailAccount, error) {
	for _, addr := range addresses {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr == "" {
			continue
		}
		var account model.MailAccount
		result := scope.Session(&gorm.Session{}).Preload("SpecificProvider").Where("email_address = ?", addr).First(&account)
		if result.Error == nil {
			return &account, nil
		}
		if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("database error: %w", result.Error)
		}
	}
	return nil, ErrNotFound
}

func (r *Repository) DefaultSenderAccount(ownerID uint) (*model.MailAccount, error) {
	var account model.MailAccount
	result := r.db.Preload("SpecificProvider").
		Where("owner_id = ? AND is_default_sender = ?", ownerID, true).
		First(&account)
	if result.Error != nil {
		return nil, notFound(result.Error, "default sender account")
	}
	return &account, nil
}

// RecordSyncSuccess stamps a successful poll without touching credentials
func (r *Repository) RecordSyncSuccess(accountID uint, at time.Time, log string) error {
	result := r.db.Model(&model.MailAccount{}).Where("id = ?", accountID).UpdateColumns(map[string]any{
		"last_sync_at":      at,
		"connection_status": true,
		"last_sync_log":     log,
	})
	if result.Error != nil {
		return fmt.Errorf("failed to record sync success: %w", result.Error)
	}
	return nil
}

func (r *Repository) RecordSyncFailure(accountID uint, log string) error {
	result := r.db.Model(&model.MailAccount{}).Where("id = ?", accountID).UpdateColumns(map[string]any{
		"connection_status": false,
		"last_sync_log":     log,
	})
	if result.Error != nil {
		return fmt.Errorf("failed to record sync failure: %w", result.Error)
	}
	return nil
}

func (r *Repository) GetProvider(id uint) (*model.EmailProvider, error) {
	var provider model.EmailProvider
	if err := r.db.Where("is_active = ?", true).First(&provider, id).Error; err != nil {
		return nil, notFound(err, "provider")
	}
	return &provider, nil
}

// DefaultProvider returns the active provider flagged as system default
func (r *Repository) DefaultProvider() (*model.EmailProvider, error) {
	var provider model.EmailProvider
	result := r.db.Where("is_default = ? AND is_active = ?", true, true).Order("id").First(&provider)
	if result.Error != nil {
		return nil, notFound(result.Error, "default provider")
	}
	return &provider, nil
}

func (r *Repository) GetModuleSettings(ownerID uint) (*model.ModuleSettings, error) {
	var settings model.ModuleSettings
	if err := r.db.Where("owner_id = ?", ownerID).First(&settings).Error; err != nil {
		return nil, notFound(err, "module settings")
	}
	return &settings, nil
}

// RecordConnectionStatus stores the outcome of a connection test
func (r *Repository) RecordConnectionStatus(accountID uint, ok bool, log string) error {
	result := r.db.Model(&model.MailAccount{}).Where("id = ?", accountID).UpdateColumns(map[string]any{
		"connection_status": ok,
		"last_sync_log":     log,
	})
	if result.Error != nil {
		return fmt.Errorf("failed to record connection status: %w", result.Error)
	}
	return nil
}
