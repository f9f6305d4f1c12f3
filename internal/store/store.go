// Package store is the encrypted persistence layer: tenant registrations,
// block entries, and the two split-hash tables. Lookup-key fields are written
// through deterministic encryption so equality queries work without ever
// storing a raw identity.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"gorm.io/gorm"

	"github.com/411A/anonrelay/db/models"
	"github.com/411A/anonrelay/internal/cryptoutil"
)

// ErrNotFound reports a point-lookup miss.
var ErrNotFound = errors.New("store: not found")

// Table selects one of the two split-hash tables.
type Table int

const (
	// TableMessages holds admin-control tokens (answer/block). Rows survive
	// consumption so the buttons stay usable.
	TableMessages Table = iota
	// TableReads holds read-receipt tokens, deleted once consumed.
	TableReads
)

func (t Table) String() string {
	switch t {
	case TableMessages:
		return "messages"
	case TableReads:
		return "reads"
	default:
		return fmt.Sprintf("table(%d)", int(t))
	}
}

const adminLookupCacheSize = 1000

// Store wraps the shared database handle and the process encryptor.
type Store struct {
	gdb    *gorm.DB
	enc    *cryptoutil.Encryptor
	logger *slog.Logger

	// adminIDs caches bot username -> admin id; the lookup runs on every
	// anonymous-message dispatch.
	adminIDs *lru.Cache[string, int64]
}

func New(gdb *gorm.DB, enc *cryptoutil.Encryptor, logger *slog.Logger) (*Store, error) {
	if gdb == nil {
		return nil, fmt.Errorf("store: nil db handle")
	}
	if enc == nil {
		return nil, fmt.Errorf("store: nil encryptor")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New[string, int64](adminLookupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("store: admin lookup cache: %w", err)
	}
	return &Store{gdb: gdb, enc: enc, logger: logger, adminIDs: cache}, nil
}

// StoreSplitHash inserts (prefix -> stored) into the chosen table. A
// primary-key collision reports false rather than overwriting: the prefix is
// 30 characters of fresh AEAD output, so a collision means replayed input.
func (s *Store) StoreSplitHash(ctx context.Context, prefix, stored string, table Table, yearMonth string) bool {
	var err error
	switch table {
	case TableMessages:
		err = s.gdb.WithContext(ctx).Create(&models.MessageHash{Prefix: prefix, Partial: stored, YearMonth: yearMonth}).Error
	case TableReads:
		err = s.gdb.WithContext(ctx).Create(&models.ReadHash{Prefix: prefix, Partial: stored}).Error
	default:
		err = fmt.Errorf("store: unknown table %v", table)
	}
	if err != nil {
		s.logger.Error("store_split_hash_error", "table", table.String(), "error", err.Error())
		return false
	}
	return true
}

// FullHashByPrefix reconstructs the complete encrypted token from the stored
// portion plus the caller-held suffix. Misses return ErrNotFound.
func (s *Store) FullHashByPrefix(ctx context.Context, prefix, suffix string, table Table) (string, error) {
	var stored string
	var err error
	switch table {
	case TableMessages:
		var row models.MessageHash
		err = s.gdb.WithContext(ctx).Where("prefixed_msg_hash = ?", prefix).Take(&row).Error
		stored = row.Partial
	case TableReads:
		var row models.ReadHash
		err = s.gdb.WithContext(ctx).Where("prefixed_hash = ?", prefix).Take(&row).Error
		stored = row.Partial
	default:
		return "", fmt.Errorf("store: unknown table %v", table)
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: lookup %s: %w", table, err)
	}
	return stored + suffix, nil
}

// RemoveSplitHash deletes the row for prefix; absent rows are not an error.
func (s *Store) RemoveSplitHash(ctx context.Context, prefix string, table Table) bool {
	var res *gorm.DB
	switch table {
	case TableMessages:
		res = s.gdb.WithContext(ctx).Where("prefixed_msg_hash = ?", prefix).Delete(&models.MessageHash{})
	case TableReads:
		res = s.gdb.WithContext(ctx).Where("prefixed_hash = ?", prefix).Delete(&models.ReadHash{})
	default:
		return false
	}
	if res.Error != nil {
		s.logger.Error("store_remove_hash_error", "table", table.String(), "error", res.Error.Error())
		return false
	}
	return res.RowsAffected > 0
}

// AddTenantRegistration records a new tenant. A duplicate credential token
// reports (false, nil): the registration already exists and nothing changed.
func (s *Store) AddTenantRegistration(ctx context.Context, botToken, botUsername string, adminID int64) (bool, error) {
	encToken, err := s.enc.EncryptDeterministic(botToken)
	if err != nil {
		return false, err
	}
	encUsername, err := s.enc.EncryptDeterministic(botUsername)
	if err != nil {
		return false, err
	}
	encAdmin, err := s.enc.EncryptDeterministic(strconv.FormatInt(adminID, 10))
	if err != nil {
		return false, err
	}
	err = s.gdb.WithContext(ctx).Create(&models.TenantRegistration{
		BotToken:    encToken,
		BotUsername: encUsername,
		AdminID:     encAdmin,
	}).Error
	if isDuplicateKey(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: add registration: %w", err)
	}
	return true, nil
}

// RemoveTenantRegistration deletes the tenant keyed by botToken and drops any
// cached admin lookup for it.
func (s *Store) RemoveTenantRegistration(ctx context.Context, botToken string) (bool, error) {
	encToken, err := s.enc.EncryptDeterministic(botToken)
	if err != nil {
		return false, err
	}
	res := s.gdb.WithContext(ctx).Where("bot_token = ?", encToken).Delete(&models.TenantRegistration{})
	if res.Error != nil {
		return false, fmt.Errorf("store: remove registration: %w", res.Error)
	}
	// The cache is keyed by username, which we no longer know here; flushing
	// is cheap and revocation is rare.
	if res.RowsAffected > 0 {
		s.adminIDs.Purge()
	}
	return res.RowsAffected > 0, nil
}

// TenantAdminForToken resolves the admin who registered a credential token.
// Misses return ErrNotFound.
func (s *Store) TenantAdminForToken(ctx context.Context, botToken string) (int64, error) {
	encToken, err := s.enc.EncryptDeterministic(botToken)
	if err != nil {
		return 0, err
	}
	var row models.TenantRegistration
	err = s.gdb.WithContext(ctx).Where("bot_token = ?", encToken).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store: registration lookup: %w", err)
	}
	plain, err := s.enc.Decrypt(row.AdminID)
	if err != nil {
		return 0, fmt.Errorf("store: admin id decrypt: %w", err)
	}
	id, err := strconv.ParseInt(plain, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("store: admin id parse: %w", err)
	}
	return id, nil
}

// HasTenantRegistration reports whether a registration exists for botToken.
// Deterministic encryption makes the lookup an indexed equality match.
func (s *Store) HasTenantRegistration(ctx context.Context, botToken string) (bool, error) {
	encToken, err := s.enc.EncryptDeterministic(botToken)
	if err != nil {
		return false, err
	}
	var count int64
	err = s.gdb.WithContext(ctx).Model(&models.TenantRegistration{}).
		Where("bot_token = ?", encToken).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("store: has registration: %w", err)
	}
	return count > 0, nil
}

// IsAdmin reports whether userID administers botUsername, or any tenant at
// all when botUsername is empty.
func (s *Store) IsAdmin(ctx context.Context, userID int64, botUsername string) (bool, error) {
	encID, err := s.enc.EncryptDeterministic(strconv.FormatInt(userID, 10))
	if err != nil {
		return false, err
	}
	q := s.gdb.WithContext(ctx).Model(&models.TenantRegistration{}).Where("admin_id = ?", encID)
	if botUsername != "" {
		encUsername, err := s.enc.EncryptDeterministic(botUsername)
		if err != nil {
			return false, err
		}
		q = q.Where("bot_username = ?", encUsername)
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return false, fmt.Errorf("store: is admin: %w", err)
	}
	return count > 0, nil
}

// AdminIDForTenant resolves the owning admin for a bot username, caching hits
// in a bounded LRU.
func (s *Store) AdminIDForTenant(ctx context.Context, botUsername string) (int64, error) {
	if id, ok := s.adminIDs.Get(botUsername); ok {
		return id, nil
	}
	encUsername, err := s.enc.EncryptDeterministic(botUsername)
	if err != nil {
		return 0, err
	}
	var row models.TenantRegistration
	err = s.gdb.WithContext(ctx).Where("bot_username = ?", encUsername).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store: admin lookup: %w", err)
	}
	plain, err := s.enc.Decrypt(row.AdminID)
	if err != nil {
		return 0, fmt.Errorf("store: admin id decrypt: %w", err)
	}
	id, err := strconv.ParseInt(plain, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("store: admin id parse: %w", err)
	}
	s.adminIDs.Add(botUsername, id)
	return id, nil
}

// IsUserBlocked reports the block flag for (userID, botUsername).
func (s *Store) IsUserBlocked(ctx context.Context, userID int64, botUsername string) (bool, error) {
	encID, encUsername, err := s.blockKey(userID, botUsername)
	if err != nil {
		return false, err
	}
	var count int64
	err = s.gdb.WithContext(ctx).Model(&models.BlockEntry{}).
		Where("blocked_user_id = ? AND bot_username = ?", encID, encUsername).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("store: is blocked: %w", err)
	}
	return count > 0, nil
}

// BlockUser marks (userID, botUsername) blocked.
func (s *Store) BlockUser(ctx context.Context, userID int64, botUsername string) bool {
	encID, encUsername, err := s.blockKey(userID, botUsername)
	if err != nil {
		s.logger.Error("store_block_user_error", "error", err.Error())
		return false
	}
	err = s.gdb.WithContext(ctx).Create(&models.BlockEntry{BlockedUserID: encID, BotUsername: encUsername}).Error
	if err != nil && !isDuplicateKey(err) {
		s.logger.Error("store_block_user_error", "error", err.Error())
		return false
	}
	return true
}

// UnblockUser clears the block flag; reports whether a row was removed.
func (s *Store) UnblockUser(ctx context.Context, userID int64, botUsername string) bool {
	encID, encUsername, err := s.blockKey(userID, botUsername)
	if err != nil {
		s.logger.Error("store_unblock_user_error", "error", err.Error())
		return false
	}
	res := s.gdb.WithContext(ctx).
		Where("blocked_user_id = ? AND bot_username = ?", encID, encUsername).
		Delete(&models.BlockEntry{})
	if res.Error != nil {
		s.logger.Error("store_unblock_user_error", "error", res.Error.Error())
		return false
	}
	return res.RowsAffected > 0
}

// DecryptedBotTokens returns every registered credential token in the clear,
// skipping (and logging) rows that fail decryption. Used at startup to warm
// known tenants and by revocation tooling.
func (s *Store) DecryptedBotTokens(ctx context.Context) ([]string, error) {
	var rows []models.TenantRegistration
	if err := s.gdb.WithContext(ctx).Select("bot_token").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list registrations: %w", err)
	}
	tokens := make([]string, 0, len(rows))
	for _, row := range rows {
		token, err := s.enc.Decrypt(row.BotToken)
		if err != nil {
			s.logger.Error("store_token_decrypt_error", "error", err.Error())
			continue
		}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) blockKey(userID int64, botUsername string) (string, string, error) {
	encID, err := s.enc.EncryptDeterministic(strconv.FormatInt(userID, 10))
	if err != nil {
		return "", "", err
	}
	encUsername, err := s.enc.EncryptDeterministic(botUsername)
	if err != nil {
		return "", "", err
	}
	return encID, encUsername, nil
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint")
}
