// Package models defines the persisted row types. Every value in these
// structs is stored encrypted: deterministically for lookup keys, randomized
// for split-hash material (which is already ciphertext when it arrives here).
package models

// TenantRegistration is one hosted bot persona. All three columns hold
// deterministic ciphertext so the credential token works as a primary key and
// the username/admin columns support equality lookups.
type TenantRegistration struct {
	BotToken    string `gorm:"column:bot_token;primaryKey"`
	BotUsername string `gorm:"column:bot_username;index:idx_bu"`
	AdminID     string `gorm:"column:admin_id;index:idx_aid"`
}

func (TenantRegistration) TableName() string { return "admins" }

// BlockEntry marks a (user, tenant) pair as blocked. Presence is the flag;
// the row carries no other state.
type BlockEntry struct {
	BlockedUserID string `gorm:"column:blocked_user_id;primaryKey;index:idx_uib"`
	BotUsername   string `gorm:"column:bot_username;primaryKey;index:idx_bbu"`
}

func (BlockEntry) TableName() string { return "blocks" }

// MessageHash is the server-held portion of an admin-control correlation
// token. Rows are retained after consumption so block/unblock and repeated
// Answer presses keep working for the conversation's lifetime; YearMonth
// exists so an operator can prune by period out of band.
type MessageHash struct {
	Prefix    string `gorm:"column:prefixed_msg_hash;primaryKey"`
	Partial   string `gorm:"column:partial_msg_hash"`
	YearMonth string `gorm:"column:year_month"`
}

func (MessageHash) TableName() string { return "messages" }

// ReadHash is the server-held portion of a read-receipt token. Deleted once
// the receipt is consumed.
type ReadHash struct {
	Prefix  string `gorm:"column:prefixed_hash;primaryKey"`
	Partial string `gorm:"column:partial_hash"`
}

func (ReadHash) TableName() string { return "reads" }
