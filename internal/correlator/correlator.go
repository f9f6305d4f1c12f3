// Package correlator mints and resolves the split encrypted tokens carried in
// inline-button payloads. A token is the randomized ciphertext of a delimited
// record; the first 30 characters travel inside the button as a lookup key,
// the last 30 travel as the completion suffix, and everything but the suffix
// stays server side. Neither half alone decrypts, so a leaked payload or a
// leaked database row reveals nothing about the participants.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/411A/anonrelay/internal/cryptoutil"
	"github.com/411A/anonrelay/internal/store"
)

// Operation codes, single characters so the payload fits Telegram's 64-byte
// callback-data limit: 1 op + 2 separators + 30 prefix + 30 suffix = 63.
const (
	OpAnswer = "a"
	OpBlock  = "b"
	OpRead   = "r"
)

const (
	sep      = "|"
	splitLen = 30
)

// ErrInvalidToken covers every resolution failure: unknown prefix, failed
// decryption, malformed record. Callers surface one generic message for all
// of them so a probing sender learns nothing from the failure mode.
var ErrInvalidToken = errors.New("correlator: invalid message data")

// HashStore is the slice of the persistence layer the correlator needs.
type HashStore interface {
	StoreSplitHash(ctx context.Context, prefix, stored string, table store.Table, yearMonth string) bool
	FullHashByPrefix(ctx context.Context, prefix, suffix string, table store.Table) (string, error)
	RemoveSplitHash(ctx context.Context, prefix string, table store.Table) bool
}

// Token is a parsed callback payload.
type Token struct {
	Op     string
	Prefix string
	Suffix string
}

// Payload reassembles the wire form.
func (t Token) Payload() string {
	return t.Op + sep + t.Prefix + sep + t.Suffix
}

// ParseCallback splits callback data into op, prefix and suffix, rejecting
// anything that does not match the minted shape.
func ParseCallback(data string) (Token, error) {
	parts := strings.Split(data, sep)
	if len(parts) != 3 {
		return Token{}, ErrInvalidToken
	}
	tok := Token{Op: parts[0], Prefix: parts[1], Suffix: parts[2]}
	switch tok.Op {
	case OpAnswer, OpBlock, OpRead:
	default:
		return Token{}, ErrInvalidToken
	}
	if len(tok.Prefix) != splitLen || len(tok.Suffix) != splitLen {
		return Token{}, ErrInvalidToken
	}
	return tok, nil
}

// ControlRecord is the plaintext behind an answer/block token pair. Mode is
// the delivery mode the sender picked when the message was relayed.
type ControlRecord struct {
	Mode      string
	AdminID   int64
	SenderID  int64
	MessageID int
	MintedAt  time.Time
}

// ReadRecord is the plaintext behind a read-receipt token.
type ReadRecord struct {
	SenderID  int64
	MessageID int
	MintedAt  time.Time
}

type Correlator struct {
	enc    *cryptoutil.Encryptor
	hashes HashStore
	logger *slog.Logger
}

func New(enc *cryptoutil.Encryptor, hashes HashStore, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{enc: enc, hashes: hashes, logger: logger}
}

// MintControl issues the answer and block payloads for one relayed message.
// Both buttons point at the same record row, so the payloads differ only in
// the op character. The row is written to the messages table tagged with the
// current year-month for out-of-band pruning.
func (c *Correlator) MintControl(ctx context.Context, mode string, adminID, senderID int64, messageID int) (answer, block string, err error) {
	record := strings.Join([]string{
		mode,
		strconv.FormatInt(adminID, 10),
		strconv.FormatInt(senderID, 10),
		strconv.Itoa(messageID),
		strconv.FormatInt(time.Now().UnixNano(), 10),
	}, sep)
	payload, err := c.mint(ctx, OpAnswer, record, store.TableMessages, time.Now().UTC().Format("2006-01"))
	if err != nil {
		return "", "", err
	}
	tok, err := ParseCallback(payload)
	if err != nil {
		return "", "", err
	}
	blockTok := tok
	blockTok.Op = OpBlock
	return tok.Payload(), blockTok.Payload(), nil
}

// MintRead issues a read-receipt token. Its row lives in the reads table and
// is deleted when the receipt is consumed.
func (c *Correlator) MintRead(ctx context.Context, senderID int64, messageID int) (string, error) {
	record := strings.Join([]string{
		strconv.FormatInt(senderID, 10),
		strconv.Itoa(messageID),
		strconv.FormatInt(time.Now().UnixNano(), 10),
	}, sep)
	return c.mint(ctx, OpRead, record, store.TableReads, "")
}

func (c *Correlator) mint(ctx context.Context, op, record string, table store.Table, yearMonth string) (string, error) {
	encoded, err := c.enc.Encrypt(record)
	if err != nil {
		return "", fmt.Errorf("correlator: encrypt: %w", err)
	}
	// Envelope is at least 80 characters for any record, but the split below
	// silently corrupts if that ever stops holding, so check.
	if len(encoded) <= 2*splitLen {
		return "", fmt.Errorf("correlator: envelope too short (%d)", len(encoded))
	}
	prefix := encoded[:splitLen]
	suffix := encoded[len(encoded)-splitLen:]
	storedPart := encoded[:len(encoded)-splitLen]
	if !c.hashes.StoreSplitHash(ctx, prefix, storedPart, table, yearMonth) {
		return "", fmt.Errorf("correlator: store split hash in %s", table)
	}
	return Token{Op: op, Prefix: prefix, Suffix: suffix}.Payload(), nil
}

// ResolveControl reconstructs and decrypts the record behind an answer or
// block token.
func (c *Correlator) ResolveControl(ctx context.Context, tok Token) (ControlRecord, error) {
	fields, err := c.resolve(ctx, tok, store.TableMessages, 5)
	if err != nil {
		return ControlRecord{}, err
	}
	adminID, err1 := strconv.ParseInt(fields[1], 10, 64)
	senderID, err2 := strconv.ParseInt(fields[2], 10, 64)
	messageID, err3 := strconv.Atoi(fields[3])
	ns, err4 := strconv.ParseInt(fields[4], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return ControlRecord{}, ErrInvalidToken
	}
	return ControlRecord{
		Mode:      fields[0],
		AdminID:   adminID,
		SenderID:  senderID,
		MessageID: messageID,
		MintedAt:  time.Unix(0, ns),
	}, nil
}

// ResolveRead reconstructs and decrypts the record behind a read-receipt
// token.
func (c *Correlator) ResolveRead(ctx context.Context, tok Token) (ReadRecord, error) {
	fields, err := c.resolve(ctx, tok, store.TableReads, 3)
	if err != nil {
		return ReadRecord{}, err
	}
	senderID, err1 := strconv.ParseInt(fields[0], 10, 64)
	messageID, err2 := strconv.Atoi(fields[1])
	ns, err3 := strconv.ParseInt(fields[2], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return ReadRecord{}, ErrInvalidToken
	}
	return ReadRecord{SenderID: senderID, MessageID: messageID, MintedAt: time.Unix(0, ns)}, nil
}

// ConsumeRead deletes the server half of a read-receipt token so it cannot
// be replayed.
func (c *Correlator) ConsumeRead(ctx context.Context, tok Token) bool {
	return c.hashes.RemoveSplitHash(ctx, tok.Prefix, store.TableReads)
}

func (c *Correlator) resolve(ctx context.Context, tok Token, table store.Table, wantFields int) ([]string, error) {
	full, err := c.hashes.FullHashByPrefix(ctx, tok.Prefix, tok.Suffix, table)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Error("correlator_lookup_error", "table", table.String(), "error", err.Error())
		}
		return nil, ErrInvalidToken
	}
	plain, err := c.enc.Decrypt(full)
	if err != nil {
		return nil, ErrInvalidToken
	}
	fields := strings.Split(plain, sep)
	if len(fields) != wantFields {
		return nil, ErrInvalidToken
	}
	return fields, nil
}
