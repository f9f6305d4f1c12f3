// Package passprompt obtains the master passphrase interactively at process
// start. The passphrase is never accepted from flags or the environment: it is
// read from the terminal with echo disabled and checked against a salted
// verification record on disk before the process is allowed to serve traffic.
package passprompt

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"

	"github.com/411A/anonrelay/internal/cryptoutil"
)

const (
	minPassphraseLen = 12
	maxAttempts      = 3
	saltSize         = 32
)

// ErrAborted is returned when the operator types one of the quit words at a
// prompt.
var ErrAborted = errors.New("passprompt: setup aborted by operator")

// Prompter reads passphrases from a terminal. Reader is swappable for tests.
type Prompter struct {
	ConfigPath string
	// ReadSecret reads one secret line without echo. Defaults to the
	// controlling terminal.
	ReadSecret func(prompt string) (string, error)
	// Println writes operator-facing messages. Defaults to stderr.
	Println func(msg string)
}

func New(configPath string) *Prompter {
	return &Prompter{
		ConfigPath: configPath,
		ReadSecret: readFromTerminal,
		Println: func(msg string) {
			fmt.Fprintln(os.Stderr, msg)
		},
	}
}

func readFromTerminal(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("passprompt: read password: %w", err)
	}
	return string(b), nil
}

// Obtain returns the verified master passphrase. On first run (no record on
// disk) it walks the operator through initial setup: minimum length check,
// confirmation re-entry, then writes salt || verifier with 0600 permissions.
// On later runs it verifies the entered passphrase against the record,
// allowing up to three attempts.
func (p *Prompter) Obtain() (string, error) {
	if _, err := os.Stat(p.ConfigPath); errors.Is(err, os.ErrNotExist) {
		return p.firstTimeSetup()
	} else if err != nil {
		return "", fmt.Errorf("passprompt: stat %s: %w", p.ConfigPath, err)
	}
	return p.verifyExisting()
}

func (p *Prompter) firstTimeSetup() (string, error) {
	p.Println("Initial setup - set the encryption passphrase (or enter '0'/'exit'/'q' to quit).")
	for {
		passphrase, err := p.ReadSecret("Enter new encryption passphrase: ")
		if err != nil {
			return "", err
		}
		if isQuitWord(passphrase) {
			return "", ErrAborted
		}
		if len(passphrase) < minPassphraseLen {
			p.Println(fmt.Sprintf("Passphrase must be at least %d characters long.", minPassphraseLen))
			continue
		}
		confirm, err := p.ReadSecret("Confirm encryption passphrase: ")
		if err != nil {
			return "", err
		}
		if passphrase != confirm {
			p.Println("Passphrases do not match. Please try again.")
			continue
		}

		salt := make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return "", fmt.Errorf("passprompt: read salt: %w", err)
		}
		if err := p.writeRecord(salt, verifier(passphrase, salt)); err != nil {
			return "", err
		}
		return passphrase, nil
	}
}

func (p *Prompter) verifyExisting() (string, error) {
	data, err := os.ReadFile(p.ConfigPath)
	if err != nil {
		return "", fmt.Errorf("passprompt: read %s: %w", p.ConfigPath, err)
	}
	if len(data) != 2*saltSize {
		return "", fmt.Errorf("passprompt: malformed verification record (%d bytes)", len(data))
	}
	salt, stored := data[:saltSize], data[saltSize:]

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		passphrase, err := p.ReadSecret("Enter encryption passphrase (or '0'/'exit'/'q' to quit): ")
		if err != nil {
			return "", err
		}
		if isQuitWord(passphrase) {
			return "", ErrAborted
		}
		if subtle.ConstantTimeCompare(verifier(passphrase, salt), stored) == 1 {
			return passphrase, nil
		}
		if remaining := maxAttempts - attempt; remaining > 0 {
			p.Println(fmt.Sprintf("Invalid passphrase. %d attempts remaining.", remaining))
		}
	}
	return "", fmt.Errorf("passprompt: maximum passphrase attempts exceeded")
}

// verifier double-derives so the record never contains a value usable as the
// data-encryption key: key = KDF(pass, salt), verifier = KDF(base64(key), salt).
func verifier(passphrase string, salt []byte) []byte {
	key := cryptoutil.DeriveKey([]byte(passphrase), salt)
	return cryptoutil.DeriveKey([]byte(base64.StdEncoding.EncodeToString(key)), salt)
}

// writeRecord writes salt || verifier atomically with owner-only permissions.
func (p *Prompter) writeRecord(salt, verification []byte) error {
	dir := filepath.Dir(p.ConfigPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("passprompt: ensure dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(p.ConfigPath)+".tmp.*")
	if err != nil {
		return fmt.Errorf("passprompt: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(append(append([]byte(nil), salt...), verification...)); err != nil {
		return fmt.Errorf("passprompt: write temp: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		return fmt.Errorf("passprompt: chmod temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("passprompt: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("passprompt: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, p.ConfigPath); err != nil {
		return fmt.Errorf("passprompt: rename temp: %w", err)
	}
	return nil
}

func isQuitWord(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "exit", "q":
		return true
	}
	return false
}
