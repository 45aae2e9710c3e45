// Package participant manages participant accounts for bundles that require
// a login before a session starts.
//
// Accounts live in the bundle's user_info.json, keyed by user id. Passwords
// are bcrypt hashes. An account is locked for LockDuration after
// LockFailures failed logins within LockWindow.
package participant

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// FileName is the accounts file inside a bundle directory.
const FileName = "user_info.json"

const (
	LockDuration = 30 * time.Minute
	LockFailures = 4
	LockWindow   = 5 * time.Minute
)

// Sentinel errors for account operations.
var (
	ErrLoginFailed     = errors.New("participant: login failed")
	ErrLocked          = errors.New("participant: account is locked")
	ErrTooManyFailures = errors.New("participant: too many login failures")
	ErrUserExists      = errors.New("participant: user already exists")
	ErrInvalidUserID   = errors.New("participant: invalid user id")
	ErrNoAccounts      = errors.New("participant: accounts file not found")
	ErrAccountsExist   = errors.New("participant: accounts file already exists")
)

var userIDPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,63}$`)

// Account is the persisted record of one participant.
type Account struct {
	Password      string      `json:"password"`
	LockedAt      *time.Time  `json:"lock_time,omitempty"`
	LoginFailures []time.Time `json:"login_failures"`
}

func (a *Account) locked() bool {
	return a.LockedAt != nil
}

// pruneFailures drops failures older than the lock window and returns how
// many remain.
func (a *Account) pruneFailures(now time.Time) int {
	kept := a.LoginFailures[:0]
	for _, t := range a.LoginFailures {
		if t.After(now.Add(-LockWindow)) {
			kept = append(kept, t)
		}
	}
	a.LoginFailures = kept
	return len(kept)
}

// SessionLookup returns the session id a run already holds for a user.
type SessionLookup func(userID string) (string, bool)

// StoreConfig configures a Store.
type StoreConfig struct {
	// Path is the accounts file, usually FileName inside the bundle.
	Path string

	// Cost is the bcrypt cost for new hashes (default: bcrypt.DefaultCost).
	Cost int

	Logger *slog.Logger
	Now    func() time.Time
}

// Store reads and writes participant accounts and tracks logged-in
// sessions.
type Store struct {
	path   string
	cost   int
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]string
}

// NewStore creates a Store over the accounts file at cfg.Path. The file
// need not exist yet.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("participant store: path is required")
	}
	if cfg.Cost == 0 {
		cfg.Cost = bcrypt.DefaultCost
	}
	if cfg.Cost < bcrypt.MinCost || cfg.Cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("participant store: bcrypt cost %d out of range", cfg.Cost)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		path:     cfg.Path,
		cost:     cfg.Cost,
		logger:   cfg.Logger,
		now:      cfg.Now,
		sessions: make(map[string]string),
	}, nil
}

// Path returns the accounts file path.
func (s *Store) Path() string {
	return s.path
}

// Enabled reports whether the bundle has an accounts file.
func (s *Store) Enabled() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Init creates an empty accounts file. It fails if one exists.
func (s *Store) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.path); err == nil {
		return fmt.Errorf("%w: %s", ErrAccountsExist, s.path)
	}
	return s.saveLocked(map[string]*Account{})
}

// Add creates an account for userID.
func (s *Store) Add(userID, password string) error {
	if !userIDPattern.MatchString(userID) {
		return fmt.Errorf("%w: %q must start with a letter and contain only letters, digits and underscores", ErrInvalidUserID, userID)
	}
	if password == "" {
		return errors.New("participant: password is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	accounts, err := s.loadLocked()
	if err != nil {
		return err
	}
	if _, ok := accounts[userID]; ok {
		return fmt.Errorf("%w: %s", ErrUserExists, userID)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return fmt.Errorf("participant: hash password: %w", err)
	}
	accounts[userID] = &Account{Password: string(hash), LoginFailures: []time.Time{}}
	return s.saveLocked(accounts)
}

// Users returns the account user ids, sorted.
func (s *Store) Users() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	accounts, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(accounts))
	for id := range accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Login checks a password and returns the session id the participant
// continues with: the one lookup finds for the user in the current run,
// or a new one.
func (s *Store) Login(userID, password string, lookup SessionLookup) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.logger.Info("login attempt", "user", userID)

	accounts, err := s.loadLocked()
	if err != nil {
		return "", err
	}
	acct, ok := accounts[userID]
	if !ok {
		s.logger.Info("login for unknown user", "user", userID)
		return "", ErrLoginFailed
	}

	if acct.locked() {
		if now.Sub(*acct.LockedAt) < LockDuration {
			s.logger.Info("account is locked", "user", userID)
			return "", fmt.Errorf("%w: %s", ErrLocked, userID)
		}
		s.logger.Info("lock period expired, unlocking", "user", userID)
		acct.LockedAt = nil
		if err := s.saveLocked(accounts); err != nil {
			return "", err
		}
	}

	if err := bcrypt.CompareHashAndPassword([]byte(acct.Password), []byte(password)); err != nil {
		prev := acct.pruneFailures(now)
		if prev+1 >= LockFailures {
			s.logger.Warn("locking account after repeated login failures", "user", userID, "failures", LockFailures)
			acct.LockedAt = &now
			acct.LoginFailures = []time.Time{}
			if err := s.saveLocked(accounts); err != nil {
				return "", err
			}
			return "", ErrTooManyFailures
		}
		acct.LoginFailures = append(acct.LoginFailures, now)
		if err := s.saveLocked(accounts); err != nil {
			return "", err
		}
		s.logger.Info("login failed", "user", userID, "failures", prev+1, "allowed", LockFailures)
		return "", ErrLoginFailed
	}

	if cost, err := bcrypt.Cost([]byte(acct.Password)); err == nil && cost < s.cost {
		if hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost); err == nil {
			acct.Password = string(hash)
		}
	}
	acct.LoginFailures = []time.Time{}
	if err := s.saveLocked(accounts); err != nil {
		return "", err
	}

	sid := ""
	if lookup != nil {
		sid, _ = lookup(userID)
	}
	if sid == "" {
		sid = uuid.NewString()
	}
	s.sessions[sid] = userID
	s.logger.Info("login successful", "user", userID)
	return sid, nil
}

// User returns the user logged in with sid.
func (s *Store) User(sid string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.sessions[sid]
	return id, ok
}

// Logout forgets sid.
func (s *Store) Logout(sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sid)
}

func (s *Store) loadLocked() (map[string]*Account, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoAccounts, s.path)
	}
	if err != nil {
		return nil, fmt.Errorf("participant: read accounts: %w", err)
	}
	accounts := map[string]*Account{}
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("participant: parse %s: %w", s.path, err)
	}
	return accounts, nil
}

func (s *Store) saveLocked(accounts map[string]*Account) error {
	data, err := json.MarshalIndent(accounts, "", "  ")
	if err != nil {
		return fmt.Errorf("participant: encode accounts: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".user_info-*")
	if err != nil {
		return fmt.Errorf("participant: write accounts: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("participant: write accounts: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("participant: write accounts: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("participant: write accounts: %w", err)
	}
	return nil
}
