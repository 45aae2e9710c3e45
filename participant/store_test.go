package participant

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s, err := NewStore(StoreConfig{Path: filepath.Join(t.TempDir(), FileName), Cost: bcrypt.MinCost, Now: clock.Now})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if err := s.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := s.Add("alice", "s3cret"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	return s, clock
}

func TestStore_InitTwice(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.Init(); !errors.Is(err, ErrAccountsExist) {
		t.Fatalf("Init() error = %v, want ErrAccountsExist", err)
	}
	if !s.Enabled() {
		t.Fatal("Enabled() = false after Init")
	}
}

func TestStore_AddValidation(t *testing.T) {
	s, _ := newTestStore(t)

	tests := []struct {
		name string
		id   string
		pw   string
		want error
	}{
		{name: "leading digit", id: "1bob", pw: "x", want: ErrInvalidUserID},
		{name: "punctuation", id: "bob-smith", pw: "x", want: ErrInvalidUserID},
		{name: "duplicate", id: "alice", pw: "x", want: ErrUserExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Add(tt.id, tt.pw); !errors.Is(err, tt.want) {
				t.Fatalf("Add(%q) error = %v, want %v", tt.id, err, tt.want)
			}
		})
	}

	if err := s.Add("bob_2", "pw"); err != nil {
		t.Fatalf("Add(bob_2) error = %v", err)
	}
	users, err := s.Users()
	if err != nil {
		t.Fatalf("Users() error = %v", err)
	}
	if len(users) != 2 || users[0] != "alice" || users[1] != "bob_2" {
		t.Fatalf("Users() = %v", users)
	}
}

func TestStore_AddWithoutFile(t *testing.T) {
	s, err := NewStore(StoreConfig{Path: filepath.Join(t.TempDir(), FileName), Cost: bcrypt.MinCost})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if s.Enabled() {
		t.Fatal("Enabled() = true without accounts file")
	}
	if err := s.Add("alice", "pw"); !errors.Is(err, ErrNoAccounts) {
		t.Fatalf("Add() error = %v, want ErrNoAccounts", err)
	}
}

func TestStore_PasswordIsHashed(t *testing.T) {
	s, _ := newTestStore(t)
	data, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	var accounts map[string]Account
	if err := json.Unmarshal(data, &accounts); err != nil {
		t.Fatal(err)
	}
	if accounts["alice"].Password == "s3cret" {
		t.Fatal("password stored in clear text")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(accounts["alice"].Password), []byte("s3cret")); err != nil {
		t.Fatalf("stored hash does not verify: %v", err)
	}
}

func TestStore_LoginNewSession(t *testing.T) {
	s, _ := newTestStore(t)

	sid, err := s.Login("alice", "s3cret", nil)
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if sid == "" {
		t.Fatal("Login() returned empty sid")
	}
	if user, ok := s.User(sid); !ok || user != "alice" {
		t.Fatalf("User(%s) = %q, %v", sid, user, ok)
	}

	s.Logout(sid)
	if _, ok := s.User(sid); ok {
		t.Fatal("User() found sid after Logout")
	}
}

func TestStore_LoginReusesRunSession(t *testing.T) {
	s, _ := newTestStore(t)

	lookup := func(userID string) (string, bool) {
		if userID == "alice" {
			return "sid-from-run", true
		}
		return "", false
	}
	sid, err := s.Login("alice", "s3cret", lookup)
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if sid != "sid-from-run" {
		t.Fatalf("Login() sid = %q, want sid-from-run", sid)
	}
}

func TestStore_LoginUnknownUser(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Login("mallory", "x", nil); !errors.Is(err, ErrLoginFailed) {
		t.Fatalf("Login() error = %v, want ErrLoginFailed", err)
	}
}

func TestStore_LockAfterFailures(t *testing.T) {
	s, clock := newTestStore(t)

	for i := 1; i < LockFailures; i++ {
		if _, err := s.Login("alice", "wrong", nil); !errors.Is(err, ErrLoginFailed) {
			t.Fatalf("attempt %d error = %v, want ErrLoginFailed", i, err)
		}
		clock.Advance(time.Minute)
	}
	if _, err := s.Login("alice", "wrong", nil); !errors.Is(err, ErrTooManyFailures) {
		t.Fatalf("attempt %d error = %v, want ErrTooManyFailures", LockFailures, err)
	}

	// The right password is refused while locked.
	clock.Advance(LockDuration - time.Minute)
	if _, err := s.Login("alice", "s3cret", nil); !errors.Is(err, ErrLocked) {
		t.Fatalf("Login() while locked error = %v, want ErrLocked", err)
	}

	clock.Advance(time.Minute)
	if _, err := s.Login("alice", "s3cret", nil); err != nil {
		t.Fatalf("Login() after lock expiry error = %v", err)
	}
}

func TestStore_FailuresOutsideWindowDoNotLock(t *testing.T) {
	s, clock := newTestStore(t)

	for i := range 2 * LockFailures {
		if _, err := s.Login("alice", "wrong", nil); !errors.Is(err, ErrLoginFailed) {
			t.Fatalf("attempt %d error = %v, want ErrLoginFailed", i+1, err)
		}
		clock.Advance(2 * time.Minute)
	}
	if _, err := s.Login("alice", "s3cret", nil); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
}

func TestStore_SuccessClearsFailures(t *testing.T) {
	s, _ := newTestStore(t)

	for range LockFailures - 1 {
		_, _ = s.Login("alice", "wrong", nil)
	}
	if _, err := s.Login("alice", "s3cret", nil); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if _, err := s.Login("alice", "wrong", nil); !errors.Is(err, ErrLoginFailed) {
		t.Fatalf("Login() error = %v, want ErrLoginFailed after reset", err)
	}
}

func TestNewStore_Validation(t *testing.T) {
	if _, err := NewStore(StoreConfig{}); err == nil {
		t.Fatal("NewStore() without dir: expected error")
	}
	if _, err := NewStore(StoreConfig{Path: filepath.Join(t.TempDir(), FileName), Cost: 99}); err == nil {
		t.Fatal("NewStore() with bad cost: expected error")
	}
}
