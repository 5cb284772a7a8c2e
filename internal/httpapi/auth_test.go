package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"kitchenledger/backend/internal/domain"
	"kitchenledger/backend/internal/store"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func adminOnlyStore() *userStoreStub {
	return &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      domain.RoleAdmin,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	users := adminOnlyStore()
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, users)

	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"}); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	stored, err := users.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected 1 user, got %d", len(stored))
	}
	if !strings.HasPrefix(stored[0].Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", stored[0].Password)
	}
	if users.updates == 0 {
		t.Fatalf("expected upgraded hash to be written back")
	}
}

func TestCreateStaffStoresPasswordHash(t *testing.T) {
	users := adminOnlyStore()
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, users)

	staff, err := manager.CreateStaff(context.Background(), domain.StaffCreateRequest{Username: " Kitchen1 ", Password: "pass1234"})
	if err != nil {
		t.Fatalf("create staff failed: %v", err)
	}
	if staff.Username != "kitchen1" || staff.Role != domain.RoleStaff {
		t.Fatalf("unexpected staff user %+v", staff)
	}

	saved := users.users["kitchen1"]
	if saved.Password == "pass1234" || !strings.HasPrefix(saved.Password, "$2") {
		t.Fatalf("expected hashed password, got %s", saved.Password)
	}

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "kitchen1", Password: "pass1234"})
	if err != nil {
		t.Fatalf("login with new staff failed: %v", err)
	}
	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "kitchen1" || actor.Role != domain.RoleStaff {
		t.Fatalf("unexpected actor %+v", actor)
	}

	listed := manager.ListStaff(context.Background())
	if len(listed) != 1 || listed[0].Username != "kitchen1" {
		t.Fatalf("expected only staff accounts listed, got %+v", listed)
	}
}

func TestCreateStaffRejectsBadInput(t *testing.T) {
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, adminOnlyStore())

	cases := []struct {
		req  domain.StaffCreateRequest
		want error
	}{
		{domain.StaffCreateRequest{Username: "abc", Password: "pass1234"}, store.ErrInvalidTransaction},
		{domain.StaffCreateRequest{Username: "two words", Password: "pass1234"}, store.ErrInvalidTransaction},
		{domain.StaffCreateRequest{Username: "kitchen1", Password: "123"}, store.ErrInvalidTransaction},
		{domain.StaffCreateRequest{Username: "admin", Password: "pass1234"}, store.ErrConflict},
	}
	for _, tc := range cases {
		if _, err := manager.CreateStaff(context.Background(), tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%+v: expected %v, got %v", tc.req, tc.want, err)
		}
	}
}

func TestParseTokenRejectsForeignTokens(t *testing.T) {
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, adminOnlyStore())
	other := NewAuthManager(context.Background(), "other-secret", time.Hour, adminOnlyStore())

	token, err := other.sign("admin", domain.RoleAdmin, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(token); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}

	expired, err := manager.sign("admin", domain.RoleAdmin, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(expired); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}

	unknownRole, err := manager.sign("admin", "cashier", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(unknownRole); err == nil {
		t.Fatalf("expected unknown role to be rejected")
	}
}
