package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pdvcaixa/backend/internal/domain"
	"pdvcaixa/backend/internal/store"
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
	if _, ok := s.users[user.Username]; ok {
		return store.ErrDuplicate
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

func legacyAdminStore() *userStoreStub {
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
	users := legacyAdminStore()
	manager := NewAuthManager("test-secret", time.Hour, "482916", users, zaptest.NewLogger(t))

	_, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	require.NoError(t, err)

	stored, err := users.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.NotEqual(t, "admin123", stored[0].Password)
	assert.True(t, strings.HasPrefix(stored[0].Password, "$2"))
	assert.GreaterOrEqual(t, users.updates, 1)
}

func TestLoginRejectsWrongPasswordAndInactiveAccount(t *testing.T) {
	users := legacyAdminStore()
	users.users["ghost"] = domain.UserAccount{Username: "ghost", Password: "ghost123", Role: domain.RoleCashier, Active: false}
	manager := NewAuthManager("test-secret", time.Hour, "", users, zaptest.NewLogger(t))

	_, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "nope"})
	assert.ErrorIs(t, err, errInvalidCredentials)

	_, err = manager.Login(context.Background(), domain.LoginRequest{Username: "ghost", Password: "ghost123"})
	assert.ErrorIs(t, err, errInactiveAccount)
}

func TestCreateUserStoresPasswordHash(t *testing.T) {
	users := legacyAdminStore()
	manager := NewAuthManager("test-secret", time.Hour, "482916", users, zaptest.NewLogger(t))

	created, err := manager.CreateUser(context.Background(), domain.UserCreateRequest{
		Username: "NovoCaixa",
		Password: "pass1234",
	})
	require.NoError(t, err)
	assert.Equal(t, "novocaixa", created.Username)
	assert.Equal(t, domain.RoleCashier, created.Role)

	stored := users.users["novocaixa"]
	assert.NotEqual(t, "pass1234", stored.Password)
	assert.True(t, strings.HasPrefix(stored.Password, "$2"))

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "novocaixa", Password: "pass1234"})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleCashier, resp.Role)

	_, err = manager.CreateUser(context.Background(), domain.UserCreateRequest{Username: "novocaixa", Password: "pass1234"})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestCreateUserValidation(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "", &userStoreStub{}, zaptest.NewLogger(t))

	cases := []domain.UserCreateRequest{
		{Username: "abc", Password: "pass1234"},
		{Username: "has space", Password: "pass1234"},
		{Username: "validname", Password: "123"},
		{Username: "validname", Password: "pass1234", Role: "owner"},
	}
	for _, req := range cases {
		_, err := manager.CreateUser(context.Background(), req)
		assert.ErrorIs(t, err, domain.ErrValidation, "request %+v", req)
	}
}

func TestListUsersIsSortedAndHidesPasswords(t *testing.T) {
	users := legacyAdminStore()
	users.users["bruno"] = domain.UserAccount{Username: "bruno", Password: "bruno123", Role: domain.RoleMember, Active: true}
	manager := NewAuthManager("test-secret", time.Hour, "", users, zaptest.NewLogger(t))

	list := manager.ListUsers(context.Background())
	require.Len(t, list, 2)
	assert.Equal(t, "admin", list[0].Username)
	assert.Equal(t, "bruno", list[1].Username)
	assert.Equal(t, domain.RoleMember, list[1].Role)
}

func TestManagerPINIsHashedAndStillValidates(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "654321", &userStoreStub{}, zaptest.NewLogger(t))

	assert.NotEqual(t, "654321", manager.managerPIN)
	assert.True(t, manager.ValidateManagerPIN("654321"))
	assert.False(t, manager.ValidateManagerPIN("111111"))
}

func TestEmptyManagerPINDisablesValidation(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "", &userStoreStub{}, zaptest.NewLogger(t))
	assert.False(t, manager.ValidateManagerPIN(""))
	assert.False(t, manager.ValidateManagerPIN("disabled"))
}

func TestParseTokenRejectsForeignTokens(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "", &userStoreStub{}, zaptest.NewLogger(t))

	token, err := manager.sign("admin", domain.RoleAdmin, time.Now().Add(time.Hour))
	require.NoError(t, err)
	actor, err := manager.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, domain.Actor{Username: "admin", Role: domain.RoleAdmin}, actor)

	expired, err := manager.sign("admin", domain.RoleAdmin, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	_, err = manager.ParseToken(expired)
	assert.ErrorIs(t, err, errInvalidToken)

	other := NewAuthManager("another-secret", time.Hour, "", &userStoreStub{}, zaptest.NewLogger(t))
	_, err = other.ParseToken(token)
	assert.ErrorIs(t, err, errInvalidToken)

	foreign := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, posCustomClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   "admin",
			Issuer:    "someone-else",
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: domain.RoleAdmin,
	})
	signed, err := foreign.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	_, err = manager.ParseToken(signed)
	assert.ErrorIs(t, err, errInvalidToken)
}
