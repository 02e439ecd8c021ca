package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/backend/internal/config"
	"stockledger/backend/internal/domain"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	assert.Error(t, validateSecurityConfig(config.Config{AuthSecret: "short"}))
	assert.Error(t, validateSecurityConfig(config.Config{}))
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	assert.NoError(t, validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef"}))
}

type accountsStub struct {
	users []domain.UserAccount
}

func (s *accountsStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.users = append(s.users, user)
	return nil
}

func (s *accountsStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	return s.users, nil
}

func (s *accountsStub) UpdateUserPassword(_ context.Context, _ string, _ string) error {
	return nil
}

func TestSeedAccountsCreatesHashedAccounts(t *testing.T) {
	t.Setenv("SEED_ADMIN_PASSWORD", "admin-pass-123")
	t.Setenv("SEED_USER_PASSWORD", "user-pass-123")
	users := &accountsStub{}

	require.NoError(t, seedAccounts(context.Background(), users))

	require.Len(t, users.users, 2)
	assert.Equal(t, domain.RoleAdmin, users.users[0].Role)
	assert.NotEqual(t, "admin-pass-123", users.users[0].Password)
	assert.Equal(t, domain.RoleUser, users.users[1].Role)
}

func TestSeedAccountsSkipsWithoutPasswords(t *testing.T) {
	t.Setenv("SEED_ADMIN_PASSWORD", "admin-pass-123")
	t.Setenv("SEED_USER_PASSWORD", "")
	users := &accountsStub{}

	require.NoError(t, seedAccounts(context.Background(), users))

	assert.Empty(t, users.users)
}

func TestSeedAccountsLeavesExistingUsers(t *testing.T) {
	t.Setenv("SEED_ADMIN_PASSWORD", "admin-pass-123")
	t.Setenv("SEED_USER_PASSWORD", "user-pass-123")
	users := &accountsStub{users: []domain.UserAccount{{Username: "owner", Role: domain.RoleAdmin}}}

	require.NoError(t, seedAccounts(context.Background(), users))

	assert.Len(t, users.users, 1)
}
