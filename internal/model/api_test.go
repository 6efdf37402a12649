package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/guardvault/internal/model"
	"github.com/ashita-ai/guardvault/internal/vault"
)

func ptr[T any](v T) *T { return &v }

func TestAmountInputValidate(t *testing.T) {
	assert.NoError(t, model.AmountInput{Units: ptr(int64(5))}.Validate())
	assert.NoError(t, model.AmountInput{Display: "1.5"}.Validate())

	err := model.AmountInput{}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required")

	err = model.AmountInput{Units: ptr(int64(5)), Display: "5"}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestRoleAtLeast(t *testing.T) {
	assert.True(t, model.RoleAtLeast(model.RoleAdmin, model.RoleUser))
	assert.True(t, model.RoleAtLeast(model.RoleUser, model.RoleUser))
	assert.False(t, model.RoleAtLeast(model.RoleUser, model.RoleAdmin))
	assert.False(t, model.RoleAtLeast(model.Role("root"), model.RoleUser))
}

func TestValidateRole(t *testing.T) {
	assert.NoError(t, model.ValidateRole(model.RoleAdmin))
	assert.NoError(t, model.ValidateRole(model.RoleUser))
	assert.Error(t, model.ValidateRole(""))
	assert.Error(t, model.ValidateRole("reader"))
}

func TestNewVaultViewNeverNil(t *testing.T) {
	v := model.NewVaultView(vault.Snapshot{Owner: "alice"})
	assert.NotNil(t, v.Balances)
	assert.NotNil(t, v.Agents)
	assert.NotNil(t, v.Policies)
	assert.Equal(t, vault.Principal("alice"), v.Owner)
}
