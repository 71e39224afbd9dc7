package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"pdvcaixa/backend/internal/config"
)

const strongSecret = "0123456789abcdef0123456789abcdef"

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	assert.Error(t, validateSecurityConfig(config.Config{AuthSecret: "short", ManagerPIN: "739154"}))
	assert.Error(t, validateSecurityConfig(config.Config{AuthSecret: strongSecret, ManagerPIN: ""}))
	assert.Error(t, validateSecurityConfig(config.Config{AuthSecret: strongSecret, ManagerPIN: "123456"}))
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	assert.NoError(t, validateSecurityConfig(config.Config{AuthSecret: strongSecret, ManagerPIN: "739154"}))
}

func TestValidatePINStrength(t *testing.T) {
	for _, pin := range []string{"222222", "345678", "987654", "112233", "12a456"} {
		assert.Error(t, validatePINStrength(pin), pin)
	}
	for _, pin := range []string{"739154", "482916"} {
		assert.NoError(t, validatePINStrength(pin), pin)
	}
}
