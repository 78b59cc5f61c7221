package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type loginForm struct {
	Username string `json:"username" validate:"required,max=8"`
	Password string `json:"password" validate:"required"`
	Kind     string `json:"kind,omitempty" validate:"omitempty,oneof=a b"`
}

func TestValidate(t *testing.T) {
	assert.Nil(t, Validate(loginForm{Username: "bob", Password: "x"}))

	fields := Validate(loginForm{Username: "much-too-long", Kind: "c"})
	assert.Equal(t, map[string]string{
		"username": "max=8",
		"password": "required",
		"kind":     "oneof=a b",
	}, fields)
	assert.Equal(t, "kind: oneof=a b; password: required; username: max=8", Describe(fields))
}
