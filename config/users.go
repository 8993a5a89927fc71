package config

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"github.com/synqronlabs/mxgate"
)

// Users authenticates AUTH credentials against bcrypt hashes keyed by
// login name.
type Users map[string]string

var _ mxgate.Authenticator = Users(nil)

func (u Users) Authenticate(_ context.Context, _, identity, password string) (bool, error) {
	hash, ok := u[identity]
	if !ok {
		// Spend the same time on unknown names.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return false, nil
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, err
	}
}

// dummyHash is the bcrypt hash of an empty password at the default cost.
var dummyHash, _ = bcrypt.GenerateFromPassword(nil, bcrypt.DefaultCost)
