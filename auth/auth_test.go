package auth

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"

	"github.com/alwitt/activity-push/common"
)

type fixedPrincipalStore struct {
	principals map[string]Principal
	failWith   error
}

func (s *fixedPrincipalStore) FetchPrincipal(
	_ context.Context, tenantAlias, userID string,
) (Principal, error) {
	if s.failWith != nil {
		return Principal{}, s.failWith
	}
	principal, ok := s.principals[userID]
	if !ok {
		return Principal{}, common.NewRequestError(404, "unknown user %s", userID)
	}
	if principal.TenantAlias != tenantAlias {
		return Principal{}, common.NewRequestError(404, "unknown user %s", userID)
	}
	return principal, nil
}

func TestHMACSigner(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	_, err := GetHMACSigner("")
	assert.NotNil(err)

	uut, err := GetHMACSigner("unit-test-key")
	assert.Nil(err)

	future := time.Now().Add(time.Hour).Unix()

	// Case 0: round trip
	sig := uut.Sign("cam", "u:cam:abc123", future)
	assert.Nil(uut.Verify("cam", "u:cam:abc123", future, sig))

	// Case 1: wrong tuple
	assert.NotNil(uut.Verify("cam", "u:cam:other", future, sig))

	// Case 2: tampered signature
	assert.NotNil(uut.Verify("cam", "u:cam:abc123", future, sig+"00"))

	// Case 3: expired
	past := time.Now().Add(-time.Hour).Unix()
	expiredSig := uut.Sign("cam", "u:cam:abc123", past)
	err = uut.Verify("cam", "u:cam:abc123", past, expiredSig)
	assert.NotNil(err)
	assert.Equal(401, common.RequestErrorFrom(err).Code)
}

func TestAuthenticator(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	signer, err := GetHMACSigner("unit-test-key")
	assert.Nil(err)

	store := &fixedPrincipalStore{
		principals: map[string]Principal{
			"u:cam:abc123": {TenantAlias: "cam", UserID: "u:cam:abc123"},
		},
	}

	uut, err := GetAuthenticator(store, signer)
	assert.Nil(err)

	utCtxt := context.Background()
	future := time.Now().Add(time.Hour).Unix()

	goodCredential := func() Credential {
		return Credential{
			TenantAlias: "cam",
			UserID:      "u:cam:abc123",
			Signature: CredentialSignature{
				Expires:   future,
				Signature: signer.Sign("cam", "u:cam:abc123", future),
			},
		}
	}

	// Case 0: valid credential
	{
		principal, err := uut.Authenticate(utCtxt, goodCredential())
		assert.Nil(err)
		assert.Equal("cam", principal.TenantAlias)
		assert.Equal("u:cam:abc123", principal.UserID)
	}

	// Case 1: missing tenant alias
	{
		credential := goodCredential()
		credential.TenantAlias = ""
		_, err := uut.Authenticate(utCtxt, credential)
		assert.NotNil(err)
		assert.Equal(400, common.RequestErrorFrom(err).Code)
	}

	// Case 2: malformed user ID
	{
		credential := goodCredential()
		credential.UserID = "not-a-user-id"
		_, err := uut.Authenticate(utCtxt, credential)
		assert.NotNil(err)
		assert.Equal(400, common.RequestErrorFrom(err).Code)
	}

	// Case 3: missing signature fields. Both validation passes run, only the
	// first failure is reported.
	{
		credential := goodCredential()
		credential.TenantAlias = ""
		credential.Signature.Signature = ""
		_, err := uut.Authenticate(utCtxt, credential)
		assert.NotNil(err)
		asReqErr := common.RequestErrorFrom(err)
		assert.Equal(400, asReqErr.Code)
		assert.Contains(asReqErr.Msg, "TenantAlias")
	}

	// Case 4: principal fetch failure is relayed
	{
		store.failWith = fmt.Errorf("principal store unreachable")
		_, err := uut.Authenticate(utCtxt, goodCredential())
		assert.NotNil(err)
		assert.Equal(500, common.RequestErrorFrom(err).Code)
		store.failWith = nil
	}

	// Case 5: bad signature
	{
		credential := goodCredential()
		credential.Signature.Signature = "deadbeef"
		_, err := uut.Authenticate(utCtxt, credential)
		assert.NotNil(err)
		asReqErr := common.RequestErrorFrom(err)
		assert.Equal(401, asReqErr.Code)
		assert.Equal("Invalid signature", asReqErr.Msg)
	}
}
