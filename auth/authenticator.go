package auth

import (
	"context"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"

	"github.com/alwitt/activity-push/common"
)

// Authenticator verifies authentication credentials presented during the
// websocket handshake. The stages run as a linear pipeline with one failure
// path: payload validation, principal fetch, signature verification.
type Authenticator interface {
	// Authenticate verify a credential and return the authenticated principal
	Authenticate(ctxt context.Context, credential Credential) (Principal, error)
}

// authenticatorImpl implements Authenticator
type authenticatorImpl struct {
	common.Component
	store    PrincipalStore
	signer   Signer
	validate *validator.Validate
}

// GetAuthenticator define a new Authenticator
func GetAuthenticator(store PrincipalStore, signer Signer) (Authenticator, error) {
	logTags := log.Fields{"module": "auth", "component": "authenticator"}
	validate := validator.New()
	if err := RegisterCustomValidations(validate); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to install custom validations")
		return nil, err
	}
	return &authenticatorImpl{
		Component: common.Component{LogTags: logTags},
		store:     store,
		signer:    signer,
		validate:  validate,
	}, nil
}

// Authenticate verify a credential and return the authenticated principal
func (a *authenticatorImpl) Authenticate(
	ctxt context.Context, credential Credential,
) (Principal, error) {
	// Payload shape
	if collected := credential.Validate(a.validate); len(collected) > 0 {
		for _, oneErr := range collected {
			log.WithError(oneErr).WithFields(a.LogTags).Debug("Credential validation failure")
		}
		return Principal{}, common.NewRequestError(400, "%s", collected[0].Error())
	}

	// Resolve the principal
	principal, err := a.store.FetchPrincipal(ctxt, credential.TenantAlias, credential.UserID)
	if err != nil {
		log.WithError(err).WithFields(a.LogTags).Errorf(
			"Unable to fetch principal %s", credential.UserID,
		)
		return Principal{}, common.RequestErrorFrom(err)
	}

	// Verify the signature against the fetched principal
	if err := a.signer.Verify(
		principal.TenantAlias,
		principal.UserID,
		credential.Signature.Expires,
		credential.Signature.Signature,
	); err != nil {
		log.WithError(err).WithFields(a.LogTags).Infof(
			"Signature verification failed for %s", credential.UserID,
		)
		return Principal{}, err
	}

	return principal, nil
}
