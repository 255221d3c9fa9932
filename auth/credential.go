package auth

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

// CredentialSignature signature portion of an authentication credential
type CredentialSignature struct {
	// Expires is the UNIX timestamp in seconds after which the credential is void
	Expires int64 `json:"expires" validate:"required,gt=0"`
	// Signature is the signature over the (tenant, user, expiry) tuple
	Signature string `json:"signature" validate:"required"`
}

// Credential a signed, time-limited credential issued out-of-band by the main
// application. The push subsystem only verifies it.
type Credential struct {
	// TenantAlias is the alias of the tenant the user claims to belong to
	TenantAlias string `json:"tenantAlias" validate:"required"`
	// UserID is the full user ID being claimed
	UserID string `json:"userId" validate:"required,principal_id"`
	// Signature is the credential signature object
	Signature CredentialSignature `json:"signature"`
}

var principalIDPattern = regexp.MustCompile(`^u:[^\s:]+:[^\s:]+$`)

// RegisterCustomValidations install the custom field validators used by the
// handshake payloads
func RegisterCustomValidations(validate *validator.Validate) error {
	return validate.RegisterValidation("principal_id", func(fl validator.FieldLevel) bool {
		return principalIDPattern.MatchString(fl.Field().String())
	})
}

// Validate check the credential payload shape. Validation runs in two passes,
// structural fields first, then the signature shape. All failures are collected,
// but only the first is returned for relay to the client.
func (c *Credential) Validate(validate *validator.Validate) []error {
	collected := []error{}
	if err := validate.StructPartial(c, "TenantAlias", "UserID"); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			for _, fieldErr := range fieldErrs {
				collected = append(collected, fieldErr)
			}
		} else {
			collected = append(collected, err)
		}
	}
	if err := validate.Struct(&c.Signature); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			for _, fieldErr := range fieldErrs {
				collected = append(collected, fieldErr)
			}
		} else {
			collected = append(collected, err)
		}
	}
	return collected
}
