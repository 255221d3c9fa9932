package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/apex/log"

	"github.com/alwitt/activity-push/common"
)

// Signer external collaborator contract for the shared signing utility. The push
// subsystem only verifies credentials; issuing them belongs to the main application.
type Signer interface {
	// Sign compute the signature over a (tenant, user, expiry) tuple
	Sign(tenantAlias, userID string, expires int64) string
	// Verify check a signature against a (tenant, user, expiry) tuple. Also fails
	// if the expiry has already passed.
	Verify(tenantAlias, userID string, expires int64, signature string) error
}

// hmacSigner implements Signer with HMAC-SHA256 over the tuple
type hmacSigner struct {
	common.Component
	key     []byte
	nowFunc func() time.Time
}

// GetHMACSigner define an HMAC based Signer sharing a secret key with the
// credential issuer
func GetHMACSigner(key string) (Signer, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("signing key must not be empty")
	}
	logTags := log.Fields{"module": "auth", "component": "hmac-signer"}
	return &hmacSigner{
		Component: common.Component{LogTags: logTags},
		key:       []byte(key),
		nowFunc:   time.Now,
	}, nil
}

// Sign compute the signature over a (tenant, user, expiry) tuple
func (s *hmacSigner) Sign(tenantAlias, userID string, expires int64) string {
	mac := hmac.New(sha256.New, s.key)
	fmt.Fprintf(mac, "%s#%s#%d", tenantAlias, userID, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify check a signature against a (tenant, user, expiry) tuple
func (s *hmacSigner) Verify(tenantAlias, userID string, expires int64, signature string) error {
	if !s.nowFunc().Before(time.Unix(expires, 0)) {
		log.WithFields(s.LogTags).Debugf("Rejected expired signature for %s", userID)
		return common.NewRequestError(401, "Invalid signature")
	}
	expected := s.Sign(tenantAlias, userID, expires)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		log.WithFields(s.LogTags).Debugf("Rejected bad signature for %s", userID)
		return common.NewRequestError(401, "Invalid signature")
	}
	return nil
}
