package ocpp

import (
	"errors"
	"net/http"

	"ocpphub/internal/models"
	"ocpphub/internal/security"
)

var ErrUnauthorized = errors.New("ocpp: unauthorized")

// authenticate checks the upgrade request against the charger's configured
// credential. A certificate thumbprint takes precedence over a shared
// secret; a charger with neither configured is accepted as is.
func authenticate(ch *models.Charger, r *http.Request) error {
	if ch == nil {
		return nil
	}
	if ch.CertThumbprint != "" {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			return ErrUnauthorized
		}
		if !security.MatchThumbprint(ch.CertThumbprint, r.TLS.PeerCertificates[0]) {
			return ErrUnauthorized
		}
		return nil
	}
	if ch.SecretHash != "" {
		user, pass, ok := r.BasicAuth()
		if !ok || user != ch.ChargePointId {
			return ErrUnauthorized
		}
		if !security.VerifySecret(ch.SecretHash, pass) {
			return ErrUnauthorized
		}
	}
	return nil
}
