package httpapi

import (
	"fmt"
	"net/http"

	"github.com/fe-row/AEGIS/infrastructure/httputil"
	"github.com/fe-row/AEGIS/internal/aegis/model"
)

// upsertSecretRequest is the PUT body for provisioning or rotating a
// sponsor's credential in the secret vault (C1) that the JIT broker mints from.
type upsertSecretRequest struct {
	ServiceName       string `json:"service_name"`
	SecretValue       string `json:"secret_value"`
	SecretType        string `json:"secret_type"`
	RotationIntervalH int    `json:"rotation_interval_hours"`
}

// handleUpsertSecret encrypts the plaintext credential at rest with the
// same (sponsor, service)-scoped AEAD subject the pipeline uses to decrypt
// it at mint time, so a value written here is mintable immediately.
func (s *Service) handleUpsertSecret(w http.ResponseWriter, r *http.Request) {
	sponsorID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}

	var in upsertSecretRequest
	if !httputil.DecodeJSON(w, r, &in) {
		return
	}
	if in.ServiceName == "" || in.SecretValue == "" {
		httputil.BadRequest(w, "service_name and secret_value are required")
		return
	}

	subject := []byte(fmt.Sprintf("sponsor:%s:service:%s", sponsorID, in.ServiceName))
	encrypted, err := s.deps.Crypto.Encrypt(subject, "aegis-secret-vault", []byte(in.SecretValue))
	if err != nil {
		writeError(w, r, err)
		return
	}

	secret := &model.Secret{
		SponsorID:         sponsorID,
		ServiceName:       in.ServiceName,
		EncryptedValue:    encrypted,
		SecretType:        in.SecretType,
		RotationIntervalH: in.RotationIntervalH,
	}
	if err := s.deps.Vault.UpsertSecret(r.Context(), secret); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}
