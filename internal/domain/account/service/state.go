package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/vadim/omni-inbox/internal/domain/account/entity"
)

// encodeState produces "tenant:issued-at:signature" base64-encoded so
// the callback can verify the flow originated here and is fresh
func (d *Discovery) encodeState(tenantID string) string {
	issued := strconv.FormatInt(d.now().Unix(), 10)
	payload := tenantID + ":" + issued
	return base64.RawURLEncoding.EncodeToString([]byte(payload + ":" + d.signState(payload)))
}

func (d *Discovery) decodeState(state string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		return "", entity.ErrStateInvalid
	}

	// tenant ids may themselves contain ':', so split from the right
	sigIdx := strings.LastIndex(string(raw), ":")
	if sigIdx < 0 {
		return "", entity.ErrStateInvalid
	}
	payload, sig := string(raw[:sigIdx]), string(raw[sigIdx+1:])
	tsIdx := strings.LastIndex(payload, ":")
	if tsIdx < 0 {
		return "", entity.ErrStateInvalid
	}
	tenantID, issued := payload[:tsIdx], payload[tsIdx+1:]

	if !hmac.Equal([]byte(sig), []byte(d.signState(payload))) {
		return "", entity.ErrStateInvalid
	}

	issuedAt, err := strconv.ParseInt(issued, 10, 64)
	if err != nil {
		return "", entity.ErrStateInvalid
	}
	age := d.now().Unix() - issuedAt
	if age < 0 || float64(age) > d.cfg.StateTTL.Seconds() {
		return "", fmt.Errorf("%w: issued %ds ago", entity.ErrStateExpired, age)
	}

	return tenantID, nil
}

func (d *Discovery) signState(payload string) string {
	mac := hmac.New(sha256.New, []byte(d.cfg.AppSecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
