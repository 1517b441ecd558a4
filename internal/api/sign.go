package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// sign computes the hex HMAC-SHA256 of the request body under the
// client's signing secret.
func (c *Client) sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(c.signingSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
