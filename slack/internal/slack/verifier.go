package slack

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
)

// maxRequestAge bounds how old a signed request may be.
const maxRequestAge = 5 * time.Minute

// VerifySlackSignature verifies the Slack request signature against the
// current time.
func VerifySlackSignature(r *http.Request, body []byte, signingSecret string) bool {
	return verifySlackSignature(r, body, signingSecret, clockwork.NewRealClock())
}

func verifySlackSignature(r *http.Request, body []byte, signingSecret string, clock clockwork.Clock) bool {
	timestamp := r.Header.Get("X-Slack-Request-Timestamp")
	signature := r.Header.Get("X-Slack-Signature")

	if timestamp == "" || signature == "" || signingSecret == "" {
		return false
	}

	// Reject replays.
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	age := clock.Since(time.Unix(ts, 0))
	if age > maxRequestAge || age < -maxRequestAge {
		return false
	}

	return hmac.Equal([]byte(signature), []byte(computeSignature(timestamp, body, signingSecret)))
}

func computeSignature(timestamp string, body []byte, signingSecret string) string {
	mac := hmac.New(sha256.New, []byte(signingSecret))
	fmt.Fprintf(mac, "v0:%s:%s", timestamp, body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}
