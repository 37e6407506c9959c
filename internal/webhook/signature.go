// ABOUTME: Webhook request signature verification
// ABOUTME: HMAC-SHA1 over the request URL plus sorted form parameters, Twilio scheme

package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
)

// verifySignature checks the X-Twilio-Signature scheme against the token.
func verifySignature(authToken, requestURL string, form url.Values, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	expected := ComputeSignature(authToken, requestURL, form)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ComputeSignature produces an HMAC-SHA1 over the full request URL
// concatenated with every POST parameter's key and value in key-sorted
// order, base64-encoded. Exported for tooling and tests.
func ComputeSignature(authToken, requestURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var payload strings.Builder
	payload.WriteString(requestURL)
	for _, k := range keys {
		for _, v := range form[k] {
			payload.WriteString(k)
			payload.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(payload.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
