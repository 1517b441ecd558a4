package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// bodyPrefixLen bounds how much of the request body participates in the
// signature. Large bodies differ early in practice; hashing the whole
// payload for every dispatch is not worth it.
const bodyPrefixLen = 512

// Signature derives the deterministic single-flight key for a request:
// method, normalized URL, and a bounded body prefix.
func Signature(method, rawURL string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte{'\n'})
	h.Write([]byte(normalizeURL(rawURL)))
	h.Write([]byte{'\n'})
	if len(body) > bodyPrefixLen {
		body = body[:bodyPrefixLen]
	}
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeURL lowercases the host, strips default ports, and sorts
// query parameters so equivalent URLs produce the same signature.
func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	host := strings.ToLower(u.Host)
	host = strings.TrimSuffix(host, ":80")
	host = strings.TrimSuffix(host, ":443")
	u.Host = host

	q := u.Query()
	if len(q) > 0 {
		keys := make([]string, 0, len(q))
		for k := range q {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var b strings.Builder
		for i, k := range keys {
			vals := q[k]
			sort.Strings(vals)
			for j, v := range vals {
				if i > 0 || j > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(k))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
		u.RawQuery = b.String()
	}

	return u.String()
}
