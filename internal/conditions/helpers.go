package conditions

import (
	"crypto/rand"
	"math"
	"math/big"
	"net/url"
	"slices"
	"strings"
)

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// RandomAlphanumeric returns n characters drawn uniformly from [A-Za-z0-9].
func RandomAlphanumeric(n int) string {
	limit := big.NewInt(int64(len(alphanumeric)))
	var b strings.Builder
	b.Grow(n)
	for range n {
		i, err := rand.Int(rand.Reader, limit)
		if err != nil {
			panic(err)
		}
		b.WriteByte(alphanumeric[i.Int64()])
	}
	return b.String()
}

// shannonEntropy returns the total entropy of s in bits, estimated from
// its own character frequencies.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	counts := map[rune]float64{}
	n := 0.0
	for _, r := range s {
		counts[r]++
		n++
	}
	var perChar float64
	for _, c := range counts {
		p := c / n
		perChar -= p * math.Log2(p)
	}
	return perChar * n
}

// splitScope splits a space separated scope string.
func splitScope(scope string) []string {
	return strings.Fields(scope)
}

func hasScope(scope, want string) bool {
	return slices.Contains(splitScope(scope), want)
}

// appendQuery adds params to the query of rawURL.
func appendQuery(rawURL string, params map[string]string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for _, k := range sortedKeys(params) {
		q.Set(k, params[k])
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// stringValues flattens the string members of obj.
func stringValues(obj map[string]any) map[string]string {
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// header looks up name in a request-parts headers object, ignoring case.
func header(headers map[string]any, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			s, _ := v.(string)
			return s
		}
	}
	return ""
}

// trimSlash removes one trailing slash.
func trimSlash(s string) string {
	return strings.TrimSuffix(s, "/")
}
