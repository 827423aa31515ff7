package quota

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// CandidateBases returns the usage-endpoint base URLs worth probing for a
// provider (spec §4.4 step 1). An explicit usage_base_url wins outright;
// otherwise the provider's own base URL origin is tried, plus a second
// candidate for panels that serve chat traffic off an "-api." subdomain but
// host the usage dashboard one level up (e.g. chat-api.example.com's usage
// endpoint lives at chat.example.com).
func CandidateBases(p Provider) ([]string, error) {
	if p.UsageBaseURL != "" {
		return []string{strings.TrimRight(p.UsageBaseURL, "/")}, nil
	}
	u, err := url.Parse(p.BaseURL)
	if err != nil {
		return nil, err
	}
	origin := u.Scheme + "://" + u.Host
	set := map[string]struct{}{origin: {}}
	if idx := strings.Index(u.Host, "-api."); idx >= 0 {
		alt := u.Host[:idx] + "." + u.Host[idx+len("-api."):]
		set[u.Scheme+"://"+alt] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for b := range set {
		out = append(out, b)
	}
	sort.Strings(out)
	return out, nil
}

// canonicalizeHost folds a host into its canonical family name if it (or
// any of its suffixes) is listed in the shared-credential table.
func canonicalizeHost(host string, canon map[string][]string) string {
	for canonical, suffixes := range canon {
		if host == canonical {
			return canonical
		}
		for _, suf := range suffixes {
			if suf != "" && strings.HasSuffix(host, suf) {
				return canonical
			}
		}
	}
	return host
}

// sharedCredentialKey derives the grouping key quota propagation uses to
// decide two providers share one backend account: the canonicalized host of
// the first candidate base, plus whichever credentials were resolved for it
// (spec §4.4 step 7 and §9's canonicalization table).
func (e *Engine) sharedCredentialKey(base, providerKey, usageToken string) string {
	host := base
	if u, err := url.Parse(base); err == nil && u.Host != "" {
		host = u.Host
	}
	host = canonicalizeHost(host, e.sharedHosts)

	h := sha256.New()
	h.Write([]byte(host))
	h.Write([]byte{0})
	h.Write([]byte(providerKey))
	h.Write([]byte{0})
	h.Write([]byte(usageToken))
	return hex.EncodeToString(h.Sum(nil))
}

// isSharedCredentialFamily reports whether baseURL's host belongs to any
// family in the shared-credential table, the signal used to decide whether
// a missing usage token should fall back to reusing the provider API key.
func (e *Engine) isSharedCredentialFamily(baseURL string) bool {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return false
	}
	if _, ok := e.sharedHosts[u.Host]; ok {
		return true
	}
	return canonicalizeHost(u.Host, e.sharedHosts) != u.Host
}
