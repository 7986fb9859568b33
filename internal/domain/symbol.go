package domain

import "strings"

// defaultBaseAliases maps historical base-asset spellings to canonical ones.
var defaultBaseAliases = map[string]string{
	"XBT": "BTC",
}

// quoteAssets are stripped of separators and appended to the base.
var quoteAssets = []string{"USDT", "USDC", "BUSD", "USD"}

// SymbolNormalizer collapses symbol spellings onto one canonical instrument alias.
type SymbolNormalizer struct {
	aliases map[string]string
}

// NewSymbolNormalizer creates a normalizer with built-in aliases plus extra
// (raw spelling -> canonical symbol).
func NewSymbolNormalizer(extra map[string]string) *SymbolNormalizer {
	n := &SymbolNormalizer{aliases: make(map[string]string, len(extra))}
	for k, v := range extra {
		n.aliases[squash(k)] = squash(v)
	}
	return n
}

// Normalize returns the canonical form of raw.
// "btc/usdt", "BTC-USDT", "BTC_USDT:SWAP" and "XBTUSDT" all become "BTCUSDT".
func (n *SymbolNormalizer) Normalize(raw string) string {
	s := squash(raw)
	if n != nil {
		if alias, ok := n.aliases[s]; ok {
			return alias
		}
	}
	for _, q := range quoteAssets {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			base := strings.TrimSuffix(s, q)
			if canonical, ok := defaultBaseAliases[base]; ok {
				return canonical + q
			}
			return s
		}
	}
	if canonical, ok := defaultBaseAliases[s]; ok {
		return canonical
	}
	return s
}

func squash(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	for _, suffix := range []string{":SWAP", "-SWAP", "_SWAP", ":PERP", "-PERP", "_PERP"} {
		s = strings.TrimSuffix(s, suffix)
	}
	return strings.NewReplacer("/", "", "-", "", "_", "", ":", "", " ", "").Replace(s)
}
