// Package skiplist filters query names against a configured list of
// domains to leave alone. A listed domain covers itself and every name
// under it.
package skiplist

import (
	"strings"

	iradix "github.com/hashicorp/go-immutable-radix"
)

// List is an immutable set of skipped domain suffixes.
type List struct {
	suffixes *iradix.Tree
}

// New builds a List from domain names. Names are case-insensitive and a
// trailing dot is ignored, so "Example.COM." and "example.com" are the
// same entry.
func New(domains []string) *List {
	tree := iradix.New()
	for _, domain := range domains {
		key := reverseName(domain)
		if len(key) == 0 {
			continue
		}
		tree, _, _ = tree.Insert([]byte(key), 0)
	}
	return &List{suffixes: tree}
}

// Empty reports whether the list has no entries.
func (list *List) Empty() bool {
	return list.suffixes.Len() == 0
}

// Match reports whether qname is a listed domain or a subdomain of one,
// returning the listed entry on a hit.
func (list *List) Match(qname string) (string, bool) {
	reversed := reverseName(qname)
	match, _, found := list.suffixes.Root().LongestPrefix([]byte(reversed))
	if !found {
		return "", false
	}
	if len(match) == len(reversed) || reversed[len(match)] == '.' {
		return reverseName(string(match)), true
	}
	return "", false
}

// reverseName normalizes a domain name and reverses its bytes so that
// suffix matching becomes prefix matching in the radix tree.
func reverseName(name string) string {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	b := []byte(name)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}
