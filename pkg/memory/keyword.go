package memory

import (
	"strings"
	"unicode"
)

// KeywordIndex is an inverted token index over entry text. It is derived
// state: the vector store is the source of truth and the index is rebuilt
// from entry text on every load.
//
// KeywordIndex is not internally locked; it is guarded by the store's
// reader/writer lock along with the entries themselves.
type KeywordIndex struct {
	// postings: token -> set of entry ids containing it.
	postings map[string]map[string]struct{}

	// docs: entry id -> set of tokens, so updates and removals can drop
	// every prior association without scanning the postings.
	docs map[string]map[string]struct{}
}

// NewKeywordIndex creates an empty keyword index.
func NewKeywordIndex() *KeywordIndex {
	return &KeywordIndex{
		postings: make(map[string]map[string]struct{}),
		docs:     make(map[string]map[string]struct{}),
	}
}

// Index tokenizes text and associates the tokens with id. If id is already
// indexed, all of its prior associations are removed first, so no stale
// token can survive an update.
func (x *KeywordIndex) Index(id, text string) {
	if _, exists := x.docs[id]; exists {
		x.Remove(id)
	}

	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return
	}

	set := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		set[tok] = struct{}{}
	}
	x.docs[id] = set

	for tok := range set {
		if x.postings[tok] == nil {
			x.postings[tok] = make(map[string]struct{})
		}
		x.postings[tok][id] = struct{}{}
	}
}

// Remove deletes id from every token set it appears in.
func (x *KeywordIndex) Remove(id string) {
	set, exists := x.docs[id]
	if !exists {
		return
	}
	for tok := range set {
		if ids, ok := x.postings[tok]; ok {
			delete(ids, id)
			if len(ids) == 0 {
				delete(x.postings, tok)
			}
		}
	}
	delete(x.docs, id)
}

// Score returns the fraction of queryTokens present in id's token set,
// in [0,1]. It is zero when either set is empty.
func (x *KeywordIndex) Score(queryTokens []string, id string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	set, exists := x.docs[id]
	if !exists || len(set) == 0 {
		return 0
	}
	matched := 0
	for _, tok := range queryTokens {
		if _, ok := set[tok]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTokens))
}

// Len returns the number of indexed documents.
func (x *KeywordIndex) Len() int {
	return len(x.docs)
}

// Tokenize splits text into lowercase tokens of letter/digit runs.
// CJK characters become individual tokens.
func Tokenize(text string) []string {
	text = strings.ToLower(text)

	tokens := make([]string, 0, len(text)/4)
	var current strings.Builder

	for _, r := range text {
		if unicode.IsLetter(r) && !unicode.Is(unicode.Han, r) || unicode.IsDigit(r) {
			current.WriteRune(r)
			continue
		}
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
		if unicode.Is(unicode.Han, r) {
			tokens = append(tokens, string(r))
		}
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}

	return tokens
}
