package memory

import "slices"

// KeywordIndex is an inverted index from (category, word) to ascending record
// ids. It is a lookup accelerator only: ranking always re-reads the current
// record state. KeywordIndex is not safe for concurrent use on its own; the
// owning [Store] serialises access.
type KeywordIndex struct {
	entries map[string]map[string][]int
}

// NewKeywordIndex returns an empty index.
func NewKeywordIndex() *KeywordIndex {
	return &KeywordIndex{entries: make(map[string]map[string][]int)}
}

// Add associates id with every (category, word) pair in kw.
func (x *KeywordIndex) Add(id int, kw Keywords) {
	for cat, words := range kw {
		byWord := x.entries[cat]
		if byWord == nil {
			byWord = make(map[string][]int)
			x.entries[cat] = byWord
		}
		for _, w := range words {
			ids := byWord[w]
			i, found := slices.BinarySearch(ids, id)
			if !found {
				byWord[w] = slices.Insert(ids, i, id)
			}
		}
	}
}

// Remove drops the association between id and every pair in kw. Words and
// categories left without ids are deleted.
func (x *KeywordIndex) Remove(id int, kw Keywords) {
	for cat, words := range kw {
		byWord := x.entries[cat]
		if byWord == nil {
			continue
		}
		for _, w := range words {
			ids := byWord[w]
			i, found := slices.BinarySearch(ids, id)
			if !found {
				continue
			}
			ids = slices.Delete(ids, i, i+1)
			if len(ids) == 0 {
				delete(byWord, w)
			} else {
				byWord[w] = ids
			}
		}
		if len(byWord) == 0 {
			delete(x.entries, cat)
		}
	}
}

// Lookup returns a copy of the ids indexed under (category, word) in
// ascending order. A missing pair yields an empty slice.
func (x *KeywordIndex) Lookup(category, word string) []int {
	return slices.Clone(x.entries[category][word])
}

// Words returns the number of distinct (category, word) pairs in the index.
func (x *KeywordIndex) Words() int {
	n := 0
	for _, byWord := range x.entries {
		n += len(byWord)
	}
	return n
}
