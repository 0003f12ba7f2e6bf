// Package diff computes word-level differences between two texts.
package diff

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

type OpType string

const (
	OpEqual  OpType = "equal"
	OpInsert OpType = "insert"
	OpDelete OpType = "delete"
)

// Op is a run of words sharing the same edit kind.
type Op struct {
	Type  OpType   `json:"type"`
	Words []string `json:"words"`
}

type Stats struct {
	TotalChanges int `json:"totalChanges"`
	Insertions   int `json:"insertions"`
	Deletions    int `json:"deletions"`
}

// ComputeWordDiff diffs before and after as sequences of whitespace-delimited
// words. Whitespace differences alone produce no insert or delete ops.
func ComputeWordDiff(before, after string) []Op {
	beforeWords := strings.Fields(before)
	afterWords := strings.Fields(after)

	table := newWordTable()
	beforeRunes := table.encode(beforeWords)
	afterRunes := table.encode(afterWords)

	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	diffs := dmp.DiffMainRunes(beforeRunes, afterRunes, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	ops := make([]Op, 0, len(diffs))
	for _, d := range diffs {
		words := table.decode(d.Text)
		if len(words) == 0 {
			continue
		}
		var kind OpType
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			kind = OpInsert
		case diffmatchpatch.DiffDelete:
			kind = OpDelete
		default:
			kind = OpEqual
		}
		if n := len(ops); n > 0 && ops[n-1].Type == kind {
			ops[n-1].Words = append(ops[n-1].Words, words...)
			continue
		}
		ops = append(ops, Op{Type: kind, Words: words})
	}
	return ops
}

func CalculateStats(ops []Op) Stats {
	var stats Stats
	for _, op := range ops {
		switch op.Type {
		case OpInsert:
			stats.Insertions += len(op.Words)
		case OpDelete:
			stats.Deletions += len(op.Words)
		}
	}
	stats.TotalChanges = stats.Insertions + stats.Deletions
	return stats
}

// Compare is ComputeWordDiff followed by CalculateStats.
func Compare(before, after string) ([]Op, Stats) {
	ops := ComputeWordDiff(before, after)
	return ops, CalculateStats(ops)
}

// wordTable maps each distinct word to a private rune so the character diff
// runs over words. Surrogate code points are skipped since they cannot be
// represented in a Go string.
type wordTable struct {
	index map[string]rune
	words []string
}

const (
	firstWordRune = rune(0x100)
	surrogateLow  = rune(0xD800)
	surrogateHigh = rune(0xDFFF)
)

func newWordTable() *wordTable {
	return &wordTable{index: make(map[string]rune)}
}

func (t *wordTable) encode(words []string) []rune {
	out := make([]rune, len(words))
	for i, word := range words {
		r, ok := t.index[word]
		if !ok {
			r = t.runeFor(len(t.words))
			t.index[word] = r
			t.words = append(t.words, word)
		}
		out[i] = r
	}
	return out
}

func (t *wordTable) runeFor(position int) rune {
	r := firstWordRune + rune(position)
	if r >= surrogateLow {
		r += surrogateHigh - surrogateLow + 1
	}
	return r
}

func (t *wordTable) positionOf(r rune) int {
	if r > surrogateHigh {
		r -= surrogateHigh - surrogateLow + 1
	}
	return int(r - firstWordRune)
}

func (t *wordTable) decode(text string) []string {
	words := make([]string, 0, len(text)/2)
	for _, r := range text {
		position := t.positionOf(r)
		if position < 0 || position >= len(t.words) {
			continue
		}
		words = append(words, t.words[position])
	}
	return words
}
