package embed

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode"
)

const (
	startToken = "<|startoftext|>"
	endToken   = "<|endoftext|>"
	wordEnd    = "</w>"

	// DefaultContextLength is the CLIP text context width.
	DefaultContextLength = 77
)

// Tokenizer is a byte-level BPE tokenizer producing fixed-width id and
// attention-mask sequences for the text encoder. Encoding is deterministic
// for identical input.
type Tokenizer struct {
	vocab      map[string]int64
	ranks      map[[2]string]int
	byteToRune [256]rune
	contextLen int
	startID    int64
	endID      int64
}

// NewTokenizer loads the vocabulary (JSON token -> id map) and the ordered
// BPE merge list.
func NewTokenizer(vocabPath, mergesPath string, contextLen int) (*Tokenizer, error) {
	if contextLen <= 2 {
		contextLen = DefaultContextLength
	}

	data, err := os.ReadFile(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read vocab: %w", err)
	}
	vocab := make(map[string]int64)
	if err := json.Unmarshal(data, &vocab); err != nil {
		return nil, fmt.Errorf("failed to parse vocab: %w", err)
	}

	startID, ok := vocab[startToken]
	if !ok {
		return nil, fmt.Errorf("vocab missing %s token", startToken)
	}
	endID, ok := vocab[endToken]
	if !ok {
		return nil, fmt.Errorf("vocab missing %s token", endToken)
	}

	ranks, err := loadMerges(mergesPath)
	if err != nil {
		return nil, err
	}

	t := &Tokenizer{
		vocab:      vocab,
		ranks:      ranks,
		contextLen: contextLen,
		startID:    startID,
		endID:      endID,
	}
	t.initByteMap()
	return t, nil
}

func loadMerges(path string) (map[[2]string]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read merges: %w", err)
	}
	defer f.Close()

	ranks := make(map[[2]string]int)
	scanner := bufio.NewScanner(f)
	rank := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) != 2 {
			continue
		}
		ranks[[2]string{parts[0], parts[1]}] = rank
		rank++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan merges: %w", err)
	}
	return ranks, nil
}

// initByteMap builds the reversible byte-to-printable-rune mapping used by
// byte-level BPE, so arbitrary UTF-8 input maps onto vocab symbols.
func (t *Tokenizer) initByteMap() {
	n := 0
	isPrintable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	for b := 0; b < 256; b++ {
		if isPrintable(b) {
			t.byteToRune[b] = rune(b)
		} else {
			t.byteToRune[b] = rune(256 + n)
			n++
		}
	}
}

// Encode produces the id and attention-mask rows for text, each exactly the
// context length: BOS, token ids, EOS, then EOS padding with mask 0.
func (t *Tokenizer) Encode(text string) ([]int64, []int64, error) {
	words := splitWords(cleanText(text))

	ids := make([]int64, 0, t.contextLen)
	ids = append(ids, t.startID)

	for _, word := range words {
		for _, tok := range t.bpe(word) {
			id, ok := t.vocab[tok]
			if !ok {
				return nil, nil, fmt.Errorf("token %q not in vocabulary", tok)
			}
			ids = append(ids, id)
		}
	}

	// Truncate, always keeping room for EOS.
	if len(ids) > t.contextLen-1 {
		ids = ids[:t.contextLen-1]
	}
	ids = append(ids, t.endID)

	mask := make([]int64, t.contextLen)
	for i := range ids {
		mask[i] = 1
	}
	for len(ids) < t.contextLen {
		ids = append(ids, t.endID)
	}

	return ids, mask, nil
}

// cleanText lowercases and collapses whitespace, matching the model's
// training-time normalization.
func cleanText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// splitWords breaks normalized text into BPE word units: letter runs, digit
// runs, and single punctuation marks.
func splitWords(text string) []string {
	var words []string
	runes := []rune(text)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case unicode.IsLetter(r):
			j := i
			for j < len(runes) && unicode.IsLetter(runes[j]) {
				j++
			}
			words = append(words, string(runes[i:j]))
			i = j
		case unicode.IsDigit(r):
			j := i
			for j < len(runes) && unicode.IsDigit(runes[j]) {
				j++
			}
			words = append(words, string(runes[i:j]))
			i = j
		default:
			words = append(words, string(r))
			i++
		}
	}
	return words
}

// bpe splits one word into merged subword symbols, the last carrying the
// word-end marker.
func (t *Tokenizer) bpe(word string) []string {
	var symbols []string
	for _, b := range []byte(word) {
		symbols = append(symbols, string(t.byteToRune[b]))
	}
	if len(symbols) == 0 {
		return nil
	}
	symbols[len(symbols)-1] += wordEnd

	for len(symbols) > 1 {
		best := -1
		bestRank := int(^uint(0) >> 1)
		for i := 0; i < len(symbols)-1; i++ {
			if rank, ok := t.ranks[[2]string{symbols[i], symbols[i+1]}]; ok && rank < bestRank {
				best = i
				bestRank = rank
			}
		}
		if best < 0 {
			break
		}
		merged := symbols[best] + symbols[best+1]
		symbols = append(symbols[:best], append([]string{merged}, symbols[best+2:]...)...)
	}

	return symbols
}

// ContextLength returns the fixed sequence width Encode produces.
func (t *Tokenizer) ContextLength() int {
	return t.contextLen
}
