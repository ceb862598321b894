package tokenizer

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

// HFTokenizer is a byte-level BPE tokenizer loaded from tokenizer.json.
type HFTokenizer struct {
	encoder      map[string]int
	decoder      []string
	bpeRanks     map[Pair]int
	byteEncoder  map[byte]string
	byteDecoder  map[string]byte
	pattern      *regexp.Regexp
	addBOS       bool
	addEOS       bool
	bosID        int
	eosID        int
	unkID        int
	ignoreMerges bool
	special      []string

	mu    sync.Mutex
	cache map[string][]string
}

type hfModel struct {
	Type         string         `json:"type"`
	Vocab        map[string]int `json:"vocab"`
	Merges       []any          `json:"merges"`
	IgnoreMerges bool           `json:"ignore_merges"`
	UnkToken     string         `json:"unk_token"`
}

type hfPreTokenizer struct {
	Type          string `json:"type"`
	Pretokenizers []struct {
		Type    string `json:"type"`
		Pattern struct {
			Regex string `json:"Regex"`
		} `json:"pattern"`
	} `json:"pretokenizers"`
}

type hfPostProcessor struct {
	Type       string `json:"type"`
	Processors []struct {
		Type          string `json:"type"`
		SpecialTokens map[string]struct {
			IDs []int `json:"ids"`
		} `json:"special_tokens"`
	} `json:"processors"`
}

type hfAddedToken struct {
	ID      int    `json:"id"`
	Content string `json:"content"`
	Special bool   `json:"special"`
}

type hfTokenizerJSON struct {
	Model         hfModel         `json:"model"`
	PreTokenizer  hfPreTokenizer  `json:"pre_tokenizer"`
	PostProcessor hfPostProcessor `json:"post_processor"`
	AddedTokens   []hfAddedToken  `json:"added_tokens"`
}

// hfTokenizerConfig is the subset of tokenizer_config.json we honour.
type hfTokenizerConfig struct {
	AddBOS *bool  `json:"add_bos_token"`
	AddEOS bool   `json:"add_eos_token"`
	BOS    string `json:"bos_token"`
	EOS    string `json:"eos_token"`
}

// Load reads tokenizer.json and, when it exists, tokenizer_config.json.
func Load(tokJSON, tokConfig string) (*HFTokenizer, error) {
	data, err := os.ReadFile(tokJSON)
	if err != nil {
		return nil, err
	}
	var cfg []byte
	if tokConfig != "" {
		if raw, err := os.ReadFile(tokConfig); err == nil {
			cfg = raw
		}
	}
	tok, err := Parse(data, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", tokJSON, err)
	}
	return tok, nil
}

// Parse builds a tokenizer from the raw tokenizer.json and optional
// tokenizer_config.json documents.
func Parse(tokJSON, tokConfig []byte) (*HFTokenizer, error) {
	var tj hfTokenizerJSON
	if err := json.Unmarshal(tokJSON, &tj); err != nil {
		return nil, err
	}
	if strings.ToUpper(tj.Model.Type) != "BPE" {
		return nil, fmt.Errorf("unsupported tokenizer model: %s", tj.Model.Type)
	}

	encoder := make(map[string]int, len(tj.Model.Vocab)+len(tj.AddedTokens))
	maxID := -1
	for tok, id := range tj.Model.Vocab {
		encoder[tok] = id
		maxID = max(maxID, id)
	}
	for _, at := range tj.AddedTokens {
		encoder[at.Content] = at.ID
		maxID = max(maxID, at.ID)
	}
	decoder := make([]string, maxID+1)
	for tok, id := range encoder {
		decoder[id] = tok
	}

	var cfg hfTokenizerConfig
	if len(tokConfig) > 0 {
		_ = json.Unmarshal(tokConfig, &cfg)
	}
	tok := &HFTokenizer{
		encoder:      encoder,
		decoder:      decoder,
		bpeRanks:     parseMerges(tj.Model.Merges),
		cache:        make(map[string][]string),
		pattern:      buildPattern(tj.PreTokenizer),
		addBOS:       cfg.AddBOS == nil || *cfg.AddBOS,
		addEOS:       cfg.AddEOS,
		bosID:        lookup(encoder, cfg.BOS),
		eosID:        lookup(encoder, cfg.EOS),
		unkID:        lookup(encoder, tj.Model.UnkToken),
		ignoreMerges: tj.Model.IgnoreMerges,
		special:      collectSpecials(decoder),
	}
	tok.byteEncoder, tok.byteDecoder = bytesToUnicode()

	// A TemplateProcessing post-processor names the BOS id explicitly.
	for _, proc := range tj.PostProcessor.Processors {
		if proc.Type != "TemplateProcessing" {
			continue
		}
		for _, spec := range proc.SpecialTokens {
			if len(spec.IDs) > 0 {
				tok.bosID = spec.IDs[0]
				tok.addBOS = true
				break
			}
		}
	}
	return tok, nil
}

func lookup(encoder map[string]int, tok string) int {
	if tok == "" {
		return -1
	}
	if id, ok := encoder[tok]; ok {
		return id
	}
	return -1
}

// parseMerges accepts both the "a b" string form and the ["a", "b"] pair form.
func parseMerges(merges []any) map[Pair]int {
	ranks := make(map[Pair]int, len(merges))
	for _, raw := range merges {
		var line string
		switch v := raw.(type) {
		case string:
			line = v
		case []any:
			if len(v) == 2 {
				a, aok := v[0].(string)
				b, bok := v[1].(string)
				if aok && bok {
					line = a + " " + b
				}
			}
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		a, b, ok := strings.Cut(line, " ")
		if !ok || strings.Contains(b, " ") {
			continue
		}
		p := Pair{A: a, B: b}
		if _, seen := ranks[p]; !seen {
			ranks[p] = len(ranks)
		}
	}
	return ranks
}

// Encode implements Tokenizer.
func (t *HFTokenizer) Encode(text string, addSpecial bool) ([]int, error) {
	var ids []int
	if addSpecial && t.addBOS && t.bosID >= 0 {
		ids = append(ids, t.bosID)
	}
	for _, part := range splitSpecials(text, t.special) {
		if part.isSpecial {
			id, ok := t.encoder[part.text]
			if !ok {
				return nil, fmt.Errorf("unknown special token: %q", part.text)
			}
			ids = append(ids, id)
			continue
		}
		for _, piece := range t.pattern.FindAllString(part.text, -1) {
			for _, bpeTok := range t.bpe(t.byteEncode(piece)) {
				id, ok := t.encoder[bpeTok]
				if !ok {
					if t.unkID >= 0 {
						ids = append(ids, t.unkID)
						continue
					}
					return nil, fmt.Errorf("unknown token: %q", bpeTok)
				}
				ids = append(ids, id)
			}
		}
	}
	if addSpecial && t.addEOS && t.eosID >= 0 {
		ids = append(ids, t.eosID)
	}
	return ids, nil
}

// Decode implements Tokenizer. Special tokens are rendered verbatim.
func (t *HFTokenizer) Decode(ids []int) (string, error) {
	var b []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.decoder) {
			return "", fmt.Errorf("token id out of range: %d", id)
		}
		token := t.decoder[id]
		if isSpecialToken(token) {
			b = append(b, token...)
			continue
		}
		for _, r := range token {
			if by, ok := t.byteDecoder[string(r)]; ok {
				b = append(b, by)
			} else {
				b = append(b, string(r)...)
			}
		}
	}
	return string(b), nil
}

// TokenID implements Tokenizer.
func (t *HFTokenizer) TokenID(token string) (int, bool) {
	id, ok := t.encoder[token]
	return id, ok
}

func (t *HFTokenizer) BOSID() int { return t.bosID }
func (t *HFTokenizer) EOSID() int { return t.eosID }

// VocabSize is the number of addressable ids.
func (t *HFTokenizer) VocabSize() int { return len(t.decoder) }

func (t *HFTokenizer) byteEncode(s string) string {
	var b strings.Builder
	for _, by := range []byte(s) {
		b.WriteString(t.byteEncoder[by])
	}
	return b.String()
}

func (t *HFTokenizer) bpe(token string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.cache[token]; ok {
		return v
	}
	if t.ignoreMerges {
		if _, ok := t.encoder[token]; ok {
			out := []string{token}
			t.cache[token] = out
			return out
		}
	}
	word := splitRunes(token)
	for len(word) > 1 {
		best, found := Pair{}, false
		bestRank := int(^uint(0) >> 1)
		for p := range getPairs(word) {
			if rank, ok := t.bpeRanks[p]; ok && rank < bestRank {
				best, bestRank, found = p, rank, true
			}
		}
		if !found {
			break
		}
		word = mergePair(word, best)
	}
	t.cache[token] = word
	return word
}

// defaultPattern is the GPT-2 pre-tokenizer split.
const defaultPattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`

// llama3Pattern replaces the Llama 3 split regex, whose lookahead and
// case-insensitive groups RE2 cannot compile.
const llama3Pattern = `(?:'[sS]|'[tT]|'[rR][eE]|'[vV][eE]|'[mM]|'[lL][lL]|'[dD])|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+`

func buildPattern(pre hfPreTokenizer) *regexp.Regexp {
	pat := defaultPattern
	if pre.Type == "Sequence" {
		for _, p := range pre.Pretokenizers {
			if p.Type == "Split" && p.Pattern.Regex != "" {
				pat = p.Pattern.Regex
				break
			}
		}
	}
	if strings.Contains(pat, `(?!\S)`) || strings.Contains(pat, "(?i:") {
		pat = llama3Pattern
	}
	re, err := regexp.Compile(pat)
	if err != nil {
		return regexp.MustCompile(llama3Pattern)
	}
	return re
}
