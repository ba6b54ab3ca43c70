package IO

import (
	"bufio"
	"io"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/mingfeima/pssp/params"
)

var special = []string{params.PADWord, params.UNKWord, params.BOSWord, params.EOSWord}

// Vocabulary is a character vocab with the special tokens at ids 0..3.
type Vocabulary struct {
	TokenToID map[string]int
	IDToToken []string
}

func (v Vocabulary) Lookup(tok string) int {
	if id, ok := v.TokenToID[tok]; ok {
		return id
	}
	return params.UNK
}

// Encode wraps the characters of s in <s> ... </s>.
func (v Vocabulary) Encode(s string) []int {
	ids := make([]int, 0, utf8.RuneCountInString(s)+2)
	ids = append(ids, params.BOS)
	for _, r := range s {
		ids = append(ids, v.Lookup(string(r)))
	}
	return append(ids, params.EOS)
}

// buildVocabFromCounts keeps every seen character, most frequent first,
// ties broken by the character itself so the ids are reproducible.
func buildVocabFromCounts(cnt map[string]int) Vocabulary {
	type kv struct {
		k string
		v int
	}
	arr := make([]kv, 0, len(cnt))
	for k, v := range cnt {
		arr = append(arr, kv{k, v})
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].v == arr[j].v {
			return arr[i].k < arr[j].k
		}
		return arr[i].v > arr[j].v
	})
	idToToken := append([]string{}, special...)
	for _, p := range arr {
		idToToken = append(idToToken, p.k)
	}
	tok2id := make(map[string]int, len(idToToken))
	for i, t := range idToToken {
		tok2id[t] = i
	}
	return Vocabulary{TokenToID: tok2id, IDToToken: idToToken}
}

// Pair is one residues/labels line.
type Pair struct {
	Residues string
	Labels   string
}

// ReadPairs parses residues<TAB>labels lines. Blank lines are skipped and
// both columns must have the same number of characters.
func ReadPairs(path string) ([]Pair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()
	r := bufio.NewReaderSize(f, 1<<20)
	var out []Pair
	for n := 1; ; n++ {
		line, err := r.ReadString('\n')
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			res, lab, ok := strings.Cut(line, "\t")
			if !ok {
				return nil, errors.Errorf("%s:%d: want residues<TAB>labels", path, n)
			}
			if utf8.RuneCountInString(res) != utf8.RuneCountInString(lab) {
				return nil, errors.Errorf("%s:%d: %d residues but %d labels", path, n,
					utf8.RuneCountInString(res), utf8.RuneCountInString(lab))
			}
			out = append(out, Pair{Residues: res, Labels: lab})
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", path)
		}
	}
}

// Preprocess builds both vocabularies from the training pairs and encodes
// both splits. Validation characters unseen in training map to <unk>.
func Preprocess(train, valid []Pair) *Dataset {
	srcCnt, tgtCnt := map[string]int{}, map[string]int{}
	for _, p := range train {
		for _, r := range p.Residues {
			srcCnt[string(r)]++
		}
		for _, r := range p.Labels {
			tgtCnt[string(r)]++
		}
	}
	srcVocab, tgtVocab := buildVocabFromCounts(srcCnt), buildVocabFromCounts(tgtCnt)

	d := &Dataset{Dict: Dict{Src: srcVocab.TokenToID, Tgt: tgtVocab.TokenToID}}
	encode := func(pairs []Pair) Split {
		var s Split
		for _, p := range pairs {
			src, tgt := srcVocab.Encode(p.Residues), tgtVocab.Encode(p.Labels)
			d.Settings.MaxTokenSeqLen = max(d.Settings.MaxTokenSeqLen, len(src), len(tgt))
			s.Src = append(s.Src, src)
			s.Tgt = append(s.Tgt, tgt)
		}
		return s
	}
	d.Train = encode(train)
	d.Valid = encode(valid)
	return d
}
