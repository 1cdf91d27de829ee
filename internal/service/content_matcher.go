package service

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"hash/fnv"
	"strings"
	"unicode"
)

const (
	MatcherExact   = "exact"
	MatcherShingle = "shingle"

	shingleSize    = 3
	minHashPerms   = 32
	minHashPrefix  = "mh:"
	splitMixGolden = 0x9e3779b97f4a7c15
)

// ContentMatcher turns content into a stored fingerprint and decides whether
// two fingerprints describe the same content.
type ContentMatcher interface {
	Fingerprint(content string) string
	Similar(a, b string) bool
}

func newContentMatcher(kind string, threshold float64) ContentMatcher {
	if strings.EqualFold(strings.TrimSpace(kind), MatcherShingle) {
		return shingleMatcher{threshold: threshold}
	}
	return exactMatcher{}
}

// exactMatcher compares MD5 digests of the raw content.
type exactMatcher struct{}

func (exactMatcher) Fingerprint(content string) string {
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

func (exactMatcher) Similar(a, b string) bool {
	return a != "" && a == b
}

// shingleMatcher estimates Jaccard similarity of word 3-gram sets from a
// MinHash signature.
type shingleMatcher struct {
	threshold float64
}

func (m shingleMatcher) Fingerprint(content string) string {
	sig := minHash(shingles(content))
	buf := make([]byte, 8*len(sig))
	for i, v := range sig {
		binary.BigEndian.PutUint64(buf[i*8:], v)
	}
	return minHashPrefix + hex.EncodeToString(buf)
}

func (m shingleMatcher) Similar(a, b string) bool {
	sa, ok := decodeSignature(a)
	if !ok {
		return false
	}
	sb, ok := decodeSignature(b)
	if !ok {
		return false
	}
	return signatureSimilarity(sa, sb) >= m.threshold
}

func signatureSimilarity(a, b []uint64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	same := 0
	for i := range a {
		if a[i] == b[i] {
			same++
		}
	}
	return float64(same) / float64(len(a))
}

func decodeSignature(fp string) ([]uint64, bool) {
	if !strings.HasPrefix(fp, minHashPrefix) {
		return nil, false
	}
	raw, err := hex.DecodeString(fp[len(minHashPrefix):])
	if err != nil || len(raw) != 8*minHashPerms {
		return nil, false
	}
	sig := make([]uint64, minHashPerms)
	for i := range sig {
		sig[i] = binary.BigEndian.Uint64(raw[i*8:])
	}
	return sig, true
}

func shingles(content string) []string {
	words := strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(words) < shingleSize {
		return []string{strings.Join(words, " ")}
	}
	out := make([]string, 0, len(words)-shingleSize+1)
	for i := 0; i+shingleSize <= len(words); i++ {
		out = append(out, strings.Join(words[i:i+shingleSize], " "))
	}
	return out
}

func minHash(set []string) []uint64 {
	sig := make([]uint64, minHashPerms)
	for i := range sig {
		sig[i] = ^uint64(0)
	}
	for _, s := range set {
		h := fnv.New64a()
		_, _ = h.Write([]byte(s))
		base := h.Sum64()
		for i := range sig {
			v := splitMix64(base ^ splitMix64(uint64(i)+splitMixGolden))
			if v < sig[i] {
				sig[i] = v
			}
		}
	}
	return sig
}

func splitMix64(x uint64) uint64 {
	x += splitMixGolden
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
