package normalizer

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// 不会被 NFD 分解的阿塞拜疆/土耳其字母。
var letterFold = strings.NewReplacer("ı", "i", "İ", "i", "ə", "e", "Ə", "e")

var conditionWords = map[string]struct{}{
	"new":       {},
	"used":      {},
	"original":  {},
	"authentic": {},
	"official":  {},
}

// NormalizeText 去除变音符号、转小写，并把非字母数字字符折叠为单个空格。
func NormalizeText(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, letterFold.Replace(s))
	if err != nil {
		stripped = s
	}
	lower := strings.ToLower(stripped)

	var b strings.Builder
	b.Grow(len(lower))
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			continue
		}
		b.WriteByte(' ')
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// CleanName 在 NormalizeText 基础上移除成色类修饰词。
func CleanName(s string) string {
	words := strings.Fields(NormalizeText(s))
	kept := words[:0]
	for _, w := range words {
		if _, skip := conditionWords[w]; skip {
			continue
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, " ")
}

// titleWords 将每个单词首字符大写，其余小写。
func titleWords(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
