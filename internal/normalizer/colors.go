package normalizer

import (
	"strings"
	"unicode"
)

type colorKeyword struct {
	words []string
	color string
}

// 多词关键字排在前面，保证 "space gray" 先于 "gray"、"rose gold" 先于 "gold"。
var colorKeywords = buildColorKeywords([][2]string{
	{"space gray", "Gray"},
	{"space grey", "Gray"},
	{"rose gold", "Gold"},

	{"black", "Black"},
	{"midnight", "Black"},
	{"white", "White"},
	{"starlight", "White"},
	{"blue", "Blue"},
	{"red", "Red"},
	{"green", "Green"},
	{"mint", "Green"},
	{"gold", "Gold"},
	{"silver", "Silver"},
	{"gray", "Gray"},
	{"grey", "Gray"},
	{"graphite", "Gray"},
	{"pink", "Pink"},
	{"purple", "Purple"},
	{"lavender", "Purple"},
	{"yellow", "Yellow"},
	{"orange", "Orange"},
	{"coral", "Orange"},
	{"brown", "Brown"},
	{"teal", "Teal"},
	{"titanium", "Titanium"},

	{"qara", "Black"},
	{"ağ", "White"},
	{"mavi", "Blue"},
	{"qırmızı", "Red"},
	{"yaşıl", "Green"},
	{"qızılı", "Gold"},
	{"gümüşü", "Silver"},
	{"boz", "Gray"},
	{"çəhrayı", "Pink"},
	{"sarı", "Yellow"},
	{"bənövşəyi", "Purple"},
	{"narıncı", "Orange"},

	{"черный", "Black"},
	{"чёрный", "Black"},
	{"белый", "White"},
	{"синий", "Blue"},
	{"голубой", "Blue"},
	{"красный", "Red"},
	{"зеленый", "Green"},
	{"зелёный", "Green"},
	{"желтый", "Yellow"},
	{"жёлтый", "Yellow"},
	{"фиолетовый", "Purple"},
	{"розовый", "Pink"},
	{"оранжевый", "Orange"},
	{"золотой", "Gold"},
	{"серебряный", "Silver"},
	{"серебристый", "Silver"},
	{"серый", "Gray"},
})

func buildColorKeywords(pairs [][2]string) []colorKeyword {
	out := make([]colorKeyword, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, colorKeyword{words: strings.Fields(p[0]), color: p[1]})
	}
	return out
}

// ExtractColor 在标题中按整词扫描三种语言的颜色关键字。
func ExtractColor(title string) string {
	tokens := strings.FieldsFunc(strings.ToLower(title), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(tokens) == 0 {
		return ""
	}
	for _, kw := range colorKeywords {
		if containsSequence(tokens, kw.words) {
			return kw.color
		}
	}
	return ""
}

func containsSequence(tokens, words []string) bool {
	n := len(words)
	for i := 0; i+n <= len(tokens); i++ {
		match := true
		for j := 0; j < n; j++ {
			if tokens[i+j] != words[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
