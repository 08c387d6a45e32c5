package normalizer

import (
	"regexp"
	"strings"
)

type brandRule struct {
	brand string // 为空时取匹配到的第一个分组作为品牌
	re    *regexp.Regexp
}

// 顺序即优先级，第一个命中的规则生效。
var brandRules = []brandRule{
	{brand: "Apple", re: regexp.MustCompile(`(?i)(iphone)\s*(\d+\s*pro\s*max|\d+\s*pro|\d+\s*plus|\d+|se|air|mini)`)},
	{brand: "Samsung", re: regexp.MustCompile(`(?i)(samsung|galaxy)\s*(s\d+\s*ultra|s\d+\s*plus|s\d+|a\d+|z\s*fold\d*|z\s*flip\d*|note\d+)`)},
	{re: regexp.MustCompile(`(?i)(xiaomi|redmi)\s*(note\s*\d+|\d+[a-z]*)`)},
	{brand: "Poco", re: regexp.MustCompile(`(?i)(poco)\s*(x\d+[a-z]*|m\d+[a-z]*|c\d+[a-z]*|f\d+[a-z]*)`)},
	{re: regexp.MustCompile(`(?i)(huawei|honor)\s*(p\d+[a-z]*|mate\s*\d+|nova\s*\d+|magic\d*[a-z]*\s*pro|magic\d*[a-z]*|x\d+[a-z]*|\d+[a-z]*)`)},
	{brand: "Oppo", re: regexp.MustCompile(`(?i)(oppo)\s*(find\s*[xn]\d*|reno\s*\d+|a\d+)`)},
	{brand: "Vivo", re: regexp.MustCompile(`(?i)(vivo)\s*(x\d+|v\d+|y\d+)`)},
	{brand: "Realme", re: regexp.MustCompile(`(?i)(realme)\s*(gt\s*\d*|\d+[a-z]*)`)},
	{brand: "Tecno", re: regexp.MustCompile(`(?i)(tecno)\s*(spark\s*go\s*\d*[a-z]*|spark\s*\d+[a-z]*|camon\s*\d+[a-z]*|phantom\s*[x\d]*|pova\s*\d+[a-z]*)`)},
	{brand: "Infinix", re: regexp.MustCompile(`(?i)(infinix)\s*(note\s*\d+[a-z]*\s*pro|note\s*\d+[a-z]*|smart\s*\d+[a-z]*|hot\s*\d+[a-z]*\s*pro|hot\s*\d+[a-z]*)`)},
	{brand: "Motorola", re: regexp.MustCompile(`(?i)(motorola)\s*(moto\s*[ge]\d+[a-z]*\s*power\s*5g|moto\s*[ge]\d+[a-z]*\s*power|moto\s*[ge]\d+[a-z]*\s*5g|moto\s*[ge]\d+[a-z]*|edge\s*\d+[a-z]*\s*fusion\s*5g|edge\s*\d+[a-z]*|razr\s*\d+[a-z]*)`)},
}

// ParseBrandModel 按规则顺序识别品牌与型号，未命中返回空字符串。
// 型号取整个匹配片段并逐词首字母大写，例如 "Iphone 13 Pro Max"。
func ParseBrandModel(text string) (brand, model string) {
	if strings.TrimSpace(text) == "" {
		return "", ""
	}
	for _, rule := range brandRules {
		m := rule.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		brand = rule.brand
		if brand == "" {
			brand = titleWords(m[1])
		}
		return brand, titleWords(m[0])
	}
	return "", ""
}
