package commons

import (
	"math"
	"regexp"
	"strconv"
)

var (
	answerPattern = regexp.MustCompile(`(?i)answer\s*:?\s*\$?(-?\d+(?:\.\d+)?)`)
	numberPattern = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
)

// ParseAmount 从模型回复中提取索取数量。优先使用 "Answer: N" 格式，
// 否则取最后出现的数字；负数和无法解析的回复视为 0，小数向下取整。
func ParseAmount(text string) int {
	var raw string
	if m := answerPattern.FindAllStringSubmatch(text, -1); len(m) > 0 {
		raw = m[len(m)-1][1]
	} else if nums := numberPattern.FindAllString(text, -1); len(nums) > 0 {
		raw = nums[len(nums)-1]
	}
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 || math.IsInf(v, 0) {
		return 0
	}
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(math.Floor(v))
}
