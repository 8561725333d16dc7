// Package pagerange はページ範囲指定文字列（例: "1-5, 8, 11-13"）を解釈します。
//
// 解釈できないトークンはエラーにせず黙って読み飛ばします。
// 呼び出し側は空の結果を「有効なページなし」として扱ってください。
package pagerange

import (
	"slices"
	"strconv"
	"strings"
)

// Parse は expr を 0 始まりのページ番号へ展開し、昇順・重複なしで返します。
// 結果は常に [0, maxPages) に収まり、nil は返しません。
func Parse(expr string, maxPages int) []int {
	out := []int{}
	if maxPages <= 0 {
		return out
	}

	seen := make(map[int]struct{})
	for _, token := range Tokens(expr) {
		start, end, ok := parseToken(token)
		if !ok {
			continue
		}
		if start > end {
			start, end = end, start
		}
		if end < 1 || start > maxPages {
			continue
		}
		start = max(start, 1)
		end = min(end, maxPages)
		for p := start; p <= end; p++ {
			seen[p-1] = struct{}{}
		}
	}

	for idx := range seen {
		out = append(out, idx)
	}
	slices.Sort(out)
	return out
}

// Tokens はカンマ区切りの各グループを前後の空白を除いて返します。空のグループは含みません。
func Tokens(expr string) []string {
	parts := strings.Split(expr, ",")
	tokens := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tokens = append(tokens, p)
		}
	}
	return tokens
}

// parseToken は "N" または "A-B" を 1 始まりの (start, end) として返します。
// 単一ページは範囲外なら ok=false です。範囲のクランプは呼び出し側で行います。
func parseToken(token string) (start, end int, ok bool) {
	left, right, isRange := strings.Cut(token, "-")
	if !isRange {
		n, err := strconv.Atoi(strings.TrimSpace(token))
		if err != nil {
			return 0, 0, false
		}
		return n, n, true
	}

	a, err := strconv.Atoi(strings.TrimSpace(left))
	if err != nil {
		return 0, 0, false
	}
	b, err := strconv.Atoi(strings.TrimSpace(right))
	if err != nil {
		return 0, 0, false
	}
	return a, b, true
}

// All は 0..n-1 を返します。
func All(n int) []int {
	out := make([]int, 0, max(n, 0))
	for i := 0; i < n; i++ {
		out = append(out, i)
	}
	return out
}

// Select は expr が空白のみなら全ページ、それ以外は Parse の結果を返します。
func Select(expr string, maxPages int) []int {
	if strings.TrimSpace(expr) == "" {
		return All(maxPages)
	}
	return Parse(expr, maxPages)
}

// Normalize は呼び出し側が明示したインデックス列から範囲外と重複を取り除きます。
// 並び順は保持するため、並べ替え（順列）の指定にも使えます。
func Normalize(indices []int, maxPages int) []int {
	out := make([]int, 0, len(indices))
	seen := make(map[int]struct{}, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= maxPages {
			continue
		}
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		out = append(out, idx)
	}
	return out
}

// FromPageNumbers は 1 始まりのページ番号を 0 始まりへ変換し、Normalize します。
func FromPageNumbers(numbers []int, maxPages int) []int {
	indices := make([]int, len(numbers))
	for i, n := range numbers {
		indices[i] = n - 1
	}
	return Normalize(indices, maxPages)
}

// Format は 0 始まりのインデックス列を "1-3,5" 形式の 1 始まり表記にします。
// 入力の並び順のまま連続区間をまとめます。
func Format(indices []int) string {
	var b strings.Builder
	for i := 0; i < len(indices); {
		j := i
		for j+1 < len(indices) && indices[j+1] == indices[j]+1 {
			j++
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(indices[i] + 1))
		if j > i {
			b.WriteByte('-')
			b.WriteString(strconv.Itoa(indices[j] + 1))
		}
		i = j + 1
	}
	return b.String()
}

// Contains は sel に idx が含まれるかを返します。
func Contains(sel []int, idx int) bool {
	return slices.Contains(sel, idx)
}
