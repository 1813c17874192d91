package render

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

const (
	// dateLayout はdateフィルタの出力形式。
	dateLayout = "02.01.2006 15:04"
	// timeLayout はtimeフィルタの出力形式。
	timeLayout = "15:04"
)

// parseLayouts は日時文字列の解析に試す形式。
var parseLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// currencySymbols は通貨コードから表示記号へのマップ。
var currencySymbols = map[string]string{
	"RUB": "₽",
	"USD": "$",
	"EUR": "€",
	"GBP": "£",
	"KZT": "₸",
}

// gradeLabels は物件サイズのグレードから表示名へのマップ。
var gradeLabels = map[int64]string{
	0: "Small",
	1: "Medium",
	2: "Large",
	3: "Extra large",
}

// defaultFilters は標準フィルタの一覧を返す。
func defaultFilters() map[string]Filter {
	return map[string]Filter{
		"date":            dateFilter(dateLayout),
		"time":            dateFilter(timeLayout),
		"currency":        currencyFilter,
		"gradeLabel":      gradeLabelFilter,
		"difficultyLabel": difficultyLabelFilter,
		"default":         defaultFilter,
	}
}

// parseTime は値を日時として解釈する。
// 数値はUnix秒（1e12以上はミリ秒）として扱う。
func parseTime(v Value) (time.Time, bool) {
	if v.Kind() == KindNumber {
		n, ok := v.Int64()
		if !ok {
			return time.Time{}, false
		}
		if n > 1e12 {
			return time.UnixMilli(n), true
		}
		return time.Unix(n, 0), true
	}
	if v.Kind() != KindString {
		return time.Time{}, false
	}
	s := strings.TrimSpace(v.String())
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// dateFilter は指定形式で日時を整形するフィルタを返す。
// 解釈できない値はそのまま返す。
func dateFilter(layout string) Filter {
	return func(r *Resolver, in Value, _ []Value) Value {
		if in.IsEmpty() {
			return Null()
		}
		t, ok := parseTime(in)
		if !ok {
			return in
		}
		return String(t.In(r.location).Format(layout))
	}
}

// currencyFilter は最小単位（コペイカ・セント等）の金額を通貨表記に整形する。
// 引数に通貨コードを受け取り、100で割った値を桁区切り付きで表示する。
func currencyFilter(r *Resolver, in Value, args []Value) Value {
	if in.IsEmpty() {
		return Null()
	}
	if in.Kind() != KindNumber && in.Kind() != KindString {
		return in
	}
	minor, err := decimal.NewFromString(strings.TrimSpace(in.String()))
	if err != nil {
		return in
	}
	formatted := formatAmount(r.printer(), minor.Shift(-2))

	code := ""
	if len(args) > 0 {
		code = strings.ToUpper(strings.TrimSpace(args[0].String()))
	}
	if code == "" {
		return String(formatted)
	}
	if sym, ok := currencySymbols[code]; ok {
		return String(formatted + " " + sym)
	}
	return String(formatted + " " + code)
}

// formatAmount は金額をfloat64に変換せずに桁区切り付きで整形する。
// 小数部は2桁に丸め、末尾の0は省く。
func formatAmount(p *message.Printer, amount decimal.Decimal) string {
	amount = amount.Round(2)
	sign := ""
	if amount.IsNegative() {
		sign = "-"
		amount = amount.Neg()
	}

	whole := amount.Truncate(0)
	var sb strings.Builder
	sb.WriteString(sign)
	if whole.LessThanOrEqual(maxGrouped) {
		sb.WriteString(p.Sprintf("%v", number.Decimal(whole.IntPart())))
	} else {
		sb.WriteString(whole.String())
	}

	if frac := strings.TrimRight(amount.Sub(whole).StringFixed(2)[2:], "0"); frac != "" {
		sb.WriteString(decimalSeparator(p))
		sb.WriteString(frac)
	}
	return sb.String()
}

// maxGrouped は桁区切りで整形できる整数部の最大値。
var maxGrouped = decimal.NewFromInt(math.MaxInt64)

// decimalSeparator はロケールの小数点記号を返す。
func decimalSeparator(p *message.Printer) string {
	s := p.Sprintf("%v", number.Decimal(0.5, number.MinFractionDigits(1)))
	return strings.TrimSuffix(strings.TrimPrefix(s, "0"), "5")
}

// gradeLabelFilter は物件サイズのグレード（整数）を表示名に変換する。
func gradeLabelFilter(_ *Resolver, in Value, _ []Value) Value {
	n, ok := in.Int64()
	if !ok {
		return in
	}
	if label, ok := gradeLabels[n]; ok {
		return String(label)
	}
	return String(strconv.FormatInt(n, 10))
}

// difficultyLabelFilter は難易度（整数）を "D<n>" 形式に変換する。
func difficultyLabelFilter(_ *Resolver, in Value, _ []Value) Value {
	n, ok := in.Int64()
	if !ok {
		return in
	}
	return String(fmt.Sprintf("D%d", n))
}

// defaultFilter は値が空の場合に引数のリテラルで置き換える。
func defaultFilter(_ *Resolver, in Value, args []Value) Value {
	if !in.IsEmpty() {
		return in
	}
	if len(args) == 0 {
		return Null()
	}
	return args[0]
}
