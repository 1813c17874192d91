package render

import (
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Filter は解決済みの値を変換するテンプレートフィルタ。
// inは前段の値（整形済み文字列の場合もある）、argsは解決済みのフィルタ引数。
type Filter func(r *Resolver, in Value, args []Value) Value

// Resolver は変数式を評価して文字列を生成する。
// 並行に利用しても安全であり、生成後に状態を変更しない。
type Resolver struct {
	// location は日時フィルタで使用するタイムゾーン。
	location *time.Location
	// lang は数値の桁区切り等に使用する言語。
	lang language.Tag
	// filters はフィルタ名から実装へのマップ。
	filters map[string]Filter
}

// Option はResolverの設定を変更する関数。
type Option func(*Resolver)

// WithLocation は日時フィルタのタイムゾーンを設定する。
func WithLocation(loc *time.Location) Option {
	return func(r *Resolver) {
		if loc != nil {
			r.location = loc
		}
	}
}

// WithLanguage は数値整形に使用する言語を設定する。
func WithLanguage(tag language.Tag) Option {
	return func(r *Resolver) {
		r.lang = tag
	}
}

// WithFilter はフィルタを追加または上書きする。
func WithFilter(name string, f Filter) Option {
	return func(r *Resolver) {
		r.filters[name] = f
	}
}

// NewResolver は新しいResolverを生成する。
// デフォルトはUTC・ロシア語ロケールで、標準フィルタが登録される。
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		location: time.UTC,
		lang:     language.Russian,
		filters:  defaultFilters(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// printer はロケールに応じた数値整形用のプリンタを返す。
func (r *Resolver) printer() *message.Printer {
	return message.NewPrinter(r.lang)
}

// Resolve は式を評価して文字列を返す。
// どのようなペイロードと式に対してもパニックせず、解決できない場合は空文字列を返す。
func (r *Resolver) Resolve(root Value, expr string) (out string) {
	defer func() {
		if rec := recover(); rec != nil {
			out = ""
		}
	}()
	return r.Evaluate(root, expr).String()
}

// Evaluate は式を評価してフィルタ適用後のValueを返す。
// 式の形式: path|filter|filter:arg
func (r *Resolver) Evaluate(root Value, expr string) Value {
	stages := splitOutsideQuotes(expr, '|')
	if len(stages) == 0 {
		return Null()
	}

	v := root.Lookup(stages[0])
	for _, stage := range stages[1:] {
		stage = strings.TrimSpace(stage)
		if stage == "" {
			continue
		}
		name, rawArgs, hasArgs := cutOutsideQuotes(stage, ':')
		name = strings.TrimSpace(name)

		var args []Value
		if hasArgs {
			for _, raw := range splitOutsideQuotes(rawArgs, ',') {
				args = append(args, r.resolveArg(root, raw))
			}
		}

		f, ok := r.filters[name]
		if !ok {
			// 未知のフィルタは値をそのまま通す
			continue
		}
		v = f(r, v, args)
	}
	return v
}

// resolveArg はフィルタ引数を解決する。
// 引用符で囲まれた引数はリテラル、それ以外はパスとして解決し、
// 解決できなければ引数そのものをリテラルとして扱う。
func (r *Resolver) resolveArg(root Value, raw string) Value {
	raw = strings.TrimSpace(raw)
	if lit, ok := unquote(raw); ok {
		return String(lit)
	}
	if v := root.Lookup(raw); !v.IsEmpty() {
		return v
	}
	return String(raw)
}

// unquote は "..." または '...' で囲まれた文字列の中身を返す。
func unquote(s string) (string, bool) {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1], true
		}
	}
	return "", false
}

// splitOutsideQuotes は引用符の外側にある区切り文字で文字列を分割する。
func splitOutsideQuotes(s string, sep byte) []string {
	var parts []string
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == sep:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

// cutOutsideQuotes は引用符の外側にある最初の区切り文字で文字列を2つに分ける。
func cutOutsideQuotes(s string, sep byte) (before, after string, found bool) {
	parts := splitOutsideQuotes(s, sep)
	if len(parts) < 2 {
		return s, "", false
	}
	return parts[0], s[len(parts[0])+1:], true
}

// Interpolate はテキスト中の {{式}} をそれぞれ評価結果に置き換える。
// 閉じられていない、または空の {{ }} はそのまま残す。
func (r *Resolver) Interpolate(text string, root Value) string {
	var b strings.Builder
	rest := text
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			b.WriteString(rest)
			break
		}
		closeIdx := strings.Index(rest[open+2:], "}}")
		if closeIdx < 0 {
			b.WriteString(rest)
			break
		}
		inner := rest[open+2 : open+2+closeIdx]

		// "{{ a {{b}}" のような場合は内側の {{ から評価し直す
		if nested := strings.LastIndex(inner, "{{"); nested >= 0 {
			b.WriteString(rest[:open+2+nested])
			rest = rest[open+2+nested:]
			continue
		}

		b.WriteString(rest[:open])
		token := rest[open : open+2+closeIdx+2]
		if strings.TrimSpace(inner) == "" {
			b.WriteString(token)
		} else {
			b.WriteString(r.Resolve(root, inner))
		}
		rest = rest[open+2+closeIdx+2:]
	}
	return b.String()
}
