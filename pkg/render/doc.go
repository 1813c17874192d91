// Package render は通知テンプレートの変数解決と差し込みを提供する。
//
// イベントのペイロード（任意の入れ子JSON）を Value として保持し、
// `payload.unitName|default:"-"` のようなドット区切りパスとフィルタの
// パイプラインを評価して文字列に変換する。どのような形のペイロードに対しても
// 評価は失敗せず、解決できない値は空文字列になる。
package render
