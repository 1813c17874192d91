package render

import (
	"encoding/json"
	"testing"
)

// TestFromJSON はJSONからValueへの変換を検証する。
func TestFromJSON(t *testing.T) {
	t.Parallel()

	t.Run("大きな整数の表記が保持されること", func(t *testing.T) {
		t.Parallel()

		v, err := FromJSON([]byte(`{"amount": 12345678901234567}`))
		if err != nil {
			t.Fatalf("FromJSON()でエラーが発生: %v", err)
		}
		if got := v.Lookup("amount").String(); got != "12345678901234567" {
			t.Errorf("amount = %q, want %q", got, "12345678901234567")
		}
	})

	t.Run("空の入力はnullになること", func(t *testing.T) {
		t.Parallel()

		v, err := FromJSON(nil)
		if err != nil {
			t.Fatalf("FromJSON()でエラーが発生: %v", err)
		}
		if v.Kind() != KindNull {
			t.Errorf("Kind = %v, want KindNull", v.Kind())
		}
	})

	t.Run("不正なJSONでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		if _, err := FromJSON([]byte(`{broken`)); err == nil {
			t.Fatal("FromJSON()がエラーを返すべきだが、nilが返った")
		}
	})
}

// TestValue_IsEmpty は空判定を検証する。
func TestValue_IsEmpty(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		value Value
		want  bool
	}{
		{name: "null", value: Null(), want: true},
		{name: "空白のみの文字列", value: String("  "), want: true},
		{name: "文字列", value: String("x"), want: false},
		{name: "ゼロ", value: Int(0), want: false},
		{name: "false", value: Bool(false), want: false},
		{name: "空配列", value: Array(), want: true},
		{name: "空オブジェクト", value: Object(nil), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.value.IsEmpty(); got != tt.want {
				t.Errorf("IsEmpty() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestValue_EmbeddedInStruct はValueを構造体に埋め込んでJSONに書き出せることを検証する。
func TestValue_EmbeddedInStruct(t *testing.T) {
	t.Parallel()

	payload, err := FromJSON([]byte(`{"unitName":"Flat 5","stats":{"total":3}}`))
	if err != nil {
		t.Fatalf("FromJSON()でエラーが発生: %v", err)
	}
	out, err := json.Marshal(struct {
		Payload Value `json:"payload"`
	}{Payload: payload})
	if err != nil {
		t.Fatalf("json.Marshal()でエラーが発生: %v", err)
	}
	want := `{"payload":{"stats":{"total":3},"unitName":"Flat 5"}}`
	if string(out) != want {
		t.Errorf("json = %s, want %s", out, want)
	}
}
