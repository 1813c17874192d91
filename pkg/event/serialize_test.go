package event

import (
	"encoding/json"
	"errors"
	"testing"
)

// TestValidate はイベントの受信契約の検証を確認する。
func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{
			name: "必須フィールドが揃っていれば正常",
			body: `{"id":"e-1","type":"CLEANING_ASSIGNED","targetUserIds":["u1"],"payload":{"unitName":"Flat 5"}}`,
		},
		{
			name: "対象ユーザーが空配列でも正常",
			body: `{"id":"e-1","type":"CLEANING_ASSIGNED","targetUserIds":[]}`,
		},
		{
			name: "未知のイベント種類でも正常",
			body: `{"id":"e-1","type":"SOMETHING_NEW","targetUserIds":["u1"]}`,
		},
		{
			name:    "idが無い場合はエラー",
			body:    `{"type":"CLEANING_ASSIGNED","targetUserIds":["u1"]}`,
			wantErr: true,
		},
		{
			name:    "targetUserIdsが無い場合はエラー",
			body:    `{"id":"e-1","type":"CLEANING_ASSIGNED"}`,
			wantErr: true,
		},
		{
			name:    "targetUserIdsがnullの場合はエラー",
			body:    `{"id":"e-1","type":"CLEANING_ASSIGNED","targetUserIds":null}`,
			wantErr: true,
		},
		{
			name: "typeが無い場合も正常",
			body: `{"id":"e-1","targetUserIds":["u1"]}`,
		},
		{
			name:    "payloadが配列の場合はエラー",
			body:    `{"id":"e-1","type":"X","targetUserIds":["u1"],"payload":[1,2]}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var ev Event
			if err := json.Unmarshal([]byte(tt.body), &ev); err != nil {
				t.Fatalf("JSONのデコードに失敗: %v", err)
			}
			err := ev.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalid) {
					t.Errorf("Validate() = %v, want ErrInvalid", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Validate()でエラーが発生: %v", err)
			}
		})
	}
}

// TestDecode は単一イベントとバッチのデコードを検証する。
func TestDecode(t *testing.T) {
	t.Parallel()

	t.Run("単一オブジェクトを1件としてデコードできること", func(t *testing.T) {
		t.Parallel()

		events, err := Decode([]byte(`{"id":"e-1","type":"TASK_ASSIGNED","targetUserIds":["u1"]}`))
		if err != nil {
			t.Fatalf("Decode()でエラーが発生: %v", err)
		}
		if len(events) != 1 || events[0].ID != "e-1" {
			t.Errorf("events = %+v, want 1件 (e-1)", events)
		}
	})

	t.Run("配列をバッチとしてデコードできること", func(t *testing.T) {
		t.Parallel()

		events, err := Decode([]byte(` [{"id":"e-1"},{"id":"e-2"}]`))
		if err != nil {
			t.Fatalf("Decode()でエラーが発生: %v", err)
		}
		if len(events) != 2 {
			t.Errorf("len(events) = %d, want 2", len(events))
		}
	})

	t.Run("空の本文でエラーが返ること", func(t *testing.T) {
		t.Parallel()

		if _, err := Decode([]byte("  ")); !errors.Is(err, ErrInvalid) {
			t.Errorf("Decode() = %v, want ErrInvalid", err)
		}
	})

	t.Run("不正なJSONでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		if _, err := Decode([]byte(`{"id":`)); !errors.Is(err, ErrInvalid) {
			t.Errorf("Decode() = %v, want ErrInvalid", err)
		}
	})
}
