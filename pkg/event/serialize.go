package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalid はイベントが受信契約を満たしていないことを表す。
var ErrInvalid = errors.New("不正なイベント")

// Validate はイベントが処理可能な形式かを検証する。
// IDとtargetUserIdsフィールドが無いイベントは部分的にも処理せず拒否する。
// typeが空のイベントは受け付け、汎用の内容で描画する。
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: イベントが空です", ErrInvalid)
	}
	if e.ID == "" {
		return fmt.Errorf("%w: idが必要です", ErrInvalid)
	}
	if e.TargetUserIDs == nil {
		return fmt.Errorf("%w: targetUserIdsが必要です", ErrInvalid)
	}
	if len(e.Payload) > 0 {
		trimmed := bytes.TrimSpace(e.Payload)
		if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) && trimmed[0] != '{' {
			return fmt.Errorf("%w: payloadはJSONオブジェクトである必要があります", ErrInvalid)
		}
	}
	return nil
}

// Decode はJSONバイト列から1件または複数件のイベントをデコードする。
// 先頭が配列の場合はバッチとして扱う。
func Decode(data []byte) ([]Event, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: 本文が空です", ErrInvalid)
	}
	if trimmed[0] == '[' {
		var events []Event
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return events, nil
	}
	var ev Event
	if err := json.Unmarshal(trimmed, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return []Event{ev}, nil
}
