package event

import (
	"encoding/json"
	"strings"
)

// Type はドメインイベントの種類を表す。
// 未知の種類も受け付けるオープンな列挙として扱う。
type Type string

const (
	// TypeCleaningCreated は清掃が作成されたことを表す。
	TypeCleaningCreated Type = "CLEANING_CREATED"
	// TypeCleaningAvailable は担当者未定の清掃が募集されたことを表す。
	TypeCleaningAvailable Type = "CLEANING_AVAILABLE"
	// TypeCleaningAssigned は清掃が担当者に割り当てられたことを表す。
	TypeCleaningAssigned Type = "CLEANING_ASSIGNED"
	// TypeCleaningStarted は清掃が開始されたことを表す。
	TypeCleaningStarted Type = "CLEANING_STARTED"
	// TypeCleaningCompleted は清掃が完了したことを表す。
	TypeCleaningCompleted Type = "CLEANING_COMPLETED"
	// TypeCleaningCancelled は清掃がキャンセルされたことを表す。
	TypeCleaningCancelled Type = "CLEANING_CANCELLED"

	// TypeRepairCreated は修繕依頼が作成されたことを表す。
	TypeRepairCreated Type = "REPAIR_CREATED"
	// TypeRepairAssigned は修繕が担当者に割り当てられたことを表す。
	TypeRepairAssigned Type = "REPAIR_ASSIGNED"
	// TypeRepairCompleted は修繕が完了したことを表す。
	TypeRepairCompleted Type = "REPAIR_COMPLETED"

	// TypeTaskAssigned はタスクが割り当てられたことを表す。
	TypeTaskAssigned Type = "TASK_ASSIGNED"
	// TypeTaskCompleted はタスクが完了したことを表す。
	TypeTaskCompleted Type = "TASK_COMPLETED"

	// TypeBookingCreated は予約が作成されたことを表す。
	TypeBookingCreated Type = "BOOKING_CREATED"
	// TypeBookingCancelled は予約がキャンセルされたことを表す。
	TypeBookingCancelled Type = "BOOKING_CANCELLED"

	// TypeUnknown はtypeが空のイベントを描画する際の種類。
	TypeUnknown Type = "UNKNOWN"
)

// Event は兄弟サービスが発行する不変のドメインイベント。
// 通知サービスはこれを受信して通知を生成する。
type Event struct {
	// ID はイベントの一意識別子。再配信の重複排除に使用する。
	ID string `json:"id"`
	// Type はイベントの種類。
	Type Type `json:"type"`
	// OrgID はイベントが属する組織のID（任意）。
	OrgID string `json:"orgId,omitempty"`
	// ActorUserID はイベントを発生させたユーザーのID（任意）。
	ActorUserID string `json:"actorUserId,omitempty"`
	// TargetUserIDs は通知対象のユーザーID。
	// nilはフィールド欠落、空スライスは対象なしを表す。
	TargetUserIDs []string `json:"targetUserIds"`
	// Payload はイベント固有のデータ（任意のJSONオブジェクト）。
	Payload json.RawMessage `json:"payload,omitempty"`
}

// OrUnknown は種類が空の場合にTypeUnknownを返す。
func (t Type) OrUnknown() Type {
	if t == "" {
		return TypeUnknown
	}
	return t
}

// Humanize はイベント種類を人が読める表記に変換する。
// 例: CLEANING_ASSIGNED → "Cleaning assigned"
func (t Type) Humanize() string {
	words := strings.FieldsFunc(strings.ToLower(string(t)), func(r rune) bool {
		return r == '_' || r == '-' || r == '.' || r == ' '
	})
	if len(words) == 0 {
		return ""
	}
	first := []rune(words[0])
	first[0] = []rune(strings.ToUpper(string(first[0])))[0]
	words[0] = string(first)
	return strings.Join(words, " ")
}
