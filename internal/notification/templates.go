package notification

import (
	"encoding/json"
	"strings"

	"github.com/nao1215/stayops/internal/delivery"
	"github.com/nao1215/stayops/internal/notification/db"
	"github.com/nao1215/stayops/pkg/event"
	"github.com/nao1215/stayops/pkg/render"
)

// ButtonSpec はアクションボタンの雛形。PathかCallbackのどちらかを指定する。
// いずれも {{式}} を含められる。
type ButtonSpec struct {
	// Text はボタンのラベル。
	Text string
	// Path はリンク先のパス。リンクのベースURLと連結される。
	Path string
	// Callback はボットへ返すコールバックデータ。
	Callback string
}

// Descriptor はイベント種類ごとの表示上の既定値。
type Descriptor struct {
	// Priority はテンプレートに優先度が無い場合の優先度。
	Priority delivery.Priority
	// ActionPath は通知を開いたときの遷移先パス。
	ActionPath string
	// ActionText はアクションのラベル。
	ActionText string
	// Buttons は複数アクションのボタン。2つ以上ある場合のみ添付する。
	Buttons []ButtonSpec
}

// descriptors はイベント種類ごとの記述子。種類の追加はここへの追記のみで済む。
var descriptors = map[event.Type]Descriptor{
	event.TypeCleaningCreated: {
		Priority:   delivery.PriorityNormal,
		ActionPath: "/cleanings/{{payload.cleaningId}}",
		ActionText: "Open cleaning",
	},
	event.TypeCleaningAvailable: {
		Priority:   delivery.PriorityHigh,
		ActionPath: "/cleanings/{{payload.cleaningId}}",
		ActionText: "Open cleaning",
		Buttons: []ButtonSpec{
			{Text: "Take this job", Callback: "take_cleaning:{{payload.cleaningId}}"},
			{Text: "View details", Path: "/cleanings/{{payload.cleaningId}}"},
		},
	},
	event.TypeCleaningAssigned: {
		Priority:   delivery.PriorityNormal,
		ActionPath: "/cleanings/{{payload.cleaningId}}",
		ActionText: "Open cleaning",
	},
	event.TypeCleaningStarted: {
		Priority:   delivery.PriorityLow,
		ActionPath: "/cleanings/{{payload.cleaningId}}",
		ActionText: "Open cleaning",
	},
	event.TypeCleaningCompleted: {
		Priority:   delivery.PriorityNormal,
		ActionPath: "/cleanings/{{payload.cleaningId}}",
		ActionText: "Review",
	},
	event.TypeCleaningCancelled: {
		Priority:   delivery.PriorityHigh,
		ActionPath: "/cleanings/{{payload.cleaningId}}",
		ActionText: "Open cleaning",
	},
	event.TypeRepairCreated: {
		Priority:   delivery.PriorityNormal,
		ActionPath: "/repairs/{{payload.repairId}}",
		ActionText: "Open repair",
	},
	event.TypeRepairAssigned: {
		Priority:   delivery.PriorityNormal,
		ActionPath: "/repairs/{{payload.repairId}}",
		ActionText: "Open repair",
		Buttons: []ButtonSpec{
			{Text: "Start", Callback: "start_repair:{{payload.repairId}}"},
			{Text: "View details", Path: "/repairs/{{payload.repairId}}"},
		},
	},
	event.TypeRepairCompleted: {
		Priority:   delivery.PriorityNormal,
		ActionPath: "/repairs/{{payload.repairId}}",
		ActionText: "Open repair",
	},
	event.TypeTaskAssigned: {
		Priority:   delivery.PriorityNormal,
		ActionPath: "/tasks/{{payload.taskId}}",
		ActionText: "Open task",
	},
	event.TypeTaskCompleted: {
		Priority:   delivery.PriorityLow,
		ActionPath: "/tasks/{{payload.taskId}}",
		ActionText: "Open task",
	},
	event.TypeBookingCreated: {
		Priority:   delivery.PriorityNormal,
		ActionPath: "/bookings/{{payload.bookingId}}",
		ActionText: "Open booking",
	},
	event.TypeBookingCancelled: {
		Priority:   delivery.PriorityHigh,
		ActionPath: "/bookings/{{payload.bookingId}}",
		ActionText: "Open booking",
	},
}

// DescriptorFor はイベント種類の記述子を返す。未登録の種類はfalseを返す。
func DescriptorFor(t event.Type) (Descriptor, bool) {
	d, ok := descriptors[t]
	return d, ok
}

// SelectTemplate は候補から使用するテンプレートを選ぶ。
// 候補は更新日時の新しい順に並んでいる前提で、先頭を採用する。
func SelectTemplate(templates []db.Template) (*db.Template, bool) {
	if len(templates) == 0 {
		return nil, false
	}
	t := templates[0]
	return &t, true
}

// renderRoot はテンプレート評価のルートとなる値を組み立てる。
// payload と event{id,type,orgId,actorUserId} を参照できる。
func renderRoot(ev *event.Event) render.Value {
	payload, err := render.FromJSON(ev.Payload)
	if err != nil {
		payload = render.Null()
	}
	return render.Object(map[string]render.Value{
		"payload": payload,
		"event": render.Object(map[string]render.Value{
			"id":          render.String(ev.ID),
			"type":        render.String(string(ev.Type)),
			"orgId":       render.String(ev.OrgID),
			"actorUserId": render.String(ev.ActorUserID),
		}),
	})
}

// content は描画済みの通知内容。
type content struct {
	title      string
	message    string
	priority   delivery.Priority
	actionURL  string
	actionText string
	buttons    []delivery.Button
}

// renderContent はテンプレートと記述子から通知内容を描画する。
// テンプレートが無い場合はイベント種類から汎用の内容を作る。
func (b *Builder) renderContent(ev *event.Event, tpl *db.Template, root render.Value) content {
	desc, known := DescriptorFor(ev.Type)

	var c content
	if tpl != nil {
		c.title = strings.TrimSpace(b.resolver.Interpolate(tpl.TitleTemplate, root))
		c.message = strings.TrimSpace(b.resolver.Interpolate(tpl.MessageTemplate, root))
	}
	if c.title == "" {
		c.title = ev.Type.OrUnknown().Humanize()
	}
	if c.message == "" {
		c.message = "Event: " + string(ev.Type.OrUnknown())
	}

	c.priority = delivery.PriorityNormal
	if known && desc.Priority != "" {
		c.priority = desc.Priority
	}
	if tpl != nil {
		if p, ok := delivery.ParsePriority(tpl.DefaultPriority); ok {
			c.priority = p
		}
	}

	if !known {
		return c
	}
	if desc.ActionPath != "" {
		if path := b.resolver.Interpolate(desc.ActionPath, root); !strings.HasSuffix(path, "/") {
			c.actionURL = b.link(path)
			c.actionText = desc.ActionText
		}
	}
	if len(desc.Buttons) >= 2 {
		c.buttons = b.renderButtons(desc.Buttons, root)
	}
	return c
}

// renderButtons はボタンの雛形を描画する。値が欠けたボタンは除外し、
// 残りが2つ未満になった場合はボタンを添付しない。
func (b *Builder) renderButtons(specs []ButtonSpec, root render.Value) []delivery.Button {
	buttons := make([]delivery.Button, 0, len(specs))
	for _, spec := range specs {
		switch {
		case spec.Callback != "":
			data := b.resolver.Interpolate(spec.Callback, root)
			if strings.HasSuffix(data, ":") {
				continue
			}
			buttons = append(buttons, delivery.Button{Text: spec.Text, CallbackData: data})
		case spec.Path != "":
			path := b.resolver.Interpolate(spec.Path, root)
			if strings.HasSuffix(path, "/") {
				continue
			}
			buttons = append(buttons, delivery.Button{Text: spec.Text, URL: b.link(path)})
		}
	}
	if len(buttons) < 2 {
		return nil
	}
	return buttons
}

// link はパスをリンクのベースURLと連結する。
func (b *Builder) link(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimRight(b.linkBaseURL, "/") + path
}

// metadata は通知に保存するメタデータ。
type metadata struct {
	Payload json.RawMessage   `json:"payload"`
	Buttons []delivery.Button `json:"buttons,omitempty"`
}

// buttonsFromMetadata は保存済みメタデータからボタンを取り出す。
func buttonsFromMetadata(raw json.RawMessage) []delivery.Button {
	if len(raw) == 0 {
		return nil
	}
	var m metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m.Buttons
}
