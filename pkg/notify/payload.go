package notify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyPayload marks a push without data. It is logged and ignored.
	ErrEmptyPayload = errors.New("push has no payload")

	// ErrInvalidPayload marks a push payload that is not a JSON object.
	ErrInvalidPayload = errors.New("invalid push payload")
)

// Default values used when a payload omits them.
const (
	DefaultTitle = "Task update"
	GeneralTag   = "task-general"

	ActionOpen    = "open"
	ActionDismiss = "dismiss"
)

// TaskID accepts both JSON strings and numbers.
type TaskID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *TaskID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = TaskID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("task id must be a string or number: %w", err)
	}
	*id = TaskID(n.String())
	return nil
}

// Payload is the data carried by a push message.
type Payload struct {
	Title        string `json:"title"`
	Body         string `json:"body"`
	TaskID       TaskID `json:"taskId"`
	TaskText     string `json:"taskText"`
	ProgressInfo string `json:"progressInfo"`
}

// ParsePush decodes a push message body.
func ParsePush(data []byte) (Payload, error) {
	var p Payload
	if len(bytes.TrimSpace(data)) == 0 {
		return p, ErrEmptyPayload
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, nil
}

// TaskData is the in-app form of a task update.
type TaskData struct {
	ID           TaskID `json:"id"`
	Text         string `json:"text"`
	ProgressInfo string `json:"progressInfo"`
}

// Payload converts an in-app task update into a notification payload.
func (t TaskData) Payload() Payload {
	return Payload{
		Title:        DefaultTitle,
		Body:         t.Text,
		TaskID:       t.ID,
		TaskText:     t.Text,
		ProgressInfo: t.ProgressInfo,
	}
}

// Action is a button on a notification.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Data is the task context attached to a notification.
type Data struct {
	TaskID      string    `json:"taskId"`
	TaskText    string    `json:"taskText"`
	TimeUpdated time.Time `json:"timeUpdated"`
}

// Descriptor is a rendered notification. Notifications sharing a Tag
// collapse into one.
type Descriptor struct {
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	Icon     string   `json:"icon,omitempty"`
	Badge    string   `json:"badge,omitempty"`
	Tag      string   `json:"tag"`
	Renotify bool     `json:"renotify"`
	Data     Data     `json:"data"`
	Actions  []Action `json:"actions"`
}

// TagFor returns the collapse tag of a task.
func TagFor(taskID string) string {
	if taskID == "" {
		return GeneralTag
	}
	return "task-" + taskID
}

// Build renders a payload into a descriptor. Progress info is appended to
// the body on its own line.
func Build(p Payload, icon, badge string, now time.Time) Descriptor {
	title := p.Title
	if title == "" {
		title = DefaultTitle
	}
	body := p.Body
	if p.ProgressInfo != "" {
		if body != "" {
			body += "\n"
		}
		body += p.ProgressInfo
	}
	id := string(p.TaskID)
	return Descriptor{
		Title: title,
		Body:  body,
		Icon:  icon,
		Badge: badge,
		Tag:   TagFor(id),
		Data: Data{
			TaskID:      id,
			TaskText:    p.TaskText,
			TimeUpdated: now,
		},
		Actions: []Action{
			{Action: ActionOpen, Title: "Open task"},
			{Action: ActionDismiss, Title: "Dismiss"},
		},
	}
}
