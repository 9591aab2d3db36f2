package message

import (
	"encoding/json"
	"testing"
	"time"
)

// TestStatus はStatusの判定メソッドを検証する。
func TestStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   Status
		valid    bool
		terminal bool
	}{
		{name: "pendingは有効かつ非終端であること", status: StatusPending, valid: true, terminal: false},
		{name: "deliveredは有効かつ終端であること", status: StatusDelivered, valid: true, terminal: true},
		{name: "failedは有効かつ終端であること", status: StatusFailed, valid: true, terminal: true},
		{name: "未知の値は無効であること", status: Status("sent"), valid: false, terminal: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.status.Valid(); got != tt.valid {
				t.Errorf("Valid() = %v, want %v", got, tt.valid)
			}
			if got := tt.status.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}

// TestNotificationType はNotificationTypeの判定を検証する。
func TestNotificationType(t *testing.T) {
	t.Parallel()

	if !TypeEmail.Valid() || !TypePush.Valid() {
		t.Error("email/pushは有効な通知チャネルであるべき")
	}
	if NotificationType("sms").Valid() {
		t.Error("smsは無効な通知チャネルであるべき")
	}
	if string(TypeEmail) != "email" || string(TypePush) != "push" {
		t.Error("ルーティングキーと一致する値であるべき")
	}
}

// TestNewDeliveryMessage は配信メッセージの生成を検証する。
func TestNewDeliveryMessage(t *testing.T) {
	t.Parallel()

	before := time.Now().UTC()
	msg := NewDeliveryMessage("n-1", TypeEmail, "u-1", "a@b.com", "welcome", Variables{Name: "Alice", Link: "https://x"}, 2)
	after := time.Now().UTC()

	if msg.Metadata.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", msg.Metadata.RetryCount)
	}
	if msg.Metadata.Timestamp.Before(before) || msg.Metadata.Timestamp.After(after) {
		t.Errorf("Timestamp = %v, 期待する範囲: [%v, %v]", msg.Metadata.Timestamp, before, after)
	}

	t.Run("JSONに件名と本文が含まれないこと", func(t *testing.T) {
		t.Parallel()

		data, err := Encode(msg)
		if err != nil {
			t.Fatalf("Encode()でエラーが発生: %v", err)
		}
		var fields map[string]any
		if err := json.Unmarshal(data, &fields); err != nil {
			t.Fatalf("JSONのパースに失敗: %v", err)
		}
		for _, key := range []string{"subject", "body", "title"} {
			if _, ok := fields[key]; ok {
				t.Errorf("%sフィールドが含まれている", key)
			}
		}
		for _, key := range []string{"notification_id", "notification_type", "user_id", "recipient", "template_code", "variables", "priority", "metadata"} {
			if _, ok := fields[key]; !ok {
				t.Errorf("%sフィールドが含まれていない", key)
			}
		}
	})
}

// TestDecode はDecode関数を検証する。
func TestDecode(t *testing.T) {
	t.Parallel()

	t.Run("レコードをデシリアライズできること", func(t *testing.T) {
		t.Parallel()

		raw := []byte(`{"notification_id":"n-1","status":"delivered","notification_type":"push","user_id":"u-1","recipient":"tok","request_id":"r1","created_at":"2026-01-02T03:04:05Z","updated_at":"2026-01-02T03:05:00Z"}`)
		rec, err := Decode[Record](raw)
		if err != nil {
			t.Fatalf("Decode()でエラーが発生: %v", err)
		}
		if rec.Status != StatusDelivered {
			t.Errorf("Status = %q, want %q", rec.Status, StatusDelivered)
		}
		if rec.UpdatedAt == nil {
			t.Fatal("UpdatedAtがnil")
		}
		if rec.Error != "" {
			t.Errorf("Error = %q, want empty", rec.Error)
		}
	})

	t.Run("不正なJSONでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		if _, err := Decode[Record]([]byte(`{invalid`)); err == nil {
			t.Fatal("Decode()がエラーを返すべきだが、nilが返った")
		}
	})
}
