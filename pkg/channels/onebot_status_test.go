package channels

import (
	"encoding/json"
	"testing"
)

func TestOneBotRawEvent_StatusStringUnmarshal(t *testing.T) {
	payload := []byte(`{"echo":"send_1","status":"ok","retcode":0}`)

	var raw oneBotRawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if raw.Status.Text != "ok" {
		t.Fatalf("status.text = %q, want %q", raw.Status.Text, "ok")
	}
}

func TestOneBotRawEvent_StatusObjectUnmarshal(t *testing.T) {
	payload := []byte(`{"post_type":"meta_event","status":{"online":true,"good":true}}`)

	var raw oneBotRawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !raw.Status.Online || !raw.Status.Good {
		t.Fatalf("status object not parsed correctly: %+v", raw.Status)
	}
}

func TestOneBotRawEvent_HistoryResponseKeepsMessageSeq(t *testing.T) {
	payload := []byte(`{"echo":"history_3","status":"ok","retcode":0,"message_seq":1024,"message_id":-77}`)

	var raw oneBotRawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if raw.Echo != "history_3" {
		t.Fatalf("echo = %q", raw.Echo)
	}
	if string(raw.MessageSeq) != "1024" || string(raw.MessageID) != "-77" {
		t.Fatalf("seq/id = %s/%s", raw.MessageSeq, raw.MessageID)
	}
	if raw.Status.Text != "ok" || string(raw.RetCode) != "0" {
		t.Fatalf("status = %+v retcode = %s", raw.Status, raw.RetCode)
	}
}
