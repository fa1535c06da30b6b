package chitchat

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/anondevechat/anonymous-chitchat/attachment"
	"github.com/anondevechat/anonymous-chitchat/contract"
	"github.com/anondevechat/anonymous-chitchat/session"
)

func TestRenderContent(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		contains    string
		notContains string
	}{
		{
			name:     "plain text wrapped in paragraph",
			input:    "hello there",
			contains: "<p>hello there</p>",
		},
		{
			name:     "markdown emphasis rendered",
			input:    "**loud**",
			contains: "<strong>loud</strong>",
		},
		{
			name:     "links survive sanitization",
			input:    "[site](https://example.com)",
			contains: `href="https://example.com"`,
		},
		{
			name:        "script tags stripped",
			input:       "hi <script>alert(1)</script>",
			notContains: "<script>",
		},
		{
			name:        "event handlers stripped",
			input:       `<img src="x" onerror="alert(1)">`,
			notContains: "onerror",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RenderContent(tt.input)
			if tt.contains != "" && !strings.Contains(got, tt.contains) {
				t.Errorf("RenderContent(%q) = %q, want it to contain %q", tt.input, got, tt.contains)
			}
			if tt.notContains != "" && strings.Contains(got, tt.notContains) {
				t.Errorf("RenderContent(%q) = %q, want it to not contain %q", tt.input, got, tt.notContains)
			}
		})
	}
}

func TestEventsForSkipsDelivered(t *testing.T) {
	seen := map[string]bool{}
	first := session.Update{
		Messages: []session.Message{
			{ID: "m1", ChatID: "c1", Sender: "u1", Content: "hi", Timestamp: time.UnixMilli(1000)},
		},
	}
	events := eventsFor(first, seen)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].ID != "m1" || events[0].Timestamp != 1000 {
		t.Errorf("unexpected event: %+v", events[0])
	}

	second := session.Update{
		Messages: []session.Message{
			first.Messages[0],
			{ID: "m2", ChatID: "c1", Sender: "u2", Content: "yo", Timestamp: time.UnixMilli(2000)},
		},
	}
	events = eventsFor(second, seen)
	if len(events) != 1 || events[0].ID != "m2" {
		t.Fatalf("expected only the new message, got %+v", events)
	}
}

func TestEventsForStaleMarker(t *testing.T) {
	seen := map[string]bool{"m1": true}
	update := session.Update{
		Stale: true,
		Messages: []session.Message{
			{ID: "m1", ChatID: "c1", Sender: "u1", Content: "hi", Timestamp: time.UnixMilli(1000)},
		},
	}
	events := eventsFor(update, seen)
	if len(events) != 1 || !events[0].Stale || events[0].ID != "" {
		t.Fatalf("expected a single stale marker, got %+v", events)
	}
}

func TestEventsForEndedMarker(t *testing.T) {
	update := session.Update{
		Ended: true,
		Messages: []session.Message{
			{ID: "m1", ChatID: "c1", Sender: "u1", Content: "bye", Timestamp: time.UnixMilli(1000)},
		},
	}
	events := eventsFor(update, map[string]bool{})
	if len(events) != 2 {
		t.Fatalf("expected message + ended marker, got %+v", events)
	}
	last := events[len(events)-1]
	if !last.Ended || last.ID != "" {
		t.Fatalf("missing terminal ended marker: %+v", events)
	}
}

func TestEventsForAttachment(t *testing.T) {
	update := session.Update{
		Messages: []session.Message{
			{
				ID:        "m1",
				ChatID:    "c1",
				Sender:    "u1",
				Timestamp: time.UnixMilli(1000),
				Attachment: &attachment.Ref{
					Kind: attachment.KindVoice,
					URL:  "https://blobs.example.com/m1",
				},
			},
		},
	}
	events := eventsFor(update, map[string]bool{})
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Kind != "voice" || events[0].URL != "https://blobs.example.com/m1" {
		t.Errorf("unexpected attachment fields: %+v", events[0])
	}
}

func TestEventWriterFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	writeEvent := setupEventWriter(rec, rec)

	event := contract.MessageEvent{ID: "m1", ChatID: "c1", Sender: "u1", HTML: "<p>hi</p>", Timestamp: 1000}
	if err := writeEvent(event); err != nil {
		t.Fatalf("writeEvent() error = %v", err)
	}

	body := rec.Body.String()
	if !strings.HasPrefix(body, "data: ") || !strings.HasSuffix(body, "\n\n") {
		t.Fatalf("malformed SSE frame: %q", body)
	}
	var got contract.MessageEvent
	payload := strings.TrimSuffix(strings.TrimPrefix(body, "data: "), "\n\n")
	if err := json.Unmarshal([]byte(payload), &got); err != nil {
		t.Fatalf("frame payload is not valid JSON: %v", err)
	}
	if got != event {
		t.Errorf("roundtripped event = %+v, want %+v", got, event)
	}
}
