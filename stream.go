package chitchat

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/anondevechat/anonymous-chitchat/contract"
	"github.com/anondevechat/anonymous-chitchat/session"
)

// setupEventWriter returns a function that frames one MessageEvent as
// a server-sent event and flushes it to the client.
func setupEventWriter(w io.Writer, flusher http.Flusher) func(event contract.MessageEvent) error {
	return func(event contract.MessageEvent) error {
		jsonData, err := json.Marshal(event)
		if err != nil {
			return err
		}
		sseData := fmt.Sprintf("data: %s\n\n", jsonData)
		if _, err := w.Write([]byte(sseData)); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
}

// eventsFor converts a session update into wire events, skipping
// messages already delivered on this stream. A degraded update with no
// new messages still produces a single stale marker so the client can
// surface connectivity state.
func eventsFor(update session.Update, seen map[string]bool) []contract.MessageEvent {
	var events []contract.MessageEvent
	for _, msg := range update.Messages {
		if seen[msg.ID] {
			continue
		}
		seen[msg.ID] = true
		event := contract.MessageEvent{
			ID:        msg.ID,
			ChatID:    msg.ChatID,
			Sender:    msg.Sender,
			HTML:      RenderContent(msg.Content),
			Timestamp: msg.Timestamp.UnixMilli(),
			Stale:     update.Stale,
		}
		if msg.Attachment != nil {
			event.Kind = string(msg.Attachment.Kind)
			event.URL = msg.Attachment.URL
		}
		events = append(events, event)
	}
	if len(events) == 0 && update.Stale {
		events = append(events, contract.MessageEvent{Stale: true})
	}
	if update.Ended {
		// Terminal marker: lets the shell tell an ended chat apart
		// from a dropped connection.
		events = append(events, contract.MessageEvent{Ended: true})
	}
	return events
}
