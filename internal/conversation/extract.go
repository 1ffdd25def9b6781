// ABOUTME: Pulls assistant-authored text out of thread state documents
// ABOUTME: Tracks per-message progress so streamed snapshots become text deltas

package conversation

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	messageTypeAI    = "ai"
	messageTypeHuman = "human"
)

// LastAIMessage returns the content of the most recent assistant message in a
// thread state document ({"values":{"messages":[...]}}).
func LastAIMessage(state []byte) (string, bool) {
	messages := gjson.GetBytes(state, "values.messages").Array()
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Get("type").String() == messageTypeAI {
			return messageText(messages[i].Get("content")), true
		}
	}
	return "", false
}

// messageText flattens message content, which is either a plain string or a
// list of content blocks.
func messageText(content gjson.Result) string {
	if !content.IsArray() {
		return content.String()
	}

	var b strings.Builder
	for _, block := range content.Array() {
		switch {
		case block.Type == gjson.String:
			b.WriteString(block.String())
		case block.Get("type").String() == "text":
			b.WriteString(block.Get("text").String())
		}
	}
	return b.String()
}

// deltaTracker remembers how much of the current assistant message has
// already been emitted.
type deltaTracker struct {
	messageID string
	emitted   string
}

// Next consumes one values snapshot ({"messages":[...]}) and returns the text
// that has not been emitted yet. Only assistant messages after the latest
// human message are considered, so earlier turns are never replayed.
func (d *deltaTracker) Next(snapshot []byte) string {
	messages := gjson.GetBytes(snapshot, "messages").Array()

	start := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Get("type").String() == messageTypeHuman {
			start = i + 1
			break
		}
	}

	for i := len(messages) - 1; i >= start; i-- {
		msg := messages[i]
		if msg.Get("type").String() != messageTypeAI {
			continue
		}

		id := msg.Get("id").String()
		if id == "" {
			id = "#" + strconv.Itoa(i)
		}
		content := messageText(msg.Get("content"))

		if id != d.messageID {
			d.messageID = id
			d.emitted = content
			return content
		}

		if strings.HasPrefix(content, d.emitted) {
			delta := content[len(d.emitted):]
			d.emitted = content
			return delta
		}

		// The message was rewritten rather than extended
		d.emitted = content
		return content
	}
	return ""
}
