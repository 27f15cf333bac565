package transport

import (
	"encoding/json"
	"strings"

	"github.com/Delta-Labs-AG/rlm/internal/provider/models"
)

// EncodeTurn renders a turn as CompletionRecord.Response text: the content
// itself for a text turn, or the JSON form {"content":null,"tool_calls":[...]}
// for a tool-call turn.
func EncodeTurn(turn models.TurnRecord) (string, error) {
	if !turn.HasToolCalls() {
		return turn.Text(), nil
	}
	data, err := json.Marshal(turn)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeTurn parses CompletionRecord.Response text. Text that does not
// decode to a structure carrying tool calls is plain content.
func DecodeTurn(response string) models.TurnRecord {
	trimmed := strings.TrimSpace(response)
	if strings.HasPrefix(trimmed, "{") && strings.Contains(trimmed, `"tool_calls"`) {
		var turn models.TurnRecord
		if err := json.Unmarshal([]byte(trimmed), &turn); err == nil && turn.HasToolCalls() {
			return turn
		}
	}
	return models.NewTextTurn(response)
}
