package chat

import (
	"time"

	"soulsync/cmd/internal/docstore"
)

// MessageFromDoc decodes a stored message document. Field kinds vary by
// backend (native time vs RFC3339 strings, []any vs []string), so decoding is
// tolerant; absent fields decode to zero values.
func MessageFromDoc(doc docstore.Document) Message {
	return Message{
		ID:        doc.ID,
		UserID:    asString(doc.Data[FieldUserID]),
		Text:      asString(doc.Data[FieldText]),
		Date:      asTime(doc.Data[FieldDate]),
		ReadUsers: asStrings(doc.Data[FieldReadUsers]),
		State:     State(asString(doc.Data[FieldState])),
	}
}

// RoomFromDoc decodes a stored room document.
func RoomFromDoc(doc docstore.Document) Room {
	return Room{
		ID:          doc.ID,
		LastMessage: asString(doc.Data[FieldLastMessage]),
		LastDate:    asTime(doc.Data[FieldLastDate]),
		UnreadCount: asCounts(doc.Data[FieldUnreadCount]),
		Users:       asStrings(doc.Data[FieldUsers]),
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

func asStrings(v any) []string {
	switch arr := v.(type) {
	case []string:
		return append([]string(nil), arr...)
	case []any:
		out := make([]string, 0, len(arr))
		for _, e := range arr {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func asCounts(v any) map[string]int {
	out := make(map[string]int)
	switch m := v.(type) {
	case map[string]int:
		for k, n := range m {
			out[k] = n
		}
	case map[string]any:
		for k, n := range m {
			switch c := n.(type) {
			case int:
				out[k] = c
			case int32:
				out[k] = int(c)
			case int64:
				out[k] = int(c)
			case float64:
				out[k] = int(c)
			}
		}
	}
	return out
}
