package channels

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type BotStatus struct {
	Online bool `json:"online"`
	Good   bool `json:"good"`
	Text   string
}

func (s *BotStatus) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*s = BotStatus{}
		return nil
	}

	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*s = BotStatus{Text: strings.TrimSpace(text)}
		return nil
	}

	var obj struct {
		Online bool `json:"online"`
		Good   bool `json:"good"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*s = BotStatus{
		Online: obj.Online,
		Good:   obj.Good,
	}
	return nil
}

type oneBotMessageSegment struct {
	Type      string
	Text      string
	AtQQ      string
	IsSelf    bool
	ImageURL  string
	ImageFile string
	ImagePath string
	ReplyID   string
	Raw       string
}

type parseMessageResult struct {
	Text           string
	IsBotMentioned bool
	HasUnknown     bool
	Segments       []oneBotMessageSegment
}

// Mentions lists the ids of @-mentioned users other than the bot.
func (r parseMessageResult) Mentions() []string {
	var out []string
	for _, seg := range r.Segments {
		if seg.Type == "at" && !seg.IsSelf && seg.AtQQ != "" && seg.AtQQ != "all" {
			out = appendUniqueString(out, seg.AtQQ)
		}
	}
	return out
}

// ReplyID returns the first replied-to message id, if any.
func (r parseMessageResult) ReplyID() string {
	for _, seg := range r.Segments {
		if seg.Type == "reply" && seg.ReplyID != "" {
			return seg.ReplyID
		}
	}
	return ""
}

func (r parseMessageResult) Images() []oneBotMessageSegment {
	var out []oneBotMessageSegment
	for _, seg := range r.Segments {
		if seg.Type == "image" {
			out = append(out, seg)
		}
	}
	return out
}

var oneBotCQPattern = regexp.MustCompile(`\[CQ:([a-zA-Z0-9_]+)(?:,([^\]]*))?\]`)

// parseMessageContentEx accepts both message formats a OneBot server may
// send: a CQ-code string or an array of typed segments.
func parseMessageContentEx(raw json.RawMessage, rawMessage string, selfID int64) parseMessageResult {
	if len(raw) == 0 {
		if strings.TrimSpace(rawMessage) != "" {
			return parseOneBotCQMessage(rawMessage, rawMessage, selfID)
		}
		return parseMessageResult{}
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return parseOneBotCQMessage(s, rawMessage, selfID)
	}

	var segments []map[string]interface{}
	if err := json.Unmarshal(raw, &segments); err == nil {
		var text strings.Builder
		mentioned := false
		unknownSegment := false
		parsedSegments := make([]oneBotMessageSegment, 0, len(segments))
		selfIDStr := strconv.FormatInt(selfID, 10)
		for _, seg := range segments {
			segType, _ := seg["type"].(string)
			data, _ := seg["data"].(map[string]interface{})
			switch segType {
			case "text":
				if data != nil {
					if t, ok := data["text"].(string); ok {
						text.WriteString(t)
						parsedSegments = append(parsedSegments, oneBotMessageSegment{Type: "text", Text: t})
					}
				}
			case "at":
				qqVal := ""
				if data != nil {
					qqVal = oneBotDataString(data["qq"])
				}
				isSelf := selfID > 0 && (qqVal == selfIDStr || qqVal == "all")
				if isSelf {
					mentioned = true
				}
				parsedSegments = append(parsedSegments, oneBotMessageSegment{
					Type:   "at",
					AtQQ:   qqVal,
					IsSelf: isSelf,
				})
			case "image":
				segMsg := oneBotMessageSegment{Type: "image"}
				if data != nil {
					segMsg.ImageURL = oneBotDataString(data["url"])
					segMsg.ImageFile = oneBotDataString(data["file"])
					segMsg.ImagePath = oneBotDataString(data["path"])
				}
				parsedSegments = append(parsedSegments, segMsg)
			case "reply":
				segMsg := oneBotMessageSegment{Type: "reply"}
				if data != nil {
					segMsg.ReplyID = oneBotDataString(data["id"])
				}
				parsedSegments = append(parsedSegments, segMsg)
			default:
				unknownSegment = true
				segRaw := ""
				if segJSON, err := json.Marshal(seg); err == nil {
					segRaw = string(segJSON)
				}
				parsedSegments = append(parsedSegments, oneBotMessageSegment{
					Type: "unknown",
					Raw:  segRaw,
				})
			}
		}

		trimmedText := strings.TrimSpace(text.String())
		trimmedRaw := strings.TrimSpace(rawMessage)
		if unknownSegment && trimmedRaw != "" && trimmedRaw != trimmedText {
			parsedSegments = append(parsedSegments, oneBotMessageSegment{
				Type: "raw_message",
				Raw:  trimmedRaw,
			})
		}

		return parseMessageResult{
			Text:           trimmedText,
			IsBotMentioned: mentioned,
			HasUnknown:     unknownSegment,
			Segments:       parsedSegments,
		}
	}

	trimmedRaw := strings.TrimSpace(rawMessage)
	if trimmedRaw == "" {
		return parseMessageResult{}
	}
	return parseMessageResult{
		Text:     trimmedRaw,
		Segments: []oneBotMessageSegment{{Type: "text", Text: trimmedRaw}},
	}
}

func oneBotDataString(v interface{}) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
}

func parseOneBotCQMessage(content string, rawMessage string, selfID int64) parseMessageResult {
	matches := oneBotCQPattern.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return parseMessageResult{
			Text:     strings.TrimSpace(unescapeCQText(content)),
			Segments: []oneBotMessageSegment{{Type: "text", Text: unescapeCQText(content)}},
		}
	}

	selfIDStr := strconv.FormatInt(selfID, 10)
	segments := make([]oneBotMessageSegment, 0, len(matches)+1)
	var textBuilder strings.Builder
	mentioned := false
	hasUnknown := false
	cursor := 0

	for _, m := range matches {
		if m[0] > cursor {
			textPart := unescapeCQText(content[cursor:m[0]])
			if textPart != "" {
				segments = append(segments, oneBotMessageSegment{Type: "text", Text: textPart})
				textBuilder.WriteString(textPart)
			}
		}

		segType := content[m[2]:m[3]]
		paramsRaw := ""
		if m[4] >= 0 && m[5] >= 0 {
			paramsRaw = content[m[4]:m[5]]
		}
		segRaw := content[m[0]:m[1]]
		params := parseOneBotCQParams(paramsRaw)

		switch segType {
		case "at":
			qqVal := strings.TrimSpace(params["qq"])
			isSelf := selfID > 0 && (qqVal == selfIDStr || qqVal == "all")
			if isSelf {
				mentioned = true
			}
			segments = append(segments, oneBotMessageSegment{
				Type:   "at",
				AtQQ:   qqVal,
				IsSelf: isSelf,
			})
		case "image":
			segments = append(segments, oneBotMessageSegment{
				Type:      "image",
				ImageURL:  strings.TrimSpace(params["url"]),
				ImageFile: strings.TrimSpace(params["file"]),
				ImagePath: strings.TrimSpace(params["path"]),
			})
		case "reply":
			segments = append(segments, oneBotMessageSegment{
				Type:    "reply",
				ReplyID: strings.TrimSpace(params["id"]),
			})
		default:
			hasUnknown = true
			segments = append(segments, oneBotMessageSegment{
				Type: "unknown",
				Raw:  segRaw,
			})
		}
		cursor = m[1]
	}

	if cursor < len(content) {
		textPart := unescapeCQText(content[cursor:])
		if textPart != "" {
			segments = append(segments, oneBotMessageSegment{Type: "text", Text: textPart})
			textBuilder.WriteString(textPart)
		}
	}

	trimmedText := strings.TrimSpace(textBuilder.String())
	trimmedRaw := strings.TrimSpace(rawMessage)
	if trimmedRaw == "" {
		trimmedRaw = strings.TrimSpace(content)
	}
	if hasUnknown && trimmedRaw != "" && trimmedRaw != trimmedText {
		segments = append(segments, oneBotMessageSegment{
			Type: "raw_message",
			Raw:  trimmedRaw,
		})
	}

	return parseMessageResult{
		Text:           trimmedText,
		IsBotMentioned: mentioned,
		HasUnknown:     hasUnknown,
		Segments:       segments,
	}
}

func parseOneBotCQParams(params string) map[string]string {
	result := make(map[string]string)
	if params == "" {
		return result
	}

	items := strings.Split(params, ",")
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(unescapeCQParam(parts[1]))
		if key == "" {
			continue
		}
		result[key] = value
	}
	return result
}

var (
	cqTextUnescaper  = strings.NewReplacer("&#91;", "[", "&#93;", "]", "&amp;", "&")
	cqParamUnescaper = strings.NewReplacer("&#91;", "[", "&#93;", "]", "&#44;", ",", "&amp;", "&")
)

func unescapeCQText(s string) string {
	return cqTextUnescaper.Replace(s)
}

func unescapeCQParam(s string) string {
	return cqParamUnescaper.Replace(s)
}

func appendUniqueString(items []string, value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return items
	}
	for _, item := range items {
		if item == value {
			return items
		}
	}
	return append(items, value)
}
