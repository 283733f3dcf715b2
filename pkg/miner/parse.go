package miner

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sipeed/picoquote/pkg/utils"
)

var ErrNoSelection = errors.New("model reply has no JSON array")

// Selection is one line the model chose.
type Selection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

type wireSelection struct {
	Index  json.Number `json:"index"`
	Reason string      `json:"reason"`
}

// ParseSelections extracts the JSON array from a model reply. Code fences and
// prose around the array are ignored; indexes may be numbers or numeric
// strings, and a bare array of numbers is accepted too.
func ParseSelections(reply string) ([]Selection, error) {
	body := extractArray(reply)
	if body == "" {
		return nil, ErrNoSelection
	}

	var wire []wireSelection
	if err := json.Unmarshal([]byte(body), &wire); err == nil {
		out := make([]Selection, 0, len(wire))
		for _, w := range wire {
			n, err := strconv.Atoi(strings.TrimSpace(w.Index.String()))
			if err != nil {
				continue
			}
			out = append(out, Selection{Index: n, Reason: w.Reason})
		}
		return out, nil
	}

	var bare []int
	if err := json.Unmarshal([]byte(body), &bare); err == nil {
		out := make([]Selection, 0, len(bare))
		for _, n := range bare {
			out = append(out, Selection{Index: n})
		}
		return out, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrNoSelection, utils.Truncate(body, 120))
}

func extractArray(reply string) string {
	reply = strings.TrimSpace(reply)
	if i := strings.Index(reply, "```"); i >= 0 {
		rest := reply[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		reply = strings.TrimSpace(rest)
	}

	start := strings.IndexByte(reply, '[')
	end := strings.LastIndexByte(reply, ']')
	if start < 0 || end <= start {
		return ""
	}
	return reply[start : end+1]
}
