package domain

import (
	"fmt"
	"strings"
)

// Actions a caller may take on a dangerous result. The core only records them.
const (
	ActionKick  = "kick"
	ActionWarn  = "warn"
	ActionAllow = "allow"
	ActionNone  = "none"
)

func ParseAction(raw string) (string, error) {
	action := strings.ToLower(strings.TrimSpace(raw))
	switch action {
	case ActionKick, ActionWarn, ActionAllow, ActionNone:
		return action, nil
	case "":
		return ActionNone, nil
	}
	return "", fmt.Errorf("unknown action %q", raw)
}
