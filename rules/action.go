// Package rules implements the match/action pipeline applied to queries and
// responses.
package rules

import "strings"

// Action is the outcome a rule action hands back to the engine.
type Action uint8

// Query action outcomes. Response pipelines only use the reduced subset
// None, Allow, Delay, Drop, HeaderModify and ServFail.
const (
	ActionNone Action = iota
	ActionDrop
	ActionNxdomain
	ActionRefused
	ActionSpoof
	ActionSpoofRaw
	ActionAllow
	ActionHeaderModify
	ActionPool
	ActionDelay
	ActionTruncate
	ActionServFail
	ActionNoRecurse
	ActionNoOp
)

var actionNames = map[Action]string{
	ActionNone:         "None",
	ActionDrop:         "Drop",
	ActionNxdomain:     "Nxdomain",
	ActionRefused:      "Refused",
	ActionSpoof:        "Spoof",
	ActionSpoofRaw:     "SpoofRaw",
	ActionAllow:        "Allow",
	ActionHeaderModify: "HeaderModify",
	ActionPool:         "Pool",
	ActionDelay:        "Delay",
	ActionTruncate:     "Truncate",
	ActionServFail:     "ServFail",
	ActionNoRecurse:    "NoRecurse",
	ActionNoOp:         "NoOp",
}

func (a Action) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}

	return "Unknown"
}

// ParseAction maps a config string to an action outcome.
func ParseAction(s string) (Action, bool) {
	for a, name := range actionNames {
		if strings.EqualFold(name, s) {
			return a, true
		}
	}

	return ActionNone, false
}
