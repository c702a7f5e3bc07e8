package liveserver

import (
	"fmt"
	"strings"
)

// Message is one frame pushed to dashboards
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

const (
	TypeTradeLog   = "trade_log"   // one position state transition
	TypePositions  = "positions"   // full active-position snapshot
	TypeRiskStatus = "risk_status" // exposure and circuit breaker
)

var knownTypes = map[string]bool{
	TypeTradeLog:   true,
	TypePositions:  true,
	TypeRiskStatus: true,
}

// retained types are replayed to clients when they connect
var retained = map[string]bool{
	TypePositions:  true,
	TypeRiskStatus: true,
}

func NewMessage(msgType string, data interface{}) Message {
	return Message{Type: msgType, Data: data}
}

// parseTopics reads a comma separated subscription. Empty means all types.
func parseTopics(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if !knownTypes[t] {
			return nil, fmt.Errorf("unknown message type %q", t)
		}
		topics = append(topics, t)
	}
	return topics, nil
}
