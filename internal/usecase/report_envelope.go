package usecase

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"beacon/internal/domain"
)

const eventTypeFinder = "zl_finder"

// ParseFind extracts the reported sighting from a decoded payload. Two
// envelopes are recognised:
//
//	{"d":{"brainrot_data":{...},"game_context":{...}}}
//	{"action":"log_event","event_data":{"type":"zl_finder","data":{...},"server_id":...,"players":...}}
func ParseFind(payload domain.DecodedPayload) (domain.Find, error) {
	root, ok := payload.Tree.(map[string]any)
	if !ok {
		return domain.Find{}, fmt.Errorf("%w: payload is not an object", domain.ErrInvalidStructure)
	}
	if d, ok := root["d"].(map[string]any); ok {
		return parseReportEnvelope(d)
	}
	if action, _ := root["action"].(string); action == "log_event" {
		return parseEventEnvelope(root)
	}
	return domain.Find{}, fmt.Errorf("%w: unrecognised envelope", domain.ErrInvalidStructure)
}

func parseReportEnvelope(d map[string]any) (domain.Find, error) {
	data, ok := d["brainrot_data"].(map[string]any)
	if !ok {
		return domain.Find{}, fmt.Errorf("%w: missing brainrot_data", domain.ErrInvalidStructure)
	}
	find, err := findFromData(data)
	if err != nil {
		return domain.Find{}, err
	}
	if gameContext, ok := d["game_context"].(map[string]any); ok {
		find.Context = gameContext
	}
	return find, nil
}

func parseEventEnvelope(root map[string]any) (domain.Find, error) {
	event, ok := root["event_data"].(map[string]any)
	if !ok {
		return domain.Find{}, fmt.Errorf("%w: missing event_data", domain.ErrInvalidStructure)
	}
	if kind, _ := event["type"].(string); kind != eventTypeFinder {
		return domain.Find{}, fmt.Errorf("%w: unsupported event type %q", domain.ErrInvalidStructure, kind)
	}
	data, ok := event["data"].(map[string]any)
	if !ok {
		return domain.Find{}, fmt.Errorf("%w: missing event data", domain.ErrInvalidStructure)
	}
	find, err := findFromData(data)
	if err != nil {
		return domain.Find{}, err
	}
	if serverID := stringField(event, "server_id"); serverID != "" {
		find.ServerID = serverID
	}
	if players, ok := numberField(event, "players"); ok {
		find.Players = int(players)
	}
	return find, nil
}

func findFromData(data map[string]any) (domain.Find, error) {
	find := domain.Find{
		Title:      stringField(data, "title"),
		Name:       stringField(data, "animal"),
		Rarity:     stringField(data, "rarity"),
		Generation: stringField(data, "generation"),
		ServerID:   stringField(data, "server_id"),
		Location:   stringField(data, "plot"),
		ImageURL:   stringField(data, "image_url"),
		JoinLink:   stringField(data, "join_link"),
	}
	if find.Name == "" {
		return domain.Find{}, fmt.Errorf("%w: missing animal", domain.ErrInvalidStructure)
	}
	value, ok := numberField(data, "value")
	if !ok {
		return domain.Find{}, fmt.Errorf("%w: missing or invalid value", domain.ErrInvalidStructure)
	}
	find.Value = value
	if players, ok := numberField(data, "players"); ok {
		find.Players = int(players)
	}
	return find, nil
}

// stringField renders scalars as text; agents send server ids and
// generations as either strings or numbers.
func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

func numberField(m map[string]any, key string) (float64, bool) {
	var (
		f   float64
		err error
	)
	switch v := m[key].(type) {
	case json.Number:
		f, err = v.Float64()
	case float64:
		f = v
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(v), 64)
	default:
		return 0, false
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
