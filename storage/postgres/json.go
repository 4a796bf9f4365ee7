package postgres

import (
	"encoding/json"

	"github.com/commitlens/commitlens/storage"
)

// componentsToJSON converts component scores to a JSON string for storage.
func componentsToJSON(components storage.ComponentScores) string {
	b, _ := json.Marshal(components)
	return string(b)
}

// componentsFromJSON parses a JSON string into component scores.
func componentsFromJSON(s string) storage.ComponentScores {
	var components storage.ComponentScores
	if s == "" || s == "null" {
		return components
	}
	_ = json.Unmarshal([]byte(s), &components)
	return components
}

// suggestionsToJSON converts suggestions to a JSON string for storage.
func suggestionsToJSON(suggestions []string) string {
	if len(suggestions) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(suggestions)
	return string(b)
}

// suggestionsFromJSON parses a JSON string into suggestions.
func suggestionsFromJSON(s string) []string {
	if s == "" || s == "null" {
		return nil
	}
	var suggestions []string
	if err := json.Unmarshal([]byte(s), &suggestions); err != nil {
		return nil
	}
	return suggestions
}
