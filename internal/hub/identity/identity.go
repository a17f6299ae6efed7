// Package identity generates and sanitizes the human-facing bits of
// sessions and participants: display names, session names, avatar colors.
package identity

import (
	"math/rand/v2"
	"strings"
)

// Length caps applied after trimming.
const (
	MaxDisplayNameLen = 100
	MaxSessionNameLen = 255
)

// AvatarColors is the default palette participants draw from when they
// do not pick a color themselves.
var AvatarColors = []string{
	"#FF5733", "#33FF57", "#3357FF", "#FF33F5", "#F5FF33",
	"#33FFF5", "#F533FF", "#FF8C33", "#8CFF33", "#338CFF",
}

var sessionAdjectives = []string{
	"Amazing", "Brilliant", "Curious", "Dynamic", "Energetic",
	"Fantastic", "Glorious", "Happy", "Incredible", "Joyful",
	"Kinetic", "Luminous", "Magnificent", "Noble", "Outstanding",
	"Powerful", "Quick", "Radiant", "Spectacular", "Tremendous",
	"Unique", "Vibrant", "Wonderful", "Exciting", "Yearning", "Zealous",
}

var sessionNouns = []string{
	"Adventure", "Journey", "Quest", "Expedition", "Voyage",
	"Trip", "Excursion", "Tour", "Outing", "Exploration",
	"Discovery", "Mission", "Campaign", "Venture", "Safari",
	"Trek", "Hike", "Walk", "Ride", "Drive", "Flight", "Cruise",
	"Gathering", "Meetup", "Session", "Event",
}

// RandomAvatarColor picks a color from the default palette.
func RandomAvatarColor() string {
	return AvatarColors[rand.IntN(len(AvatarColors))]
}

// RandomSessionName builds a two-word name for sessions created without one.
func RandomSessionName() string {
	adjective := sessionAdjectives[rand.IntN(len(sessionAdjectives))]
	noun := sessionNouns[rand.IntN(len(sessionNouns))]
	return adjective + " " + noun
}

// ValidHexColor reports whether s is a #RRGGBB color.
func ValidHexColor(s string) bool {
	if len(s) != 7 || s[0] != '#' {
		return false
	}
	for _, c := range s[1:] {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// SanitizeDisplayName trims whitespace and caps the length.
func SanitizeDisplayName(name string) string {
	return truncateRunes(strings.TrimSpace(name), MaxDisplayNameLen)
}

// SanitizeSessionName trims whitespace and caps the length.
func SanitizeSessionName(name string) string {
	return truncateRunes(strings.TrimSpace(name), MaxSessionNameLen)
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
