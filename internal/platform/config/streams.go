package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

var (
	// ErrDuplicateStreamName is returned when two entries in the streams file
	// normalize to the same name.
	ErrDuplicateStreamName = errors.New("duplicate stream name")

	// ErrInvalidStreamName is returned for empty names or names that cannot
	// be used as a URL path segment.
	ErrInvalidStreamName = errors.New("invalid stream name")
)

// StreamConfig describes one managed stream as listed in the streams file.
type StreamConfig struct {
	Name         string `yaml:"name"`
	FriendlyName string `yaml:"friendly_name"`
	// SourceURL overrides the default <source base>/<name> source.
	SourceURL string `yaml:"source_url"`
	// ShowViewers defaults to true when omitted.
	ShowViewers    *bool  `yaml:"show_viewers"`
	StatusTemplate string `yaml:"status_template"`
}

type streamsFile struct {
	Streams []StreamConfig `yaml:"streams"`
}

// Source returns the URL the relay should pull this stream from.
func (s StreamConfig) Source(base string) string {
	if s.SourceURL != "" {
		return s.SourceURL
	}
	return strings.TrimRight(base, "/") + "/" + s.Name
}

// ViewersShown reports the configured show_viewers value, defaulting to true.
func (s StreamConfig) ViewersShown() bool {
	return s.ShowViewers == nil || *s.ShowViewers
}

// Title returns the friendly name, or the stream name when none is set.
func (s StreamConfig) Title() string {
	if s.FriendlyName != "" {
		return s.FriendlyName
	}
	return s.Name
}

// NormalizeName trims and lower-cases a stream name.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// LoadStreams reads and validates the streams file at path.
func LoadStreams(path string) ([]StreamConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read streams file: %w", err)
	}
	return ParseStreams(data)
}

// ParseStreams decodes a streams document. Names are normalized and must be
// unique after normalization.
func ParseStreams(data []byte) ([]StreamConfig, error) {
	var f streamsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse streams file: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Streams))
	out := make([]StreamConfig, 0, len(f.Streams))
	for i, s := range f.Streams {
		s.Name = NormalizeName(s.Name)
		if s.Name == "" || strings.ContainsAny(s.Name, "/?# \t") {
			return nil, fmt.Errorf("stream %d %q: %w", i, s.Name, ErrInvalidStreamName)
		}
		if _, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("stream %q: %w", s.Name, ErrDuplicateStreamName)
		}
		seen[s.Name] = struct{}{}
		s.FriendlyName = strings.TrimSpace(s.FriendlyName)
		out = append(out, s)
	}
	return out, nil
}
