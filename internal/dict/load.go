package dict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// ErrMalformed is returned when a dictionary file cannot be parsed as a whole.
var ErrMalformed = errors.New("malformed dictionary file")

// UserDictionarySource is implemented by engines that keep their own user
// dictionary (surface → pronunciation).
type UserDictionarySource interface {
	UserDictionary(ctx context.Context) (map[string]string, error)
}

// LoadFile reads a dictionary file. The format is chosen by extension:
// .yml/.yaml hold a surface → reading map or a list of entries, .json holds
// either a plain map or an engine user-dictionary export.
func LoadFile(path string) ([]Entry, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".json":
		return ParseJSON(data)
	default:
		return ParseYAML(data)
	}
}

// ParseYAML parses a YAML surface → reading map or a list of
// {surface, reading} entries.
func ParseYAML(data []byte) ([]Entry, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return nil, nil
	}

	root := doc.Content[0]
	switch root.Kind {
	case yaml.MappingNode:
		var entries []Entry
		for i := 0; i+1 < len(root.Content); i += 2 {
			k, v := root.Content[i], root.Content[i+1]
			if k.Kind != yaml.ScalarNode || v.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("%w: line %d: expected surface: reading", ErrMalformed, k.Line)
			}
			entries = append(entries, Entry{Surface: k.Value, Reading: v.Value})
		}
		return entries, nil
	case yaml.SequenceNode:
		var entries []Entry
		if err := root.Decode(&entries); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return entries, nil
	default:
		return nil, fmt.Errorf("%w: expected a map or a list", ErrMalformed)
	}
}

// engineWord is one word of an engine user-dictionary export.
type engineWord struct {
	Surface       string `json:"surface"`
	Pronunciation string `json:"pronunciation"`
}

// ParseJSON parses a JSON surface → reading map, or an engine user-dictionary
// export keyed by word ID ({id: {surface, pronunciation, ...}}).
func ParseJSON(data []byte) ([]Entry, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]Entry, 0, len(raw))
	for _, k := range keys {
		v := raw[k]
		var reading string
		if err := json.Unmarshal(v, &reading); err == nil {
			entries = append(entries, Entry{Surface: k, Reading: reading})
			continue
		}
		var w engineWord
		if err := json.Unmarshal(v, &w); err != nil {
			return nil, fmt.Errorf("%w: key %q: %v", ErrMalformed, k, err)
		}
		entries = append(entries, Entry{Surface: w.Surface, Reading: w.Pronunciation})
	}
	return entries, nil
}

// AddFile loads path into tier. An empty path is ignored and a missing file
// is logged and skipped; a file that cannot be parsed is an error.
func (b *Builder) AddFile(tier Tier, path string) error {
	if path == "" {
		return nil
	}
	entries, err := LoadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		b.logger.Warn("Dictionary file not found, skipping", "tier", tier, "path", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s dictionary %s: %w", tier, path, err)
	}
	b.logger.Debug("Loaded dictionary file", "tier", tier, "path", path, "entries", len(entries))
	b.Add(tier, entries...)
	return nil
}

// AddSource pulls the engine-local user dictionary into TierEngineUser.
func (b *Builder) AddSource(ctx context.Context, src UserDictionarySource) error {
	words, err := src.UserDictionary(ctx)
	if err != nil {
		return fmt.Errorf("fetch engine user dictionary: %w", err)
	}
	b.AddMap(TierEngineUser, words)
	return nil
}
