package character

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrNotFound     = errors.New("character not found")
	ErrAssetMissing = errors.New("character asset not found")
)

// AssetKind names a per-character file served to clients.
type AssetKind string

const (
	AssetMedia         AssetKind = "media"
	AssetIdle          AssetKind = "idle"
	AssetGreetingAudio AssetKind = "greeting_audio"
	AssetGreetingVideo AssetKind = "greeting_video"
	AssetPlaceholder   AssetKind = "placeholder"
)

// Character is one registry entry. Only the file fields are interpreted
// here; everything else is passed through to clients as-is.
type Character struct {
	ID            string `json:"-"`
	Name          string `json:"name,omitempty"`
	MediaFile     string `json:"media_file"`
	IdleMedia     string `json:"idle_media,omitempty"`
	GreetingAudio string `json:"greeting_audio,omitempty"`
	GreetingVideo string `json:"greeting_video,omitempty"`
}

// Registry is the immutable set of characters loaded at startup.
type Registry struct {
	dir   string
	byID  map[string]Character
	raw   map[string]json.RawMessage
	order []string
}

// Load reads file (relative to dir unless absolute). A missing registry
// file yields an empty registry.
func Load(dir, file string) (*Registry, error) {
	if strings.TrimSpace(file) == "" {
		file = "characters.json"
	}
	path := file
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, file)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return newRegistry(dir, nil, nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read character registry: %w", err)
	}
	return Parse(dir, data)
}

// Parse builds a registry from the JSON mapping of id to character object.
func Parse(dir string, data []byte) (*Registry, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode character registry: %w", err)
	}
	byID := make(map[string]Character, len(raw))
	for id, msg := range raw {
		var c Character
		if err := json.Unmarshal(msg, &c); err != nil {
			return nil, fmt.Errorf("decode character %q: %w", id, err)
		}
		if strings.TrimSpace(c.MediaFile) == "" {
			return nil, fmt.Errorf("character %q: media_file is required", id)
		}
		c.ID = id
		byID[id] = c
	}
	return newRegistry(dir, byID, raw), nil
}

func newRegistry(dir string, byID map[string]Character, raw map[string]json.RawMessage) *Registry {
	if byID == nil {
		byID = map[string]Character{}
	}
	if raw == nil {
		raw = map[string]json.RawMessage{}
	}
	order := make([]string, 0, len(byID))
	for id := range byID {
		order = append(order, id)
	}
	sort.Strings(order)
	return &Registry{dir: dir, byID: byID, raw: raw, order: order}
}

func (r *Registry) Dir() string { return r.dir }

func (r *Registry) Len() int { return len(r.byID) }

// IDs returns the known identifiers in sorted order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Get(id string) (Character, error) {
	c, ok := r.byID[id]
	if !ok {
		return Character{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return c, nil
}

// Raw returns the registry objects exactly as configured.
func (r *Registry) Raw() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(r.raw))
	for k, v := range r.raw {
		out[k] = v
	}
	return out
}

// AssetPath resolves a character file to a path on disk that exists and
// stays inside the characters directory.
func (r *Registry) AssetPath(id string, kind AssetKind) (string, error) {
	c, err := r.Get(id)
	if err != nil {
		return "", err
	}

	var rel string
	switch kind {
	case AssetMedia:
		rel = c.MediaFile
	case AssetIdle:
		rel = c.IdleMedia
	case AssetGreetingAudio:
		rel = c.GreetingAudio
	case AssetGreetingVideo:
		rel = c.GreetingVideo
	case AssetPlaceholder:
		rel = "lipsync_" + id + ".mp4"
	default:
		return "", fmt.Errorf("unknown asset kind %q", kind)
	}
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return "", fmt.Errorf("%w: %s has no %s", ErrAssetMissing, id, kind)
	}
	if !filepath.IsLocal(filepath.FromSlash(rel)) {
		return "", fmt.Errorf("%w: %s path %q escapes the characters directory", ErrAssetMissing, kind, rel)
	}

	path := filepath.Join(r.dir, filepath.FromSlash(rel))
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrAssetMissing, rel)
	}
	return path, nil
}
