package path

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"transport-simulator/internal/world"
)

var ErrUnknownPath = errors.New("unknown path id")

// Source loads templates, path nodes and region definitions from persistent
// storage.
type Source interface {
	Regions(ctx context.Context) ([]world.RegionInfo, error)
	Templates(ctx context.Context) ([]Template, error)
	LoadPath(ctx context.Context, pathID uint32) ([]Node, error)
}

type fileData struct {
	Regions    []world.RegionInfo `yaml:"regions"`
	Transports []Template         `yaml:"transports"`
	Paths      map[uint32][]Node  `yaml:"paths"`
}

// FileSource serves paths from a YAML document.
type FileSource struct {
	data fileData
}

var _ Source = (*FileSource)(nil)

func LoadFile(name string) (*FileSource, error) {
	b, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read paths file: %w", err)
	}
	return ParseFile(b)
}

func ParseFile(b []byte) (*FileSource, error) {
	var d fileData
	if err := yaml.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("parse paths file: %w", err)
	}
	for id, nodes := range d.Paths {
		for i := range nodes {
			nodes[i].Index = i
		}
		d.Paths[id] = nodes
	}
	return &FileSource{data: d}, nil
}

func (s *FileSource) Regions(context.Context) ([]world.RegionInfo, error) {
	return s.data.Regions, nil
}

func (s *FileSource) Templates(context.Context) ([]Template, error) {
	out := make([]Template, len(s.data.Transports))
	copy(out, s.data.Transports)
	sort.Slice(out, func(i, j int) bool { return out[i].Entry < out[j].Entry })
	return out, nil
}

func (s *FileSource) LoadPath(_ context.Context, pathID uint32) ([]Node, error) {
	nodes, ok := s.data.Paths[pathID]
	if !ok {
		return nil, fmt.Errorf("path %d: %w", pathID, ErrUnknownPath)
	}
	out := make([]Node, len(nodes))
	copy(out, nodes)
	return out, nil
}
