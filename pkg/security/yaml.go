package security

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// YAMLLimits bounds the size and shape of YAML documents accepted from disk.
type YAMLLimits struct {
	MaxFileSize  int64 // bytes
	MaxDepth     int
	MaxNodes     int
	MaxKeyLength int
	MaxValueSize int64 // bytes per scalar
}

// DefaultYAMLLimits returns limits suited to scenario and server config files.
func DefaultYAMLLimits() YAMLLimits {
	return YAMLLimits{
		MaxFileSize:  2 * 1024 * 1024,
		MaxDepth:     16,
		MaxNodes:     20000,
		MaxKeyLength: 256,
		MaxValueSize: 64 * 1024,
	}
}

// SafeYAMLParser decodes YAML after checking it against YAMLLimits. Unknown
// struct fields are rejected so typos in config files fail at load time.
type SafeYAMLParser struct {
	limits YAMLLimits
}

// NewSafeYAMLParser creates a parser with the given limits.
func NewSafeYAMLParser(limits YAMLLimits) *SafeYAMLParser {
	return &SafeYAMLParser{limits: limits}
}

// Unmarshal validates data and decodes it into v.
func (p *SafeYAMLParser) Unmarshal(data []byte, v any) error {
	if int64(len(data)) > p.limits.MaxFileSize {
		return fmt.Errorf("yaml: %d bytes exceeds limit of %d", len(data), p.limits.MaxFileSize)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("yaml: %w", err)
	}
	walker := &nodeWalker{limits: p.limits}
	if err := walker.walk(&root, 0); err != nil {
		return err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("yaml: %w", err)
	}
	return nil
}

// UnmarshalReader reads at most MaxFileSize+1 bytes from r and decodes them.
func (p *SafeYAMLParser) UnmarshalReader(r io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(r, p.limits.MaxFileSize+1))
	if err != nil {
		return fmt.Errorf("yaml: read: %w", err)
	}
	return p.Unmarshal(data, v)
}

type nodeWalker struct {
	limits YAMLLimits
	nodes  int
}

func (w *nodeWalker) walk(n *yaml.Node, depth int) error {
	if depth > w.limits.MaxDepth {
		return fmt.Errorf("yaml: nesting depth exceeds %d", w.limits.MaxDepth)
	}
	w.nodes++
	if w.nodes > w.limits.MaxNodes {
		return fmt.Errorf("yaml: more than %d nodes", w.limits.MaxNodes)
	}

	switch n.Kind {
	case yaml.DocumentNode:
		for _, c := range n.Content {
			if err := w.walk(c, depth); err != nil {
				return err
			}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			if k := n.Content[i]; len(k.Value) > w.limits.MaxKeyLength {
				return fmt.Errorf("yaml: key at line %d longer than %d bytes", k.Line, w.limits.MaxKeyLength)
			}
			if err := w.walk(n.Content[i+1], depth+1); err != nil {
				return err
			}
		}
	case yaml.SequenceNode:
		for _, c := range n.Content {
			if err := w.walk(c, depth+1); err != nil {
				return err
			}
		}
	case yaml.ScalarNode:
		if int64(len(n.Value)) > w.limits.MaxValueSize {
			return fmt.Errorf("yaml: value at line %d larger than %d bytes", n.Line, w.limits.MaxValueSize)
		}
	case yaml.AliasNode:
		// Aliases are expanded by the decoder; refuse them outright rather
		// than count expansion cost.
		return fmt.Errorf("yaml: aliases are not supported (line %d)", n.Line)
	}
	return nil
}
