// Package topology describes which worker node serves which model layers.
package topology

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Local is the identity reported for layers no node claims.
const Local = "local"

// Node is one worker declared in the topology file.
type Node struct {
	Name        string   `yaml:"-"`
	Host        string   `yaml:"host"`
	Description string   `yaml:"description,omitempty"`
	Tags        []string `yaml:"tags,omitempty"`
	Layers      []string `yaml:"layers"`
}

// Topology maps layer names to nodes. Node order follows the file.
type Topology struct {
	nodes   []*Node
	byName  map[string]*Node
	byLayer map[string]*Node
}

var (
	// ErrDuplicateLayer is returned when two nodes claim the same layer.
	ErrDuplicateLayer = errors.New("topology: layer claimed twice")
	// ErrMissingHost is returned for a node without a host address.
	ErrMissingHost = errors.New("topology: node has no host")
)

var rangeSuffix = regexp.MustCompile(`^(\d+)-(\d+)$`)

// Empty returns a topology with no nodes; every layer runs locally.
func Empty() *Topology {
	return &Topology{byName: map[string]*Node{}, byLayer: map[string]*Node{}}
}

// Load reads and parses a topology file.
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology: %w", err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Parse decodes a topology document: a mapping from node name to node.
func Parse(data []byte) (*Topology, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	t := Empty()
	if len(doc.Content) == 0 {
		return t, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse topology: line %d: expected a mapping of node names", root.Line)
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i], root.Content[i+1]
		n := &Node{Name: key.Value}
		if err := val.Decode(n); err != nil {
			return nil, fmt.Errorf("node %s: %w", n.Name, err)
		}
		if strings.TrimSpace(n.Host) == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingHost, n.Name)
		}
		if _, dup := t.byName[n.Name]; dup {
			return nil, fmt.Errorf("topology: node %s declared twice", n.Name)
		}

		var layers []string
		for _, pattern := range n.Layers {
			expanded, err := expand(pattern)
			if err != nil {
				return nil, fmt.Errorf("node %s: %w", n.Name, err)
			}
			for _, layer := range expanded {
				if owner, taken := t.byLayer[layer]; taken {
					return nil, fmt.Errorf("%w: %s by %s and %s", ErrDuplicateLayer, layer, owner.Name, n.Name)
				}
				t.byLayer[layer] = n
				layers = append(layers, layer)
			}
		}
		n.Layers = layers
		t.nodes = append(t.nodes, n)
		t.byName[n.Name] = n
	}
	return t, nil
}

// expand turns "model.layers.0-3" into four layer names. Other patterns are
// returned as is.
func expand(pattern string) ([]string, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, errors.New("empty layer name")
	}
	dot := strings.LastIndexByte(pattern, '.')
	m := rangeSuffix.FindStringSubmatch(pattern[dot+1:])
	if m == nil {
		return []string{pattern}, nil
	}
	lo, _ := strconv.Atoi(m[1])
	hi, _ := strconv.Atoi(m[2])
	if lo > hi {
		return nil, fmt.Errorf("layer range %s is descending", pattern)
	}
	prefix := pattern[:dot+1]
	out := make([]string, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		out = append(out, prefix+strconv.Itoa(i))
	}
	return out, nil
}

// Resolve returns the node serving layer. A declared name matches the layer
// itself or any layer nested below it ("model.layers.3" serves
// "model.layers.3.mlp").
func (t *Topology) Resolve(layer string) (*Node, bool) {
	for name := layer; name != ""; {
		if n, ok := t.byLayer[name]; ok {
			return n, true
		}
		dot := strings.LastIndexByte(name, '.')
		if dot < 0 {
			break
		}
		name = name[:dot]
	}
	return nil, false
}

// Ident returns the serving node name for layer, or Local.
func (t *Topology) Ident(layer string) string {
	if n, ok := t.Resolve(layer); ok {
		return n.Name
	}
	return Local
}

// Node looks up a node by name.
func (t *Topology) Node(name string) (*Node, bool) {
	n, ok := t.byName[name]
	return n, ok
}

// Nodes returns the nodes in file order.
func (t *Topology) Nodes() []*Node {
	return append([]*Node(nil), t.nodes...)
}

// LayersFor returns the expanded layer names claimed by the named node.
func (t *Topology) LayersFor(name string) []string {
	n, ok := t.byName[name]
	if !ok {
		return nil
	}
	return append([]string(nil), n.Layers...)
}

// Assignment pairs a layer with the identity serving it.
type Assignment struct {
	Layer string
	Ident string
	Host  string
}

// Assign resolves every layer in order.
func (t *Topology) Assign(layers []string) []Assignment {
	out := make([]Assignment, len(layers))
	for i, layer := range layers {
		out[i] = Assignment{Layer: layer, Ident: Local}
		if n, ok := t.Resolve(layer); ok {
			out[i].Ident, out[i].Host = n.Name, n.Host
		}
	}
	return out
}
