package graph

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// document is the on-disk form of a graph: the same format is consumed as a
// template and handed to the external executor once resolved.
type document struct {
	Globals map[string]Param `yaml:"globals,omitempty"`
	Nodes   []nodeDoc        `yaml:"nodes"`
}

type nodeDoc struct {
	ID      string              `yaml:"id"`
	Type    string              `yaml:"type"`
	Params  map[string]Param    `yaml:"params,omitempty"`
	Inputs  map[string][]string `yaml:"inputs,omitempty"`
	Outputs []string            `yaml:"outputs,omitempty"`
	PerJob  []string            `yaml:"per_job,omitempty"`
}

// Decode parses and validates a graph document.
func Decode(r io.Reader) (*Graph, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse graph document: %w", err)
	}

	nodes := make([]Node, 0, len(doc.Nodes))
	for _, nd := range doc.Nodes {
		n := Node{
			ID:      nd.ID,
			Type:    nd.Type,
			Params:  nd.Params,
			Outputs: nd.Outputs,
			PerJob:  nd.PerJob,
		}
		if len(nd.Inputs) > 0 {
			n.Inputs = make(map[string][]PortRef, len(nd.Inputs))
			for port, refs := range nd.Inputs {
				for _, ref := range refs {
					pr, err := parsePortRef(ref)
					if err != nil {
						return nil, &ValidationError{Node: nd.ID, Port: port, Reason: err.Error()}
					}
					n.Inputs[port] = append(n.Inputs[port], pr)
				}
			}
		}
		nodes = append(nodes, n)
	}
	return New(nodes, doc.Globals)
}

// parsePortRef splits a "node.port" reference.
func parsePortRef(s string) (PortRef, error) {
	i := strings.LastIndex(s, ".")
	if i <= 0 || i == len(s)-1 {
		return PortRef{}, fmt.Errorf("input reference %q is not of the form node.port", s)
	}
	return PortRef{Node: s[:i], Port: s[i+1:]}, nil
}

// Encode writes the graph as a YAML document, nodes in topological order.
func (g *Graph) Encode(w io.Writer) error {
	doc := document{
		Globals: make(map[string]Param, len(g.globals)),
		Nodes:   make([]nodeDoc, 0, len(g.order)),
	}
	for name, p := range g.globals {
		doc.Globals[name] = p
	}
	for _, id := range g.order {
		n := g.nodes[id]
		nd := nodeDoc{
			ID:      n.ID,
			Type:    n.Type,
			Params:  n.Params,
			Outputs: n.Outputs,
			PerJob:  n.PerJob,
		}
		if len(n.Inputs) > 0 {
			nd.Inputs = make(map[string][]string, len(n.Inputs))
			for port, refs := range n.Inputs {
				for _, ref := range refs {
					nd.Inputs[port] = append(nd.Inputs[port], ref.String())
				}
			}
		}
		doc.Nodes = append(doc.Nodes, nd)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("encode graph document: %w", err)
	}
	return enc.Close()
}

// WriteFile writes the graph document to path, creating or truncating it.
func (g *Graph) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write graph document: %w", err)
	}
	if err := g.Encode(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
