// Package viz draws the change graph of an automerge document.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// LabelFunc summarises the document as it was right after one change.
type LabelFunc func(docAt *automerge.Doc) string

// Render writes the change DAG of doc to w in the given format. Each node is
// labelled with the change hash, the author and the output of label.
func Render(w io.Writer, doc *automerge.Doc, format graphviz.Format, label LabelFunc) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}

	nodes := make(map[string]*cgraph.Node, len(changes))
	edges := 0
	for _, change := range changes {
		hash := change.Hash().String()
		n, err := graph.CreateNode(hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		text := fmt.Sprintf("%s %s@%d %s", hash[:8], shortActor(change.ActorID()), change.ActorSeq(), change.Message())
		if label != nil {
			docAt, err := doc.Fork(change.Hash())
			if err != nil {
				return fmt.Errorf("failed to checkout %s: %w", hash, err)
			}
			text += "\n" + label(docAt)
		}
		n.SetLabel(text)
		nodes[hash] = n

		for _, dep := range change.Dependencies() {
			parent, ok := nodes[dep.String()]
			if !ok {
				continue
			}
			edges++
			if _, err := graph.CreateEdge(strconv.Itoa(edges), parent, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, format, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	if _, err := w.Write(buff.Bytes()); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

// RenderToTemp renders an svg into the temp directory and returns its path.
func RenderToTemp(doc *automerge.Doc, label LabelFunc) (string, error) {
	f, err := os.CreateTemp("", "changes-*.svg")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer f.Close()
	if err := Render(f, doc, graphviz.SVG, label); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return filepath.Clean(f.Name()), nil
}

func shortActor(actor string) string {
	if len(actor) > 8 {
		return actor[:8]
	}
	return actor
}
