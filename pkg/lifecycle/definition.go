package lifecycle

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/beam-cloud/orchfs/pkg/types"
)

// versionKey is the reserved top-level key of a definition. The other
// top-level key is the resource name.
const versionKey = "version"

const actionMarker = "base-input"

var errNoName = errors.New("definition declares no name")

func parseDefinition(content []byte) (*yaml.Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, err
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, errors.New("definition must be a mapping")
	}
	return &doc, nil
}

// nameNode returns the key and value nodes of the declared name.
func nameNode(doc *yaml.Node) (*yaml.Node, *yaml.Node, error) {
	m := doc.Content[0]
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value != versionKey {
			return m.Content[i], m.Content[i+1], nil
		}
	}
	return nil, nil, errNoName
}

// DeclaredName returns the first top-level key other than version.
func DeclaredName(content []byte) (string, error) {
	doc, err := parseDefinition(content)
	if err != nil {
		return "", err
	}
	key, _, err := nameNode(doc)
	if err != nil {
		return "", err
	}
	return key.Value, nil
}

// RenameDefinition rewrites the declared name from oldName to newName. Only
// the top-level key changes; nested occurrences of the old name are kept.
func RenameDefinition(content []byte, oldName, newName string) ([]byte, error) {
	doc, err := parseDefinition(content)
	if err != nil {
		return nil, err
	}

	m := doc.Content[0]
	var key *yaml.Node
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == oldName && oldName != versionKey {
			key = m.Content[i]
			break
		}
	}
	if key == nil {
		if key, _, err = nameNode(doc); err != nil {
			return nil, err
		}
	}
	key.Value = newName

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Classification is the result of ClassifyDefinition.
type Classification struct {
	Kind types.ResourceKind
	Name string
	// Heuristic is set when the definition carried no marker of either kind
	// and Kind is the workflow fallback.
	Heuristic bool
}

// ClassifyDefinition tells workflows and actions apart by shape: an action
// body carries base-input, a workflow body carries tasks. Anything else is
// reported as a workflow with Heuristic set.
func ClassifyDefinition(content []byte) (Classification, error) {
	doc, err := parseDefinition(content)
	if err != nil {
		return Classification{}, err
	}
	key, body, err := nameNode(doc)
	if err != nil {
		return Classification{}, err
	}

	c := Classification{Kind: types.KindWorkflow, Name: key.Value, Heuristic: true}
	if body.Kind != yaml.MappingNode {
		return c, nil
	}
	for i := 0; i+1 < len(body.Content); i += 2 {
		switch body.Content[i].Value {
		case actionMarker:
			return Classification{Kind: types.KindAction, Name: key.Value}, nil
		case "tasks":
			c.Heuristic = false
		}
	}
	return c, nil
}

// DefaultWorkflow is the definition of a new empty workflow.
func DefaultWorkflow(name string) []byte {
	return []byte(fmt.Sprintf(`version: '2.0'
%s:
  description: %s
  type: direct
  input: []
  output: {}
  tasks:
    start:
      action: std.noop
`, scalar(name), scalar(name)))
}

// DefaultAction is the definition of a new empty action.
func DefaultAction(name string) []byte {
	return []byte(fmt.Sprintf(`version: '2.0'
%s:
  description: %s
  base: std.echo
  base-input:
    output: <%% $.message %%>
  input:
    - message
  output: <%% $ %%>
`, scalar(name), scalar(name)))
}

// scalar renders s as a single-line YAML scalar that reads back as s. Plain
// names stay unquoted.
func scalar(s string) string {
	out, err := yaml.Marshal(s)
	if err != nil || bytes.Count(out, []byte("\n")) > 1 {
		return strconv.Quote(s)
	}
	return strings.TrimSuffix(string(out), "\n")
}
