// Package conf renders per-node database server configs from a template.
//
// Templates reference parameters as ${name} or $name, and $$ produces a literal $.
// Every reference must resolve, otherwise rendering fails with an *UnresolvedError. A $ that starts neither
// a name nor $$ fails with an *InvalidPlaceholderError.
package conf

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/guseggert/clusterfixture/cluster"
)

const noPeerConnection = "# no peer connection"

// Seed is the mesh seed a non-seed node joins through.
type Seed struct {
	Addr string
	Port int
}

func (s Seed) String() string {
	return fmt.Sprintf("%s %d", s.Addr, s.Port)
}

// Params are the values substituted into a config template.
type Params struct {
	// StateDir and UDFDir are paths as seen by the node.
	StateDir  string
	UDFDir    string
	Ports     cluster.Ports
	Namespace string
	// Seed is nil for the first node.
	Seed *Seed
}

// PeerConnection returns the mesh seed line of the config.
func (p Params) PeerConnection() string {
	if p.Seed == nil {
		return noPeerConnection
	}
	return "mesh-seed-address-port " + p.Seed.String()
}

func (p Params) values() map[string]string {
	return map[string]string{
		"state_directory": p.StateDir,
		"udf_directory":   p.UDFDir,
		"service_port":    strconv.Itoa(p.Ports.Service),
		"fabric_port":     strconv.Itoa(p.Ports.Fabric),
		"heartbeat_port":  strconv.Itoa(p.Ports.Heartbeat),
		"info_port":       strconv.Itoa(p.Ports.Info),
		"peer_connection": p.PeerConnection(),
		"namespace":       p.Namespace,
	}
}

// UnresolvedError is returned when a template references parameters that do not exist.
type UnresolvedError struct {
	Names []string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("unresolved template placeholders: %s", strings.Join(e.Names, ", "))
}

// Placeholder is a malformed placeholder found in a template.
type Placeholder struct {
	Line int
	Col  int
	Text string
}

func (p Placeholder) String() string {
	return fmt.Sprintf("%q at line %d, col %d", p.Text, p.Line, p.Col)
}

// InvalidPlaceholderError is returned when a template contains a $ that does not form a placeholder.
type InvalidPlaceholderError struct {
	Placeholders []Placeholder
}

func (e *InvalidPlaceholderError) Error() string {
	var ps []string
	for _, p := range e.Placeholders {
		ps = append(ps, p.String())
	}
	return fmt.Sprintf("invalid template placeholders: %s", strings.Join(ps, ", "))
}

func isNameStart(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

func isNameChar(c byte) bool {
	return isNameStart(c) || ('0' <= c && c <= '9')
}

func isName(s string) bool {
	if s == "" || !isNameStart(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isNameChar(s[i]) {
			return false
		}
	}
	return true
}

// invalidPlaceholders returns every $ in tmpl that is not $$, $name or ${name}.
func invalidPlaceholders(tmpl string) []Placeholder {
	var invalid []Placeholder
	line, lineStart := 1, 0
	for i := 0; i < len(tmpl); i++ {
		switch tmpl[i] {
		case '\n':
			line++
			lineStart = i + 1
			continue
		case '$':
		default:
			continue
		}

		bad := ""
		rest := tmpl[i+1:]
		switch {
		case rest == "":
			bad = "$"
		case rest[0] == '$':
			i++
		case rest[0] == '{':
			end := strings.IndexAny(rest, "}\n")
			if end < 0 || rest[end] != '}' {
				bad = "$" + strings.SplitN(rest, "\n", 2)[0]
			} else if !isName(rest[1:end]) {
				bad = "$" + rest[:end+1]
			}
		case !isNameStart(rest[0]):
			bad = "$" + rest[:1]
		}
		if bad != "" {
			invalid = append(invalid, Placeholder{Line: line, Col: i - lineStart + 1, Text: bad})
		}
	}
	return invalid
}

// Render substitutes p into tmpl.
func Render(tmpl string, p Params) (string, error) {
	if invalid := invalidPlaceholders(tmpl); len(invalid) > 0 {
		return "", &InvalidPlaceholderError{Placeholders: invalid}
	}

	values := p.values()
	unresolved := map[string]bool{}
	out := os.Expand(tmpl, func(name string) string {
		if name == "$" {
			return "$"
		}
		v, ok := values[name]
		if !ok {
			unresolved[name] = true
			return ""
		}
		return v
	})
	if len(unresolved) > 0 {
		var names []string
		for n := range unresolved {
			names = append(names, n)
		}
		sort.Strings(names)
		return "", &UnresolvedError{Names: names}
	}
	return out, nil
}

// LoadTemplate reads a config template from disk.
func LoadTemplate(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading config template: %w", err)
	}
	return string(b), nil
}

// TempPather hands out fresh file paths.
type TempPather interface {
	NextTempPath(ext string) string
}

// Generator renders configs and writes each one to a new temp file.
type Generator struct {
	Template string
	Paths    TempPather
}

// Generate renders the template with p and returns the path of the written config.
func (g *Generator) Generate(p Params) (string, error) {
	content, err := Render(g.Template, p)
	if err != nil {
		return "", err
	}
	path := g.Paths.NextTempPath("conf")
	err = os.WriteFile(path, []byte(content), 0644)
	if err != nil {
		return "", fmt.Errorf("writing config %q: %w", path, err)
	}
	return path, nil
}
