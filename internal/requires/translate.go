package requires

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type kind int

const (
	kString kind = iota
	kInt
	kDouble
	kList
)

type attribute struct {
	name string
	kind kind
}

// Leaf elements accepted inside <distroRequires>.
var distroLeaves = map[string]attribute{
	"distro_id":      {"distro.id", kInt},
	"distro_name":    {"distro.name", kString},
	"distro_family":  {"distro.family", kString},
	"distro_osminor": {"distro.osminor", kString},
	"distro_arch":    {"distro.arch", kString},
	"distro_variant": {"distro.variant", kString},
	"distro_tag":     {"distro.tags", kList},
}

// Leaf elements accepted directly inside <hostRequires>.
var hostLeaves = map[string]attribute{
	"hostname":      {"system.fqdn", kString},
	"system_type":   {"system.type", kString},
	"memory":        {"system.memory", kInt},
	"arch":          {"system.arch", kList},
	"labcontroller": {"system.lab_controller", kString},
	"hypervisor":    {"system.hypervisor", kString},
	"pool":          {"system.pools", kList},
	"group":         {"system.pools", kList},
}

// Children of the <system> and <cpu> containers.
var (
	systemLeaves = map[string]attribute{
		"name":           {"system.fqdn", kString},
		"type":           {"system.type", kString},
		"status":         {"system.status", kString},
		"vendor":         {"system.vendor", kString},
		"model":          {"system.model", kString},
		"owner":          {"system.owner", kString},
		"memory":         {"system.memory", kInt},
		"arch":           {"system.arch", kList},
		"lab_controller": {"system.lab_controller", kString},
		"hypervisor":     {"system.hypervisor", kString},
		"pool":           {"system.pools", kList},
		"loaned":         {"system.loaned", kString},
	}
	cpuLeaves = map[string]attribute{
		"cores":      {"cpu.cores", kInt},
		"processors": {"cpu.processors", kInt},
		"speed":      {"cpu.speed", kDouble},
		"vendor":     {"cpu.vendor", kString},
		"model_name": {"cpu.model_name", kString},
		"flag":       {"cpu.flags", kList},
	}
)

var comparison = map[string]string{
	"=":  "==",
	"==": "==",
	"!=": "!=",
	"<":  "<",
	"<=": "<=",
	">":  ">",
	">=": ">=",
}

// node is a generic XML element.
type node struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Nodes   []node     `xml:",any"`
}

func (n node) attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

func parseNode(text, root string) (node, error) {
	var n node
	if strings.TrimSpace(text) == "" {
		n.XMLName.Local = root
		return n, nil
	}
	if err := xml.Unmarshal([]byte(text), &n); err != nil {
		return n, fmt.Errorf("malformed %s: %w", root, err)
	}
	if n.XMLName.Local != root {
		return n, fmt.Errorf("expected <%s>, got <%s>", root, n.XMLName.Local)
	}
	return n, nil
}

type translator struct {
	leaves     map[string]attribute
	containers map[string]map[string]attribute
}

var (
	distroTranslator = translator{leaves: distroLeaves}
	hostTranslator   = translator{
		leaves: hostLeaves,
		containers: map[string]map[string]attribute{
			"system": systemLeaves,
			"cpu":    cpuLeaves,
		},
	}
)

// conjunction translates the children of n joined with op. An empty
// group imposes no restriction.
func (t translator) conjunction(nodes []node, op string, leaves map[string]attribute) (string, error) {
	if len(nodes) == 0 {
		return "true", nil
	}
	parts := make([]string, 0, len(nodes))
	for _, child := range nodes {
		expr, err := t.element(child, leaves)
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+expr+")")
	}
	return strings.Join(parts, " "+op+" "), nil
}

func (t translator) element(n node, leaves map[string]attribute) (string, error) {
	name := n.XMLName.Local
	switch name {
	case "and":
		return t.conjunction(n.Nodes, "&&", leaves)
	case "or":
		return t.conjunction(n.Nodes, "||", leaves)
	case "not":
		inner, err := t.conjunction(n.Nodes, "&&", leaves)
		if err != nil {
			return "", err
		}
		if len(n.Nodes) == 0 {
			return "true", nil
		}
		return "!(" + inner + ")", nil
	case "key_value":
		if t.containers == nil {
			break
		}
		return keyValue(n)
	}
	if sub, ok := t.containers[name]; ok && len(n.Nodes) > 0 {
		return t.conjunction(n.Nodes, "&&", sub)
	}
	if attr, ok := leaves[name]; ok {
		return leaf(n, attr)
	}
	return "", fmt.Errorf("unknown element <%s>", name)
}

func leaf(n node, attr attribute) (string, error) {
	op, _ := n.attr("op")
	if op == "" {
		op = "="
	}
	value, ok := n.attr("value")
	if !ok {
		return "", fmt.Errorf("<%s> requires a value attribute", n.XMLName.Local)
	}
	if strings.EqualFold(op, "like") {
		if attr.kind != kString {
			return "", fmt.Errorf("operator like is not supported for <%s>", n.XMLName.Local)
		}
		return fmt.Sprintf("%s.matches(%s)", attr.name, strconv.Quote(likePattern(value))), nil
	}
	cmp, ok := comparison[op]
	if !ok {
		return "", fmt.Errorf("unknown operator %q in <%s>", op, n.XMLName.Local)
	}
	if attr.kind == kList {
		switch cmp {
		case "==":
			return fmt.Sprintf("%s in %s", strconv.Quote(value), attr.name), nil
		case "!=":
			return fmt.Sprintf("!(%s in %s)", strconv.Quote(value), attr.name), nil
		}
		return "", fmt.Errorf("operator %s is not supported for <%s>", op, n.XMLName.Local)
	}
	return fmt.Sprintf("%s %s %s", attr.name, cmp, literal(value, attr.kind)), nil
}

func keyValue(n node) (string, error) {
	key, ok := n.attr("key")
	if !ok || key == "" {
		return "", fmt.Errorf("<key_value> requires a key attribute")
	}
	op, _ := n.attr("op")
	if op == "" {
		op = "="
	}
	value, _ := n.attr("value")
	k := strconv.Quote(key)
	lookup := fmt.Sprintf("system.key_values[%s]", k)
	present := fmt.Sprintf("%s in system.key_values", k)
	if strings.EqualFold(op, "like") {
		return fmt.Sprintf("%s && %s.matches(%s)", present, lookup, strconv.Quote(likePattern(value))), nil
	}
	cmp, ok := comparison[op]
	if !ok {
		return "", fmt.Errorf("unknown operator %q in <key_value>", op)
	}
	if cmp == "!=" {
		return fmt.Sprintf("!(%s) || %s != %s", present, lookup, strconv.Quote(value)), nil
	}
	return fmt.Sprintf("%s && %s %s %s", present, lookup, cmp, strconv.Quote(value)), nil
}

// literal renders value as a CEL literal of the attribute's type. Values
// that do not parse are left as strings so that type checking reports them.
func literal(value string, k kind) string {
	switch k {
	case kInt:
		if i, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			return strconv.FormatInt(i, 10)
		}
	case kDouble:
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return strconv.FormatFloat(f, 'f', -1, 64) + floatSuffix(f)
		}
	}
	return strconv.Quote(value)
}

func floatSuffix(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if strings.ContainsAny(s, ".eE") {
		return ""
	}
	return ".0"
}

// likePattern converts an SQL LIKE pattern to an anchored RE2 expression.
func likePattern(p string) string {
	var sb strings.Builder
	sb.WriteString("^")
	for _, r := range p {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return sb.String()
}
