package dbadapter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// neo4jAdapter exports a target graph as a Cypher script over Bolt: one
// CREATE statement per node, then one MATCH..CREATE per relationship.
// Restore wipes the graph and replays the statements. This is a logical
// export; it restores node/edge/property sets, not internal ids.
type neo4jAdapter struct {
	cfg      TargetConfig
	password string
}

func (a *neo4jAdapter) Suffix() string { return "cypher" }

func (a *neo4jAdapter) driver() (neo4j.DriverWithContext, error) {
	uri := a.cfg.URI
	if uri == "" {
		uri = fmt.Sprintf("neo4j://%s:%d", a.cfg.Host, a.cfg.Port)
	}
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(a.cfg.Username, a.password, ""))
	if err != nil {
		return nil, fmt.Errorf("dbadapter: neo4j: driver: %w", err)
	}
	return driver, nil
}

func (a *neo4jAdapter) Dump(ctx context.Context, w io.Writer) (int64, error) {
	driver, err := a.driver()
	if err != nil {
		return 0, err
	}
	defer driver.Close(ctx)

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	counter := &countingWriter{w: w}
	out := bufio.NewWriter(counter)

	// Nodes first so the relationship MATCHes can find them on replay.
	nodes, err := session.Run(ctx, "MATCH (n) RETURN n", nil)
	if err != nil {
		return 0, fmt.Errorf("dbadapter: neo4j: export nodes: %w", err)
	}
	for nodes.Next(ctx) {
		value, _ := nodes.Record().Get("n")
		node, ok := value.(neo4j.Node)
		if !ok {
			continue
		}
		fmt.Fprintf(out, "CREATE (:%s %s);\n",
			strings.Join(node.Labels, ":"), formatCypherProps(node.Props))
	}
	if err := nodes.Err(); err != nil {
		return 0, fmt.Errorf("dbadapter: neo4j: export nodes: %w", err)
	}

	rels, err := session.Run(ctx, `
		MATCH (a)-[r]->(b)
		RETURN
			labels(a) AS start_labels,
			properties(a) AS start_props,
			type(r) AS rel_type,
			properties(r) AS rel_props,
			labels(b) AS end_labels,
			properties(b) AS end_props`, nil)
	if err != nil {
		return 0, fmt.Errorf("dbadapter: neo4j: export relationships: %w", err)
	}
	for rels.Next(ctx) {
		rec := rels.Record()
		relProps := formatCypherProps(asPropMap(rec, "rel_props"))
		if relProps == "{}" {
			relProps = ""
		} else {
			relProps = " " + relProps
		}
		fmt.Fprintf(out, "MATCH (a:%s %s), (b:%s %s) CREATE (a)-[:%s%s]->(b);\n",
			asLabelList(rec, "start_labels"), formatCypherProps(asPropMap(rec, "start_props")),
			asLabelList(rec, "end_labels"), formatCypherProps(asPropMap(rec, "end_props")),
			asString(rec, "rel_type"), relProps)
	}
	if err := rels.Err(); err != nil {
		return 0, fmt.Errorf("dbadapter: neo4j: export relationships: %w", err)
	}

	if err := out.Flush(); err != nil {
		return counter.n, fmt.Errorf("dbadapter: neo4j: write: %w", err)
	}
	return counter.n, nil
}

func (a *neo4jAdapter) Restore(ctx context.Context, r io.Reader) error {
	driver, err := a.driver()
	if err != nil {
		return err
	}
	defer driver.Close(ctx)

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	if _, err := session.Run(ctx, "MATCH (n) DETACH DELETE n", nil); err != nil {
		return fmt.Errorf("dbadapter: neo4j: clear graph: %w", err)
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var stmt strings.Builder
	replay := func() error {
		text := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(stmt.String()), ";"))
		stmt.Reset()
		if text == "" {
			return nil
		}
		if _, err := session.Run(ctx, text, nil); err != nil {
			return fmt.Errorf("dbadapter: neo4j: replay statement: %w", err)
		}
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		stmt.WriteString(line)
		stmt.WriteString("\n")
		if strings.HasSuffix(strings.TrimSpace(line), ";") {
			if err := replay(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("dbadapter: neo4j: read script: %w", err)
	}
	return replay()
}

func (a *neo4jAdapter) TestConnection(ctx context.Context) (string, error) {
	driver, err := a.driver()
	if err != nil {
		return "", err
	}
	defer driver.Close(ctx)

	if err := driver.VerifyConnectivity(ctx); err != nil {
		return "", fmt.Errorf("dbadapter: neo4j: connect: %w", err)
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, "MATCH (n) RETURN count(n) AS nodes", nil)
	if err != nil {
		return "", fmt.Errorf("dbadapter: neo4j: count nodes: %w", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return "", fmt.Errorf("dbadapter: neo4j: count nodes: %w", err)
	}
	count, _ := record.Get("nodes")
	return fmt.Sprintf("connected to neo4j, %v nodes", count), nil
}

// -----------------------------------------------------------------------------
// Cypher formatting
// -----------------------------------------------------------------------------

// formatCypherProps renders a property map as a Cypher literal with sorted
// keys so exports are deterministic.
func formatCypherProps(props map[string]any) string {
	if len(props) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, formatCypherValue(props[k])))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// formatCypherValue renders a single property value as a Cypher literal.
// Strings escape backslashes first, then quotes and control characters.
func formatCypherValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		escaped := strings.NewReplacer(
			`\`, `\\`,
			`"`, `\"`,
			"\n", `\n`,
			"\r", `\r`,
			"\t", `\t`,
		).Replace(v)
		return `"` + escaped + `"`
	case bool:
		return strconv.FormatBool(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = formatCypherValue(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return formatCypherValue(fmt.Sprintf("%v", v))
	}
}

func asPropMap(rec *neo4j.Record, key string) map[string]any {
	value, _ := rec.Get(key)
	if m, ok := value.(map[string]any); ok {
		return m
	}
	return nil
}

func asLabelList(rec *neo4j.Record, key string) string {
	value, _ := rec.Get(key)
	items, ok := value.([]any)
	if !ok {
		return ""
	}
	labels := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			labels = append(labels, s)
		}
	}
	return strings.Join(labels, ":")
}

func asString(rec *neo4j.Record, key string) string {
	value, _ := rec.Get(key)
	s, _ := value.(string)
	return s
}
