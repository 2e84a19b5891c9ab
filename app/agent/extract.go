package agent

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/jsonc"
	"github.com/xeipuuv/gojsonschema"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/agentviz/agentviz/app/enums"
)

//go:embed echarts.schema.json
var echartsSchemaData []byte

var echartsSchema = gojsonschema.NewBytesLoader(echartsSchemaData)

var (
	optionAssign = regexp.MustCompile(`^\s*(?:(?:const|let|var)\s+)?option\s*=\s*`)
	figAssign    = regexp.MustCompile(`(?m)^\s*fig\s*=`)
)

// Block is a fenced code block of an agent answer
type Block struct {
	Kind enums.VizKind
	Code string
}

// ExtractBlocks returns fenced code blocks usable as visualizations, in answer order.
// python/py blocks are Plotly code, javascript/js/json blocks are ECharts options.
// Untagged blocks are classified by content.
func ExtractBlocks(answer string) []Block {
	src := []byte(answer)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var res []Block
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		fenced, ok := n.(*ast.FencedCodeBlock)
		if !entering || !ok {
			return ast.WalkContinue, nil
		}
		var sb strings.Builder
		lines := fenced.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			sb.Write(seg.Value(src))
		}
		code := strings.TrimSpace(sb.String())
		if code == "" {
			return ast.WalkSkipChildren, nil
		}
		if kind, ok := blockKind(strings.ToLower(string(fenced.Language(src))), code); ok {
			res = append(res, Block{Kind: kind, Code: code})
		}
		return ast.WalkSkipChildren, nil
	})
	return res
}

func blockKind(lang, code string) (enums.VizKind, bool) {
	switch lang {
	case "python", "py", "python3":
		return enums.VizKindPlotly, true
	case "javascript", "js", "json", "echarts":
		return enums.VizKindECharts, true
	case "":
		if figAssign.MatchString(code) {
			return enums.VizKindPlotly, true
		}
		trimmed := optionAssign.ReplaceAllString(code, "")
		if strings.HasPrefix(trimmed, "{") {
			return enums.VizKindECharts, true
		}
	}
	return enums.VizKind{}, false
}

// IsTerminal checks whether the coder answer finishes the conversation: a python block creating fig
// or an ECharts block with series
func IsTerminal(answer string) bool {
	for _, b := range ExtractBlocks(answer) {
		switch b.Kind {
		case enums.VizKindPlotly:
			if figAssign.MatchString(b.Code) {
				return true
			}
		case enums.VizKindECharts:
			if strings.Contains(b.Code, "series") {
				return true
			}
		}
	}
	return false
}

// rejection explains why a coder answer is not terminal, for the retry request
func rejection(answer string) string {
	blocks := ExtractBlocks(answer)
	if len(blocks) == 0 {
		return "No fenced code block was found."
	}
	if blocks[0].Kind == enums.VizKindECharts {
		return "The ECharts option has no series."
	}
	return "The Python code does not assign the figure to a variable named fig."
}

// ParseECharts converts a lenient ECharts option to a validated config. Accepts an assignment prefix,
// comments, trailing commas, unquoted keys and single-quoted strings.
func ParseECharts(code string) (map[string]any, error) {
	cleaned := strings.TrimSpace(optionAssign.ReplaceAllString(code, ""))
	cleaned = quoteObjectLiteral(strings.TrimSpace(strings.TrimSuffix(cleaned, ";")))

	var cfg map[string]any
	if err := json.Unmarshal(jsonc.ToJSON([]byte(cleaned)), &cfg); err != nil {
		return nil, fmt.Errorf("can't parse ECharts config: %w", err)
	}

	result, err := gojsonschema.Validate(echartsSchema, gojsonschema.NewGoLoader(cfg))
	if err != nil {
		return nil, fmt.Errorf("can't validate ECharts config: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("invalid ECharts config: %s", strings.Join(msgs, "; "))
	}
	return cfg, nil
}

// quoteObjectLiteral rewrites a javascript object literal toward json: bare keys get double quotes
// and single-quoted strings become double-quoted. Comments and double-quoted strings are kept as is.
func quoteObjectLiteral(src string) string {
	var sb strings.Builder
	sb.Grow(len(src) + 16)
	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == '"':
			end := stringEnd(src, i)
			sb.WriteString(src[i:end])
			i = end
		case c == '\'':
			end := stringEnd(src, i)
			body := strings.TrimSuffix(src[i+1:end], "'")
			sb.WriteByte('"')
			for j := 0; j < len(body); j++ {
				switch {
				case body[j] == '\\' && j+1 < len(body):
					if body[j+1] != '\'' {
						sb.WriteByte('\\')
					}
					sb.WriteByte(body[j+1])
					j++
				case body[j] == '"':
					sb.WriteString(`\"`)
				default:
					sb.WriteByte(body[j])
				}
			}
			sb.WriteByte('"')
			i = end
		case c == '/' && i+1 < len(src) && (src[i+1] == '/' || src[i+1] == '*'):
			end := commentEnd(src, i)
			sb.WriteString(src[i:end])
			i = end
		case isIdentStart(c):
			j := i + 1
			for j < len(src) && (isIdentStart(src[j]) || isDigit(src[j])) {
				j++
			}
			k := j
			for k < len(src) && strings.IndexByte(" \t\r\n", src[k]) >= 0 {
				k++
			}
			if k < len(src) && src[k] == ':' {
				sb.WriteString(`"` + src[i:j] + `"`)
			} else {
				sb.WriteString(src[i:j])
			}
			i = j
		case isDigit(c):
			j := i + 1
			for j < len(src) && (isDigit(src[j]) || isIdentStart(src[j]) || src[j] == '.') {
				j++
			}
			sb.WriteString(src[i:j])
			i = j
		default:
			sb.WriteByte(c)
			i++
		}
	}
	return sb.String()
}

// stringEnd returns the index after the closing quote of the string starting at i, or len(src) if unterminated
func stringEnd(src string, i int) int {
	quote := src[i]
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case quote:
			return j + 1
		}
	}
	return len(src)
}

// commentEnd returns the index after the comment starting at i
func commentEnd(src string, i int) int {
	if src[i+1] == '/' {
		if n := strings.IndexByte(src[i:], '\n'); n >= 0 {
			return i + n
		}
		return len(src)
	}
	if n := strings.Index(src[i+2:], "*/"); n >= 0 {
		return i + 2 + n + 2
	}
	return len(src)
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// echartsTitle returns title.text of an ECharts config, title may be an object or a list of objects
func echartsTitle(cfg map[string]any) string {
	title := cfg["title"]
	if list, ok := title.([]any); ok && len(list) > 0 {
		title = list[0]
	}
	if m, ok := title.(map[string]any); ok {
		if s, ok := m["text"].(string); ok {
			return s
		}
	}
	return ""
}

// plotlyTitle returns layout.title of a Plotly figure, either a string or {text: ...}
func plotlyTitle(figure json.RawMessage) string {
	var fig struct {
		Layout struct {
			Title json.RawMessage `json:"title"`
		} `json:"layout"`
	}
	if err := json.Unmarshal(figure, &fig); err != nil || len(fig.Layout.Title) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(fig.Layout.Title, &s); err == nil {
		return s
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(fig.Layout.Title, &obj); err == nil {
		return obj.Text
	}
	return ""
}
