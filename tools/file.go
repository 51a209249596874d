package tools

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const structuralOverviewThreshold = 500

// ReadInput is File read's schema, adapted from tools/file/file.go's
// file_read tool but extended with the structural-overview behavior
// spec.md §4.2 requires for files over 500 lines.
type ReadInput struct {
	Path   string `json:"path" jsonschema:"required,description=Path to the file to read"`
	Offset int    `json:"offset,omitempty" jsonschema:"description=1-indexed line to start from"`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Maximum number of lines to return"`
}

type ReadTool struct{}

func (ReadTool) Definition() Definition {
	return Definition{Name: "file_read", Description: "Read a file with line numbers; large files return a structural overview.", Class: ClassSafe, Schema: schemaFor(ReadInput{})}
}

func (ReadTool) Execute(ec ExecContext, raw json.RawMessage) Result {
	var in ReadInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return Result{Error: err.Error()}
	}
	content, err := ec.Backend.ReadFile(ec.Ctx, in.Path)
	if err != nil {
		return Result{Error: err.Error()}
	}
	lines := strings.Split(content, "\n")

	if in.Offset > 0 || in.Limit > 0 {
		return Result{Success: true, Output: windowedView(lines, in.Offset, in.Limit)}
	}
	if len(lines) <= structuralOverviewThreshold {
		return Result{Success: true, Output: numberedLines(lines, 1)}
	}
	return Result{Success: true, Output: structuralOverview(lines)}
}

func numberedLines(lines []string, start int) string {
	var sb strings.Builder
	for i, l := range lines {
		fmt.Fprintf(&sb, "%6d\t%s\n", start+i, l)
	}
	return sb.String()
}

func windowedView(lines []string, offset, limit int) string {
	if offset < 1 {
		offset = 1
	}
	if limit <= 0 {
		limit = 2000
	}
	start := offset - 1
	if start >= len(lines) {
		return fmt.Sprintf("offset %d is beyond end of file (total_lines=%d)\n", offset, len(lines))
	}
	end := start + limit
	if end > len(lines) {
		end = len(lines)
	}
	return numberedLines(lines[start:end], offset)
}

var symbolHeadingRe = regexp.MustCompile(`^\s*(import|from|package|class |def |func |type |interface |struct |const |export (function|class|const))`)

// structuralOverview returns imports + class/function headings plus a
// head/tail window, per spec.md §4.2 and §8's boundary behavior
// ("output contains structural overview + head + tail and the line
// total_lines").
func structuralOverview(lines []string) string {
	const head, tail = 40, 20
	var sb strings.Builder
	fmt.Fprintf(&sb, "total_lines: %d\n\n-- head --\n", len(lines))
	sb.WriteString(numberedLines(lines[:head], 1))

	sb.WriteString("\n-- structural overview --\n")
	for i, l := range lines {
		if symbolHeadingRe.MatchString(l) {
			fmt.Fprintf(&sb, "%6d\t%s\n", i+1, l)
		}
	}

	sb.WriteString("\n-- tail --\n")
	sb.WriteString(numberedLines(lines[len(lines)-tail:], len(lines)-tail+1))
	return sb.String()
}

// WriteInput is File write's schema: full overwrite, reporting a compact
// unified diff vs. the prior content.
type WriteInput struct {
	Path    string `json:"path" jsonschema:"required"`
	Content string `json:"content" jsonschema:"required"`
}

type WriteTool struct {
	OnWrite func(path string) // invoked after a successful write, for cache invalidation/lint hooks
}

func (WriteTool) Definition() Definition {
	return Definition{Name: "file_write", Description: "Overwrite a file's full content, reporting a unified diff.", Class: ClassFileMutating, Schema: schemaFor(WriteInput{})}
}

func (t WriteTool) Execute(ec ExecContext, raw json.RawMessage) Result {
	var in WriteInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return Result{Error: err.Error()}
	}
	prior, _ := ec.Backend.ReadFile(ec.Ctx, in.Path)
	if err := ec.Backend.WriteFile(ec.Ctx, in.Path, in.Content); err != nil {
		return Result{Error: err.Error()}
	}
	if t.OnWrite != nil {
		t.OnWrite(in.Path)
	}
	return Result{Success: true, Output: unifiedDiff(prior, in.Content)}
}

// unifiedDiff produces a compact line-based diff: it trims the lines common
// to the start and end of both versions and prints the differing middle as
// "-" lines followed by "+" lines. It is not a myers diff; good enough
// for the "compact unified diff" the write tool reports (spec.md §4.2) since
// full diff rendering belongs to the front-end, not the core.
func unifiedDiff(before, after string) string {
	if before == after {
		return "(no change)"
	}
	beforeLines := strings.Split(before, "\n")
	afterLines := strings.Split(after, "\n")

	var sb strings.Builder
	common := 0
	for common < len(beforeLines) && common < len(afterLines) && beforeLines[common] == afterLines[common] {
		common++
	}
	trail := 0
	for trail < len(beforeLines)-common && trail < len(afterLines)-common &&
		beforeLines[len(beforeLines)-1-trail] == afterLines[len(afterLines)-1-trail] {
		trail++
	}

	for i := common; i < len(beforeLines)-trail; i++ {
		fmt.Fprintf(&sb, "-%s\n", beforeLines[i])
	}
	for i := common; i < len(afterLines)-trail; i++ {
		fmt.Fprintf(&sb, "+%s\n", afterLines[i])
	}
	if sb.Len() == 0 {
		return "(no change)"
	}
	return sb.String()
}

// EditInput is File edit's schema: exact-string replacement, per spec.md
// §4.2's contract and §8's boundary behavior table.
type EditInput struct {
	Path        string `json:"path" jsonschema:"required"`
	Old         string `json:"old" jsonschema:"required"`
	New         string `json:"new" jsonschema:"required"`
	ReplaceAll  bool   `json:"replaceAll,omitempty"`
}

type EditTool struct {
	OnWrite func(path string)
}

func (EditTool) Definition() Definition {
	return Definition{Name: "file_edit", Description: "Replace an exact string occurrence in a file.", Class: ClassFileMutating, Schema: schemaFor(EditInput{})}
}

func (t EditTool) Execute(ec ExecContext, raw json.RawMessage) Result {
	var in EditInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return Result{Error: err.Error()}
	}
	content, err := ec.Backend.ReadFile(ec.Ctx, in.Path)
	if err != nil {
		return Result{Error: err.Error()}
	}

	count := strings.Count(content, in.Old)
	switch {
	case count == 0:
		return Result{Error: fmt.Sprintf("'old' string not found in %s; re-read the file and retry with the exact content", in.Path)}
	case count > 1 && !in.ReplaceAll:
		return Result{Error: fmt.Sprintf("'old' string occurs %d times in %s; pass replaceAll=true or supply more context to disambiguate", count, in.Path)}
	}

	var newContent string
	if in.ReplaceAll {
		newContent = strings.ReplaceAll(content, in.Old, in.New)
	} else {
		newContent = strings.Replace(content, in.Old, in.New, 1)
	}
	if err := ec.Backend.WriteFile(ec.Ctx, in.Path, newContent); err != nil {
		return Result{Error: err.Error()}
	}
	if t.OnWrite != nil {
		t.OnWrite(in.Path)
	}
	if in.ReplaceAll && count > 1 {
		return Result{Success: true, Output: fmt.Sprintf("replaced %d occurrences", count)}
	}
	return Result{Success: true, Output: "replaced 1 occurrence"}
}

// SymbolEditInput targets a named function/class/type block for bounded
// replacement (spec.md §4.2 "AST/tree-sitter/regex-fallback-bounded
// replacement").
type SymbolEditInput struct {
	Path       string `json:"path" jsonschema:"required"`
	SymbolName string `json:"symbolName" jsonschema:"required"`
	NewBody    string `json:"newBody" jsonschema:"required"`
}

type SymbolEditTool struct {
	OnWrite func(path string)
}

func (SymbolEditTool) Definition() Definition {
	return Definition{Name: "symbol_edit", Description: "Replace a named function/class/type's body.", Class: ClassFileMutating, Schema: schemaFor(SymbolEditInput{})}
}

// symbolBlockRe is the regex fallback: matches a "func/def/class/type Name"
// heading; Execute then ends the block at the next heading at the same or
// lower indentation (symbolHeadingRe), or end of file. A real implementation
// would prefer tree-sitter per symbol kind; this fallback is always
// available and never requires a parser.
func symbolBlockRe(name string) *regexp.Regexp {
	escaped := regexp.QuoteMeta(name)
	return regexp.MustCompile(`(?m)^([ \t]*)(func|def|class|type)\s+` + escaped + `\b`)
}

var symbolHeadingRe = regexp.MustCompile(`\n([ \t]*)(func|def|class|type)\b`)

func (t SymbolEditTool) Execute(ec ExecContext, raw json.RawMessage) Result {
	var in SymbolEditInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return Result{Error: err.Error()}
	}
	content, err := ec.Backend.ReadFile(ec.Ctx, in.Path)
	if err != nil {
		return Result{Error: err.Error()}
	}
	re := symbolBlockRe(in.SymbolName)
	loc := re.FindStringSubmatchIndex(content)
	if loc == nil {
		return Result{Error: fmt.Sprintf("symbol %q not found in %s", in.SymbolName, in.Path)}
	}
	indent := loc[3] - loc[2]
	end := len(content)
	for _, m := range symbolHeadingRe.FindAllStringSubmatchIndex(content[loc[1]:], -1) {
		if m[3]-m[2] <= indent {
			end = loc[1] + m[0]
			break
		}
	}
	newContent := content[:loc[0]] + in.NewBody + content[end:]
	if err := ec.Backend.WriteFile(ec.Ctx, in.Path, newContent); err != nil {
		return Result{Error: err.Error()}
	}
	if t.OnWrite != nil {
		t.OnWrite(in.Path)
	}
	return Result{Success: true, Output: "replaced symbol " + in.SymbolName}
}
