package nl2sql

import (
	"fmt"
	"strings"

	"github.com/nlqgate/nlqgate/internal/catalog"
)

type Example struct {
	Question string
	SQL      string
}

type Request struct {
	Dialect  string
	Question string
	// Schema is nil when the connection has never been introspected.
	Schema   *catalog.SchemaPayload
	Examples []Example
}

// PromptContextBuilder renders the system prompt. Tables and examples are
// dropped once MaxContextChars would be exceeded.
type PromptContextBuilder struct {
	MaxContextChars int
	MaxExamples     int
}

func (b PromptContextBuilder) System(req Request) string {
	var out strings.Builder
	dialect := strings.TrimSpace(req.Dialect)
	if dialect == "" {
		dialect = "SQL"
	}
	fmt.Fprintf(&out, "You are an expert %s data analyst. Write a single, read-only SELECT statement that answers the user's question.\n", dialect)
	out.WriteString("Return ONLY SQL. No markdown, no explanation.\n")

	if req.Schema != nil && len(req.Schema.Tables) > 0 {
		section := "\n--- Database Schema ---\n"
		if b.fits(out.Len(), section) {
			out.WriteString(section)
			for _, table := range req.Schema.Tables {
				line := tableLine(table)
				if !b.fits(out.Len(), line) {
					break
				}
				out.WriteString(line)
			}
		}
	}

	examples := req.Examples
	if b.MaxExamples > 0 && len(examples) > b.MaxExamples {
		examples = examples[:b.MaxExamples]
	}
	if len(examples) > 0 {
		section := "\n--- Examples ---\n"
		if b.fits(out.Len(), section) {
			out.WriteString(section)
			for _, example := range examples {
				line := fmt.Sprintf("Question: %s\nSQL: %s\n", strings.TrimSpace(example.Question), strings.TrimSpace(example.SQL))
				if !b.fits(out.Len(), line) {
					break
				}
				out.WriteString(line)
			}
		}
	}
	return out.String()
}

func (b PromptContextBuilder) fits(current int, next string) bool {
	return b.MaxContextChars <= 0 || current+len(next) <= b.MaxContextChars
}

func tableLine(table catalog.TableSchema) string {
	columns := make([]string, 0, len(table.Columns))
	for _, column := range table.Columns {
		columns = append(columns, column.Name+" "+column.Type)
	}
	line := fmt.Sprintf("Table %s: (%s)", table.Name, strings.Join(columns, ", "))
	for _, fk := range table.ForeignKeys {
		line += fmt.Sprintf(" FK(%s) -> %s(%s)", strings.Join(fk.ConstrainedColumns, ","), fk.ReferredTable, strings.Join(fk.ReferredColumns, ","))
	}
	return line + "\n"
}
