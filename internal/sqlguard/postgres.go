package sqlguard

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// postgresParser uses the PostgreSQL grammar. DuckDB and SQLite share enough
// of it for the read-only subset that is accepted.
type postgresParser struct{}

func (postgresParser) Parse(sql string) (Statement, error) {
	result, err := pg_query.Parse(sql)
	if err != nil {
		return nil, err
	}
	if len(result.GetStmts()) != 1 {
		return nil, fmt.Errorf("expected exactly one statement, got %d", len(result.GetStmts()))
	}
	root := result.GetStmts()[0].GetStmt()
	if root == nil {
		return nil, fmt.Errorf("empty statement")
	}

	stmt := parsedStatement{kind: topLevelKind(root)}
	if sel := root.GetSelectStmt(); sel != nil {
		stmt.hasLimit = sel.GetLimitCount() != nil
	}

	walkMessage(root.ProtoReflect(), func(msg protoreflect.ProtoMessage) {
		switch node := msg.(type) {
		case *pg_query.FuncCall:
			stmt.functions = append(stmt.functions, funcName(node))
		case *pg_query.InsertStmt, *pg_query.MergeStmt:
			stmt.kind = escalate(stmt.kind, KindInsert)
		case *pg_query.UpdateStmt:
			stmt.kind = escalate(stmt.kind, KindUpdate)
		case *pg_query.DeleteStmt:
			stmt.kind = escalate(stmt.kind, KindDelete)
		case *pg_query.IntoClause:
			stmt.kind = escalate(stmt.kind, KindCreate)
		}
	})
	return stmt, nil
}

// topLevelKind maps the name of the Node oneof member, e.g. "select_stmt".
func topLevelKind(node *pg_query.Node) Kind {
	msg := node.ProtoReflect()
	field := msg.WhichOneof(msg.Descriptor().Oneofs().ByName("node"))
	if field == nil {
		return KindOther
	}
	name := string(field.Name())
	switch {
	case name == "select_stmt":
		return KindSelect
	case name == "insert_stmt", name == "merge_stmt", name == "copy_stmt":
		return KindInsert
	case name == "update_stmt":
		return KindUpdate
	case name == "delete_stmt":
		return KindDelete
	case name == "truncate_stmt":
		return KindTruncate
	case strings.HasPrefix(name, "create"), name == "define_stmt", name == "index_stmt", name == "view_stmt":
		return KindCreate
	case strings.HasPrefix(name, "drop"):
		return KindDrop
	case strings.HasPrefix(name, "alter"), name == "rename_stmt", name == "grant_stmt", name == "grant_role_stmt", name == "comment_stmt":
		return KindAlter
	default:
		return KindOther
	}
}

// escalate lets a nested write override an outer read.
func escalate(current, nested Kind) Kind {
	if current == KindSelect || current == KindOther {
		return nested
	}
	return current
}

func funcName(call *pg_query.FuncCall) string {
	parts := make([]string, 0, len(call.GetFuncname()))
	for _, part := range call.GetFuncname() {
		if s := part.GetString_(); s != nil {
			parts = append(parts, strings.ToLower(s.GetSval()))
		}
	}
	return strings.Join(parts, ".")
}

func walkMessage(msg protoreflect.Message, visit func(protoreflect.ProtoMessage)) {
	if !msg.IsValid() {
		return
	}
	visit(msg.Interface())
	msg.Range(func(fd protoreflect.FieldDescriptor, value protoreflect.Value) bool {
		if fd.Kind() != protoreflect.MessageKind && fd.Kind() != protoreflect.GroupKind {
			return true
		}
		switch {
		case fd.IsMap():
		case fd.IsList():
			list := value.List()
			for i := 0; i < list.Len(); i++ {
				walkMessage(list.Get(i).Message(), visit)
			}
		default:
			walkMessage(value.Message(), visit)
		}
		return true
	})
}
