package sqlguard

import (
	"fmt"
	"strings"

	"github.com/xwb1989/sqlparser"
)

// mysqlParser uses the MySQL grammar.
type mysqlParser struct{}

// mssqlParser reads T-SQL through the MySQL grammar. Neither TOP nor OFFSET
// FETCH parses there and LIMIT is refused, so an accepted statement never
// bounds itself; the driver bounds the session instead.
type mssqlParser struct{}

func (mssqlParser) Parse(sql string) (Statement, error) {
	stmt, err := mysqlParser{}.Parse(sql)
	if err != nil {
		return nil, err
	}
	tree, err := sqlparser.Parse(sql)
	if err != nil {
		return nil, err
	}
	err = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		if limit, ok := node.(*sqlparser.Limit); ok && limit != nil {
			return false, fmt.Errorf("LIMIT is not valid T-SQL")
		}
		return true, nil
	}, tree)
	if err != nil {
		return nil, err
	}
	return stmt, nil
}

func (mysqlParser) Parse(sql string) (Statement, error) {
	if err := rejectStacked(sql); err != nil {
		return nil, err
	}
	tree, err := sqlparser.Parse(sql)
	if err != nil {
		return nil, err
	}

	stmt := parsedStatement{kind: mysqlKind(tree)}
	switch node := tree.(type) {
	case *sqlparser.Select:
		stmt.hasLimit = node.Limit != nil
	case *sqlparser.Union:
		stmt.hasLimit = node.Limit != nil
	case *sqlparser.ParenSelect:
		if inner, ok := node.Select.(*sqlparser.Select); ok {
			stmt.hasLimit = inner.Limit != nil
		}
	}

	err = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		if fn, ok := node.(*sqlparser.FuncExpr); ok {
			name := fn.Name.Lowered()
			if !fn.Qualifier.IsEmpty() {
				name = strings.ToLower(fn.Qualifier.String()) + "." + name
			}
			stmt.functions = append(stmt.functions, name)
		}
		return true, nil
	}, tree)
	if err != nil {
		return nil, err
	}
	return stmt, nil
}

func mysqlKind(tree sqlparser.Statement) Kind {
	switch node := tree.(type) {
	case *sqlparser.Select, *sqlparser.Union, *sqlparser.ParenSelect:
		return KindSelect
	case *sqlparser.Insert:
		return KindInsert
	case *sqlparser.Update:
		return KindUpdate
	case *sqlparser.Delete:
		return KindDelete
	case *sqlparser.DDL:
		switch node.Action {
		case sqlparser.CreateStr:
			return KindCreate
		case sqlparser.DropStr:
			return KindDrop
		case sqlparser.TruncateStr:
			return KindTruncate
		default:
			return KindAlter
		}
	case *sqlparser.DBDDL:
		if node.Action == sqlparser.DropStr {
			return KindDrop
		}
		return KindCreate
	default:
		return KindOther
	}
}

// rejectStacked fails when a statement separator is followed by anything but
// further separators.
func rejectStacked(sql string) error {
	tokenizer := sqlparser.NewStringTokenizer(sql)
	seenSeparator := false
	for {
		typ, _ := tokenizer.Scan()
		switch typ {
		case 0:
			return nil
		case sqlparser.LEX_ERROR:
			return fmt.Errorf("lexical error at position %d", tokenizer.Position)
		case sqlparser.COMMENT:
		case ';':
			seenSeparator = true
		default:
			if seenSeparator {
				return fmt.Errorf("multiple statements are not allowed")
			}
		}
	}
}
