package main

import (
	"strings"
	"testing"
)

func TestSplitSQLKeepsFunctionBodies(t *testing.T) {
	script := `-- wallets
CREATE TABLE a (id int);
CREATE FUNCTION f() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'append only';
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;
CREATE TRIGGER t BEFORE UPDATE ON a FOR EACH ROW EXECUTE FUNCTION f();
`
	statements := splitSQL(script)
	if len(statements) != 3 {
		t.Fatalf("expected 3 statements, got %d: %q", len(statements), statements)
	}
	if !strings.Contains(statements[1], "RETURN NULL;") || !strings.Contains(statements[1], "LANGUAGE plpgsql;") {
		t.Fatalf("function body split apart: %q", statements[1])
	}
}

func TestSplitSQLTrailingStatement(t *testing.T) {
	statements := splitSQL("CREATE TABLE a (id int);\nCREATE INDEX i ON a (id)")
	if len(statements) != 2 {
		t.Fatalf("expected 2 statements, got %d", len(statements))
	}
}
