package cmd

import "testing"

func TestSplitStatements(t *testing.T) {
	in := `CREATE DATABASE x;

-- comment; with a semicolon
CREATE TABLE x.t (a Int32)
ENGINE = Memory;
`
	got := splitStatements(in)
	if len(got) != 2 {
		t.Fatalf("statements = %d: %q", len(got), got)
	}
	if got[0] != "CREATE DATABASE x" {
		t.Fatalf("first = %q", got[0])
	}
}
