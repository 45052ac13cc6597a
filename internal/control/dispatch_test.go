package control

import "testing"

func TestSqlEscapeEscapesSingleQuotes(t *testing.T) {
	got := sqlEscape("o'brien")
	want := "o''brien"
	if got != want {
		t.Errorf("sqlEscape(%q) = %q, want %q", "o'brien", got, want)
	}
}

func TestSqlEscapeLeavesPlainStringsUnchanged(t *testing.T) {
	got := sqlEscape("0x1000")
	if got != "0x1000" {
		t.Errorf("sqlEscape(%q) = %q, want unchanged", "0x1000", got)
	}
}
