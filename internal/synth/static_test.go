package synth

import (
	"context"
	"testing"
)

func TestStaticGeneratorReturnsCannedSQL(t *testing.T) {
	gen := &StaticGenerator{SQL: "SELECT count(*) FROM usertable"}
	sqlText, err := gen.Generate(context.Background(), "any prompt")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if sqlText != "SELECT count(*) FROM usertable" {
		t.Fatalf("sql = %q", sqlText)
	}
}

func TestStaticGeneratorUsesFirstPromptTable(t *testing.T) {
	synthesizer := NewSynthesizer(&StaticGenerator{}, 3)
	prompt := synthesizer.BuildPrompt(Request{Question: "q", Snapshot: testSnapshot()})

	gen := &StaticGenerator{}
	sqlText, err := gen.Generate(context.Background(), prompt)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if sqlText != "SELECT * FROM usertable LIMIT 5" {
		t.Fatalf("sql = %q", sqlText)
	}
}

func TestStaticGeneratorFailsWithoutTables(t *testing.T) {
	gen := &StaticGenerator{}
	if _, err := gen.Generate(context.Background(), "no schema here"); err == nil {
		t.Fatal("expected error with no tables in prompt")
	}
}
