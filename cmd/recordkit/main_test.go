package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeConfig writes a config using a SQLite file in a temp dir so that
// state survives between command invocations.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := `
server:
  log_level: warn
store:
  backend: sqlite
  dsn: ` + filepath.Join(dir, "recordkit.db") + `
schemas:
  - kind: users
    fields: [name, age]
    types: { name: string, age: int }
    unique: [[name]]
`
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

type printed struct {
	Outcome string         `json:"outcome"`
	Record  map[string]any `json:"record"`
}

func decode(t *testing.T, out string) printed {
	t.Helper()
	var p printed
	if err := json.Unmarshal([]byte(out), &p); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	return p
}

func TestRecordCommands(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "--config", cfg, "find-or-create", "--kind", "users", "--by", "name", "--set", "name=Harry", "--set", "age=11")
	if err != nil {
		t.Fatalf("find-or-create: %v", err)
	}
	if p := decode(t, out); p.Outcome != "created" || p.Record["id"] != float64(1) {
		t.Fatalf("first find-or-create = %+v, want created id 1", p)
	}

	out, err = execute(t, "--config", cfg, "find-or-create", "--kind", "users", "--by", "name", "--set", "name=Harry", "--set", "age=99")
	if err != nil {
		t.Fatalf("find-or-create: %v", err)
	}
	if p := decode(t, out); p.Outcome != "found" || p.Record["age"] != float64(11) {
		t.Fatalf("second find-or-create = %+v, want found with age 11", p)
	}

	out, err = execute(t, "--config", cfg, "upsert", "--kind", "users", "--by", "name", "--set", "name=Harry", "--set", "age=17")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if p := decode(t, out); p.Outcome != "updated" || p.Record["age"] != float64(17) {
		t.Fatalf("upsert = %+v, want updated with age 17", p)
	}

	out, err = execute(t, "--config", cfg, "find", "--kind", "users", "--set", "id=1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if p := decode(t, out); p.Outcome != "found" || p.Record["name"] != "Harry" {
		t.Fatalf("find = %+v, want found Harry", p)
	}

	out, err = execute(t, "--config", cfg, "find", "--kind", "users", "--by", "name", "--set", "name=Voldemort")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if p := decode(t, out); p.Outcome != "not_found" || p.Record != nil {
		t.Fatalf("find = %+v, want not_found", p)
	}
}

func TestRecordCommands_Errors(t *testing.T) {
	cfg := writeConfig(t)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"missing kind flag", []string{"find"}, `"kind" not set`},
		{"unknown kind", []string{"find", "--kind", "wands"}, "unknown kind"},
		{"unknown field", []string{"find", "--kind", "users", "--set", "wood=holly"}, "unknown field"},
		{"malformed set", []string{"find", "--kind", "users", "--set", "name"}, "want field=value"},
		{"unknown selector field", []string{"find-or-create", "--kind", "users", "--by", "wood", "--set", "name=Neville"}, `has no field "wood"`},
		{"bad log level", []string{"--log-level", "loud", "find", "--kind", "users"}, "--log-level"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := execute(t, append([]string{"--config", cfg}, tc.args...)...)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not contain %q", err, tc.wantErr)
			}
		})
	}
}

func TestMissingConfig(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "migrate")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("err = %v, want config not found", err)
	}
}

func TestImportAndMigrate(t *testing.T) {
	cfg := writeConfig(t)
	seedPath := filepath.Join(t.TempDir(), "seed.yaml")
	seedYAML := `
records:
  - kind: users
    by: [name]
    values: { name: Hermione, age: 12 }
  - kind: users
    by: [name]
    values: { name: Ron, age: 11 }
`
	if err := os.WriteFile(seedPath, []byte(seedYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "--config", cfg, "migrate")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(out, "migrated 1 kinds: users") {
		t.Fatalf("migrate output = %q", out)
	}

	for range 2 {
		out, err = execute(t, "--config", cfg, "import", seedPath)
		if err != nil {
			t.Fatalf("import: %v", err)
		}
		if !strings.Contains(out, "imported 2 of 2 records (find_or_create)") {
			t.Fatalf("import output = %q", out)
		}
	}

	out, err = execute(t, "--config", cfg, "find", "--kind", "users", "--set", "id=2")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if p := decode(t, out); p.Outcome != "found" {
		t.Fatalf("find id 2 = %+v, want found", p)
	}
	out, _ = execute(t, "--config", cfg, "find", "--kind", "users", "--set", "id=3")
	if p := decode(t, out); p.Outcome != "not_found" {
		t.Fatalf("find id 3 = %+v, want not_found after idempotent re-import", p)
	}
}

func TestParseSet(t *testing.T) {
	got, err := parseSet([]string{"name=Harry", "age=11", "alive=true", "pets=[Hedwig]", "house=null", "motto=a=b"})
	if err != nil {
		t.Fatalf("parseSet: %v", err)
	}
	if got["name"] != "Harry" || got["age"] != 11 || got["alive"] != true || got["house"] != nil || got["motto"] != "a=b" {
		t.Fatalf("parseSet = %#v", got)
	}
	if pets, ok := got["pets"].([]any); !ok || len(pets) != 1 || pets[0] != "Hedwig" {
		t.Fatalf("pets = %#v", got["pets"])
	}
}
