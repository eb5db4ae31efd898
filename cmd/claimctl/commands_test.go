package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseBatch(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		cases   int
		id      string
		wantErr bool
	}{
		{"json list", `[{"claimId":"C1","patientId":"P1"},{"claimId":"C2","patientId":"P1"}]`, 2, "", false},
		{"json batch", `{"batchId":"B9","cases":[{"claimId":"C1","patientId":"P1"}]}`, 1, "B9", false},
		{"yaml list", "- claimId: C1\n  patientId: P1\n  serviceDate: 45352\n", 1, "", false},
		{"empty list", `[]`, 0, "", true},
		{"not cases", `"hello"`, 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch, err := parseBatch([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error %v, got %v", tt.wantErr, err)
			}
			if tt.wantErr {
				return
			}
			if len(batch.Cases) != tt.cases || batch.ID != tt.id {
				t.Errorf("Expected %d cases and id %q, got %d and %q", tt.cases, tt.id, len(batch.Cases), batch.ID)
			}
		})
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const cliRules = "version: cli-1\nlastUpdated: \"2024-06-01\"\nrules:\n  - id: R1\n    drugs: [metformin]\n    forbidIcdCodes: [N18.4]\n"

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRulesValidate(t *testing.T) {
	rulesPath := writeFile(t, "rules.yaml", cliRules)

	out, err := run(t, "rules", "validate", rulesPath)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	for _, want := range []string{"version:      cli-1", "rules:        1"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output:\n%s", want, out)
		}
	}

	bad := writeFile(t, "bad.yaml", "version: x\nrules: []\n")
	if _, err := run(t, "rules", "validate", bad); err == nil {
		t.Error("Expected an error for a document without rules")
	}
}

func TestEvaluate(t *testing.T) {
	rulesPath := writeFile(t, "rules.yaml", cliRules)
	cases := writeFile(t, "cases.json",
		`[{"claimId":"C1","patientId":"P1","medications":[{"name":"metformin"}],"diagnoses":[{"code":"N18.4"}]}]`)

	out, err := run(t, "--rules", rulesPath, "evaluate", cases)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !strings.Contains(out, `"REJECTED"`) {
		t.Errorf("Expected a rejection in output:\n%s", out)
	}
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "claimctl ") {
		t.Errorf("Unexpected version output %q", out)
	}
}

func TestFormatLag(t *testing.T) {
	lines := formatLag(map[string]int64{"claims.reports": 0, "claims.batches": 7})
	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines, got %v", lines)
	}
	if !strings.Contains(lines[0], "claims.batches") || !strings.HasSuffix(lines[0], " 7") {
		t.Errorf("Expected sorted topics with lag, got %q", lines[0])
	}
	if got := formatLag(nil); len(got) != 1 {
		t.Errorf("Expected a placeholder line, got %v", got)
	}
}
