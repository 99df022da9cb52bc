package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/parley/pkg/datastore"
	"github.com/NicolasHaas/parley/pkg/model"
	"github.com/NicolasHaas/parley/pkg/server"
)

func seedDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parley.db")
	log, err := datastore.NewSQLLog(path)
	if err != nil {
		t.Fatalf("NewSQLLog: %v", err)
	}
	defer log.Close()
	for _, m := range []model.Message{
		{Kind: model.KindPublic, From: "alice", Text: "hello"},
		{Kind: model.KindPrivate, From: "alice", To: "bob", Text: "psst"},
		{Kind: model.KindPublic, From: "bob", Text: "hey"},
	} {
		if err := log.AppendMessage(context.Background(), &m); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
	return path
}

func runRoot(t *testing.T, env map[string]string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(envMap(env))
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestExportHistoryCommand(t *testing.T) {
	db := seedDB(t)
	env := map[string]string{"PARLEY_DB": db}

	tests := map[string]struct {
		args      []string
		wantTexts []string
	}{
		"all":     {args: nil, wantTexts: []string{"hello", "psst", "hey"}},
		"public":  {args: []string{"--kind", "public"}, wantTexts: []string{"hello", "hey"}},
		"sender":  {args: []string{"--sender", "bob"}, wantTexts: []string{"hey"}},
		"limited": {args: []string{"--limit", "1", "--offset", "1"}, wantTexts: []string{"psst"}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			out, err := runRoot(t, env, append([]string{"export-history"}, tc.args...)...)
			if err != nil {
				t.Fatalf("export-history: %v", err)
			}
			var export server.HistoryExport
			if err := yaml.Unmarshal([]byte(out), &export); err != nil {
				t.Fatalf("unmarshal: %v\n%s", err, out)
			}
			var texts []string
			for _, m := range export.Messages {
				texts = append(texts, m.Text)
			}
			if strings.Join(texts, ",") != strings.Join(tc.wantTexts, ",") {
				t.Fatalf("texts: want %v got %v", tc.wantTexts, texts)
			}
		})
	}
}

func TestExportHistoryRejectsBadKind(t *testing.T) {
	db := seedDB(t)
	if _, err := runRoot(t, map[string]string{"PARLEY_DB": db}, "export-history", "--kind", "secret"); err == nil {
		t.Fatalf("export-history --kind secret: expected error")
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runRoot(t, nil, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "parley-server ") {
		t.Fatalf("version output: %q", out)
	}
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	if _, err := runRoot(t, map[string]string{"PARLEY_STORE": "redis"}); err == nil {
		t.Fatalf("serve with invalid store: expected error")
	}
}
