package server

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/parley/pkg/model"
	"github.com/NicolasHaas/parley/pkg/store"
)

func TestParseModerationYAML(t *testing.T) {
	type tcase struct {
		input      string
		wantAdmins []string
		wantMuted  []string
		wantErr    bool
	}

	tests := map[string]tcase{
		"full": {
			input:      "admins: [hafeez, adminUser]\nmuted: [spammer]\n",
			wantAdmins: []string{"hafeez", "adminUser"},
			wantMuted:  []string{"spammer"},
		},
		"trims_and_skips_blank": {
			input:      "admins:\n  - '  carol '\n  - ''\n",
			wantAdmins: []string{"carol"},
		},
		"empty": {
			input: "",
		},
		"malformed": {
			input:   "admins: [unterminated",
			wantErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f, err := ParseModerationYAML([]byte(tc.input))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseModerationYAML: expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseModerationYAML: %v", err)
			}
			if diff := cmp.Diff(tc.wantAdmins, f.Admins); diff != "" {
				t.Fatalf("admins mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tc.wantMuted, f.Muted); diff != "" {
				t.Fatalf("muted mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadModerationFileApply(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/etc/parley/moderation.yaml", []byte("admins: [Bob]\nmuted: [spammer, SPAMMER]\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f, err := LoadModerationFile(fs, "/etc/parley/moderation.yaml")
	if err != nil {
		t.Fatalf("LoadModerationFile: %v", err)
	}

	m := NewModeration("hafeez")
	promoted, muted := f.Apply(m)
	if promoted != 1 || muted != 1 {
		t.Fatalf("Apply: want 1/1 got %d/%d", promoted, muted)
	}
	// a second apply changes nothing
	if promoted, muted = f.Apply(m); promoted != 0 || muted != 0 {
		t.Fatalf("Apply again: want 0/0 got %d/%d", promoted, muted)
	}
	if !m.IsAdmin("hafeez") || !m.IsAdmin("bob") || !m.IsMuted("spammer") {
		t.Fatalf("moderation state after apply: admins=%v muted=%v", m.Admins(), m.Muted())
	}

	if _, err := LoadModerationFile(fs, "/missing.yaml"); err == nil {
		t.Fatalf("LoadModerationFile: expected error for missing file")
	}
}

func TestExportModerationYAML(t *testing.T) {
	m := NewModeration("hafeez", "adminUser")
	m.Mute("spammer")

	data, err := ExportModerationYAML(m)
	if err != nil {
		t.Fatalf("ExportModerationYAML: %v", err)
	}
	f, err := ParseModerationYAML(data)
	if err != nil {
		t.Fatalf("ParseModerationYAML: %v", err)
	}
	want := &ModerationFile{Admins: []string{"adminUser", "hafeez"}, Muted: []string{"spammer"}}
	if diff := cmp.Diff(want, f); diff != "" {
		t.Fatalf("export mismatch (-want +got):\n%s", diff)
	}
}

func TestExportHistoryYAML(t *testing.T) {
	ctx := context.Background()
	log := store.NewMemoryWithClock(testClock)
	for _, m := range []model.Message{
		{Kind: model.KindPublic, From: "alice", Text: "hello"},
		{Kind: model.KindPrivate, From: "alice", To: "bob", Text: "psst"},
		{Kind: model.KindPublic, From: "bob", Text: "hey"},
	} {
		if err := log.AppendMessage(ctx, &m); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	public := model.KindPublic
	data, err := ExportHistoryYAML(ctx, log, model.MessageFilters{LimitToKind: &public})
	if err != nil {
		t.Fatalf("ExportHistoryYAML: %v", err)
	}

	var got HistoryExport
	if err := yaml.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal export: %v", err)
	}
	want := HistoryExport{Messages: []MessageYAML{
		{ID: 1, Kind: "public", From: "alice", Text: "hello", Time: "2026-05-06 07:08:09"},
		{ID: 3, Kind: "public", From: "bob", Text: "hey", Time: "2026-05-06 07:08:09"},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("export mismatch (-want +got):\n%s", diff)
	}

	log.FailNext("ListMessages", nil)
	if _, err := ExportHistoryYAML(ctx, log, model.MessageFilters{}); err == nil {
		t.Fatalf("ExportHistoryYAML: expected error")
	}
}
