package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/parley/pkg/datastore"
	"github.com/NicolasHaas/parley/pkg/model"
)

// ModerationFile is the YAML moderation config.
//
//	admins: [hafeez, adminUser]
//	muted: [spammer]
type ModerationFile struct {
	Admins []string `yaml:"admins"`
	Muted  []string `yaml:"muted"`
}

// MessageYAML represents a message in the history export.
type MessageYAML struct {
	ID   int64  `yaml:"id"`
	Kind string `yaml:"kind"`
	From string `yaml:"from"`
	To   string `yaml:"to,omitempty"`
	Text string `yaml:"text"`
	Time string `yaml:"time"`
}

// HistoryExport is the top-level YAML for the history export.
type HistoryExport struct {
	Messages []MessageYAML `yaml:"messages"`
}

// LoadModerationFile reads a moderation YAML file from fs.
func LoadModerationFile(fs afero.Fs, path string) (*ModerationFile, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read moderation file: %w", err)
	}
	return ParseModerationYAML(data)
}

// ParseModerationYAML parses moderation YAML. Blank names are dropped.
func ParseModerationYAML(data []byte) (*ModerationFile, error) {
	var f ModerationFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse moderation file: %w", err)
	}
	f.Admins = normalizeNames(f.Admins)
	f.Muted = normalizeNames(f.Muted)
	return &f, nil
}

func normalizeNames(names []string) []string {
	var out []string
	for _, n := range names {
		name, err := model.NormalizeUsername(n)
		if err != nil {
			slog.Warn("skipping moderation entry", "name", n, "err", err)
			continue
		}
		out = append(out, name)
	}
	return out
}

// Apply adds the file's admins and muted users to m. Entries are never
// removed; a reload only grants.
func (f *ModerationFile) Apply(m *Moderation) (promoted, muted int) {
	for _, a := range f.Admins {
		if m.Promote(a) {
			promoted++
		}
	}
	for _, u := range f.Muted {
		if m.Mute(u) {
			muted++
		}
	}
	return promoted, muted
}

// ExportModerationYAML renders the current moderation state.
func ExportModerationYAML(m *Moderation) ([]byte, error) {
	return yaml.Marshal(&ModerationFile{Admins: m.Admins(), Muted: m.Muted()})
}

// ExportHistoryYAML exports the messages matching filters as YAML.
func ExportHistoryYAML(ctx context.Context, log datastore.MessageReadProvider, filters model.MessageFilters) ([]byte, error) {
	msgs, err := log.ListMessages(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("server: export history: %w", err)
	}

	export := HistoryExport{Messages: []MessageYAML{}}
	for _, m := range msgs {
		export.Messages = append(export.Messages, MessageYAML{
			ID:   m.ID,
			Kind: string(m.Kind),
			From: m.From,
			To:   m.To,
			Text: m.Text,
			Time: m.Time,
		})
	}
	return yaml.Marshal(&export)
}
