// Package version reports which parley build is running.
//
// Release builds set the values with ldflags:
//
//	go build -ldflags "-X github.com/NicolasHaas/parley/pkg/version.tag=v1.0.0
//	  -X github.com/NicolasHaas/parley/pkg/version.commit=abc1234
//	  -X github.com/NicolasHaas/parley/pkg/version.date=2026-01-01"
//
// Without ldflags the VCS stamp written by the go command is used.
package version

import (
	"runtime/debug"
	"sync"
)

var (
	tag    = ""
	commit = ""
	date   = ""
)

// Info describes a build. Empty fields are unknown.
type Info struct {
	Tag      string `json:"tag,omitempty"`
	Commit   string `json:"commit,omitempty"`
	Date     string `json:"date,omitempty"`
	Modified bool   `json:"modified,omitempty"`
}

var (
	once sync.Once
	info Info
)

// Get returns the build info, filling gaps from debug.ReadBuildInfo.
func Get() Info {
	once.Do(func() {
		info = resolve(tag, commit, date, debug.ReadBuildInfo)
	})
	return info
}

func resolve(tag, commit, date string, read func() (*debug.BuildInfo, bool)) Info {
	i := Info{Tag: tag, Commit: commit, Date: date}
	if i.Commit != "" && i.Date != "" {
		return i
	}
	bi, ok := read()
	if !ok {
		return i
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if i.Commit == "" {
				i.Commit = s.Value
				if len(i.Commit) > 7 {
					i.Commit = i.Commit[:7]
				}
			}
		case "vcs.time":
			if i.Date == "" {
				i.Date = s.Value
			}
		case "vcs.modified":
			i.Modified = s.Value == "true"
		}
	}
	return i
}

// String is the short form: the tag, else the commit, else "dev".
func (i Info) String() string {
	switch {
	case i.Tag != "":
		return i.Tag
	case i.Commit != "" && i.Modified:
		return i.Commit + "-dirty"
	case i.Commit != "":
		return i.Commit
	default:
		return "dev"
	}
}

// Full adds the commit and build date to String.
func (i Info) Full() string {
	s := i.String()
	if i.Tag != "" && i.Commit != "" {
		s += " (" + i.Commit + ")"
	}
	if i.Date != "" {
		s += " built " + i.Date
	}
	return s
}

// String returns the short version of the running binary.
func String() string { return Get().String() }

// Full returns the long version of the running binary.
func Full() string { return Get().Full() }

// UserAgent returns the User-Agent sent by the parley client.
func UserAgent() string { return "parley/" + String() }
