package workspace

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/agentserver/projectbox/internal/archive"
	"github.com/agentserver/projectbox/internal/provider"
)

//go:embed all:template
var templateFS embed.FS

// Scaffolder populates an empty sandbox with a base project.
type Scaffolder interface {
	Scaffold(ctx context.Context, h *provider.Handle) error
}

// TemplateScaffolder unpacks the embedded Vite template into the working directory.
type TemplateScaffolder struct {
	ws *Workspace
}

func NewTemplateScaffolder(ws *Workspace) *TemplateScaffolder {
	return &TemplateScaffolder{ws: ws}
}

func (s *TemplateScaffolder) Scaffold(ctx context.Context, h *provider.Handle) error {
	entries, err := templateEntries()
	if err != nil {
		return err
	}
	tarData, err := archive.Tar(entries)
	if err != nil {
		return fmt.Errorf("build template: %w", err)
	}
	if err := s.ws.Unpack(ctx, h, tarData); err != nil {
		return fmt.Errorf("scaffold: %w", err)
	}
	return nil
}

func templateEntries() ([]archive.Entry, error) {
	root, err := fs.Sub(templateFS, "template")
	if err != nil {
		return nil, err
	}
	var entries []archive.Entry
	err = fs.WalkDir(root, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := fs.ReadFile(root, p)
		if err != nil {
			return err
		}
		entries = append(entries, archive.Entry{Path: p, Mode: 0o644, Data: data})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	return entries, nil
}
