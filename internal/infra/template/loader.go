package template

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"herald/internal/common"
	"herald/internal/domain/notification"

	"gopkg.in/yaml.v3"
)

// seedFile is the on-disk layout: a list of templates. An entry may keep its
// email HTML in a sibling file referenced by html_file.
type seedFile struct {
	Templates []seedTemplate `yaml:"templates"`
}

type seedTemplate struct {
	notification.Template `yaml:",inline"`
	HTMLFile              string `yaml:"html_file,omitempty"`
}

// LoadDir parses every *.yaml and *.yml file in dir, in name order.
func LoadDir(dir string) ([]*notification.Template, error) {
	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("listing templates in %s: %w", dir, err)
		}
		files = append(files, matches...)
	}
	sort.Strings(files)

	var out []*notification.Template
	seen := make(map[string]string)
	for _, f := range files {
		loaded, err := LoadFile(f)
		if err != nil {
			return nil, err
		}
		for _, t := range loaded {
			if prev, dup := seen[t.ID]; dup {
				return nil, fmt.Errorf("template id '%s' defined in both %s and %s", t.ID, prev, f)
			}
			seen[t.ID] = f
		}
		out = append(out, loaded...)
	}
	return out, nil
}

// LoadFile parses one seed file and validates each template.
func LoadFile(path string) ([]*notification.Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	out := make([]*notification.Template, 0, len(f.Templates))
	for i := range f.Templates {
		st := &f.Templates[i]
		t := st.Template
		if t.ID == "" {
			return nil, fmt.Errorf("%s: template #%d has no id", path, i+1)
		}
		if st.HTMLFile != "" {
			html, err := os.ReadFile(filepath.Join(filepath.Dir(path), st.HTMLFile))
			if err != nil {
				return nil, fmt.Errorf("%s: template '%s': %w", path, t.ID, err)
			}
			if t.Email == nil {
				t.Email = &notification.EmailTemplate{}
			}
			t.Email.HTML = string(html)
		}
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("%s: template '%s': %w", path, t.ID, err)
		}
		out = append(out, &t)
	}
	return out, nil
}

// SeedResult counts what Seed did.
type SeedResult struct {
	Created int
	Updated int
	Skipped int
}

// Seed writes templates into store. Existing ids are left alone unless overwrite is set.
func Seed(ctx context.Context, store notification.TemplateStore, templates []*notification.Template, overwrite bool) (SeedResult, error) {
	var res SeedResult
	now := time.Now().UTC()
	for _, t := range templates {
		existing, err := store.Get(ctx, t.ID)
		var notFound *common.NotFoundError
		switch {
		case errors.As(err, &notFound):
			t.CreatedAt, t.UpdatedAt = now, now
			if err := store.Create(ctx, t); err != nil {
				return res, fmt.Errorf("creating template '%s': %w", t.ID, err)
			}
			res.Created++
		case err != nil:
			return res, fmt.Errorf("looking up template '%s': %w", t.ID, err)
		case overwrite:
			t.CreatedAt, t.UpdatedAt = existing.CreatedAt, now
			if err := store.Update(ctx, t); err != nil {
				return res, fmt.Errorf("updating template '%s': %w", t.ID, err)
			}
			res.Updated++
		default:
			res.Skipped++
		}
	}
	slog.Info("templates seeded", "created", res.Created, "updated", res.Updated, "skipped", res.Skipped)
	return res, nil
}
