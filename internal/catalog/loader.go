package catalog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// adversaryFile is the on-disk form of an adversary profile. Either phases
// (keyed by phase number) or atomic_ordering (a single phase) may be used.
type adversaryFile struct {
	ID             string           `yaml:"id"`
	Name           string           `yaml:"name"`
	Description    string           `yaml:"description"`
	Phases         map[int][]string `yaml:"phases"`
	AtomicOrdering []string         `yaml:"atomic_ordering"`
}

func (f adversaryFile) adversary() Adversary {
	a := Adversary{ID: f.ID, Name: f.Name, Description: f.Description}
	if len(f.Phases) > 0 {
		keys := make([]int, 0, len(f.Phases))
		for k := range f.Phases {
			keys = append(keys, k)
		}
		sort.Ints(keys)
		for _, k := range keys {
			a.Phases = append(a.Phases, f.Phases[k])
		}
		return a
	}
	if len(f.AtomicOrdering) > 0 {
		a.Phases = [][]string{f.AtomicOrdering}
	}
	return a
}

// ParseAbilities decodes a YAML document holding one ability or a list.
func ParseAbilities(data []byte) ([]Ability, error) {
	var list []Ability
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var one Ability
	if err := yaml.Unmarshal(data, &one); err != nil {
		return nil, fmt.Errorf("parse abilities: %w", err)
	}
	return []Ability{one}, nil
}

// ParseAdversary decodes a YAML adversary profile.
func ParseAdversary(data []byte) (Adversary, error) {
	var f adversaryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Adversary{}, fmt.Errorf("parse adversary: %w", err)
	}
	return f.adversary(), nil
}

// Load reads dir/abilities/**.yml and dir/adversaries/*.yml into c. Every
// problem is collected; the returned error joins them.
func (c *Catalog) Load(dir string) error {
	var errs []error

	abilityFiles, err := yamlFiles(filepath.Join(dir, "abilities"))
	if err != nil {
		return err
	}
	for _, path := range abilityFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("read %s: %w", path, err))
			continue
		}
		abilities, err := ParseAbilities(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		for _, a := range abilities {
			if _, err := c.PutAbility(a); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", path, err))
			}
		}
	}

	adversaryFiles, err := yamlFiles(filepath.Join(dir, "adversaries"))
	if err != nil {
		return err
	}
	for _, path := range adversaryFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("read %s: %w", path, err))
			continue
		}
		adv, err := ParseAdversary(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		if err := c.PutAdversary(adv); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}

// yamlFiles lists *.yml and *.yaml files under root in lexical order. A
// missing root yields no files.
func yamlFiles(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yml" || ext == ".yaml" {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Strings(out)
	return out, nil
}
