// Package catalog reads the manifests written by the content bundle build step.
//
// The output directory holds one dependency manifest named after the
// directory itself (<dir>/<base(dir)>.manifest) listing every bundle, plus
// one <bundle>.manifest per bundle listing the assets packed into it.
package catalog

import (
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"
)

// ManifestExt is the suffix of every manifest file in a bundle output directory.
const ManifestExt = ".manifest"

// Bundle is one content bundle and the asset identifiers packed into it.
type Bundle struct {
	Name string
	// Scene is true when the bundle packs scenes; Assets then holds scene paths.
	Scene bool
	// Assets are identifiers in enumeration order.
	Assets       []string
	Dependencies []string
}

// Catalog is the ordered bundle list of one output directory.
type Catalog struct {
	Dir     string
	Bundles []Bundle
}

// Names returns the bundle names in catalog order.
func (c Catalog) Names() []string {
	names := make([]string, len(c.Bundles))
	for i, b := range c.Bundles {
		names[i] = b.Name
	}
	return names
}

type rootManifest struct {
	ManifestFileVersion int `yaml:"ManifestFileVersion"`
	AssetBundleManifest struct {
		AssetBundleInfos map[string]bundleInfo `yaml:"AssetBundleInfos"`
	} `yaml:"AssetBundleManifest"`
}

type bundleInfo struct {
	Name         string            `yaml:"Name"`
	Dependencies map[string]string `yaml:"Dependencies"`
}

type bundleManifest struct {
	ManifestFileVersion int      `yaml:"ManifestFileVersion"`
	Assets              []string `yaml:"Assets"`
	Scenes              []string `yaml:"Scenes"`
}

// RootManifestPath returns the dependency manifest path for an output directory.
func RootManifestPath(dir string) string {
	return filepath.Join(dir, filepath.Base(filepath.Clean(dir))+ManifestExt)
}

// Load reads the dependency manifest of dir and every per-bundle manifest it names.
func Load(fs afero.Fs, dir string) (Catalog, error) {
	rootPath := RootManifestPath(dir)
	data, err := afero.ReadFile(fs, rootPath)
	if err != nil {
		return Catalog{}, fmt.Errorf("read dependency manifest: %w", err)
	}

	var root rootManifest
	if err := yaml.Unmarshal(data, &root); err != nil {
		return Catalog{}, fmt.Errorf("parse %s: %w", rootPath, err)
	}

	infos, err := orderedInfos(root.AssetBundleManifest.AssetBundleInfos)
	if err != nil {
		return Catalog{}, fmt.Errorf("parse %s: %w", rootPath, err)
	}

	cat := Catalog{Dir: dir, Bundles: make([]Bundle, 0, len(infos))}
	seen := make(map[string]struct{}, len(infos))
	for _, info := range infos {
		name := strings.TrimSpace(info.Name)
		if name == "" {
			return Catalog{}, fmt.Errorf("parse %s: bundle with empty name", rootPath)
		}
		if _, dup := seen[name]; dup {
			return Catalog{}, fmt.Errorf("parse %s: duplicate bundle %q", rootPath, name)
		}
		seen[name] = struct{}{}

		b, err := loadBundle(fs, dir, name)
		if err != nil {
			return Catalog{}, err
		}
		b.Dependencies = orderedValues(info.Dependencies, "Dependency_")
		cat.Bundles = append(cat.Bundles, b)
	}
	return cat, nil
}

func loadBundle(fs afero.Fs, dir, name string) (Bundle, error) {
	p := filepath.Join(dir, filepath.FromSlash(name)+ManifestExt)
	data, err := afero.ReadFile(fs, p)
	if err != nil {
		return Bundle{}, fmt.Errorf("read bundle manifest %s: %w", name, err)
	}
	var m bundleManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Bundle{}, fmt.Errorf("parse %s: %w", p, err)
	}

	b := Bundle{Name: path.Clean(filepath.ToSlash(name))}
	if len(m.Scenes) > 0 {
		b.Scene = true
		b.Assets = m.Scenes
	} else {
		b.Assets = m.Assets
	}
	return b, nil
}

// orderedInfos sorts Info_N entries by N so enumeration does not depend on
// map iteration.
func orderedInfos(infos map[string]bundleInfo) ([]bundleInfo, error) {
	keys := make([]string, 0, len(infos))
	for k := range infos {
		if _, ok := indexOf(k, "Info_"); !ok {
			return nil, fmt.Errorf("unexpected bundle info key %q", k)
		}
		keys = append(keys, k)
	}
	sortByIndex(keys, "Info_")

	out := make([]bundleInfo, len(keys))
	for i, k := range keys {
		out[i] = infos[k]
	}
	return out, nil
}

func orderedValues(m map[string]string, prefix string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortByIndex(keys, prefix)
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = m[k]
	}
	return out
}

func sortByIndex(keys []string, prefix string) {
	sort.Slice(keys, func(i, j int) bool {
		a, aok := indexOf(keys[i], prefix)
		b, bok := indexOf(keys[j], prefix)
		if aok && bok && a != b {
			return a < b
		}
		return keys[i] < keys[j]
	})
}

func indexOf(key, prefix string) (int, bool) {
	if !strings.HasPrefix(key, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(key, prefix))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
