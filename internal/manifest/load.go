// Package manifest turns ServiceManifest documents into engine declarations
// and keeps a container in line with a desired set of manifests.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"sigs.k8s.io/yaml"

	sgv1alpha1 "github.com/anvil-platform/servicegraph/api/v1alpha1"
)

const kindServiceManifest = "ServiceManifest"

var ErrWrongKind = errors.New("manifest: document is not a ServiceManifest")

// Decode parses a single YAML or JSON ServiceManifest. A missing kind is
// accepted; any other kind is rejected.
func Decode(data []byte) (*sgv1alpha1.ServiceManifest, error) {
	var m sgv1alpha1.ServiceManifest
	if err := yaml.UnmarshalStrict(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: decode: %w", err)
	}
	if m.Kind != "" && m.Kind != kindServiceManifest {
		return nil, fmt.Errorf("%w: kind %q", ErrWrongKind, m.Kind)
	}
	if m.APIVersion != "" && m.APIVersion != sgv1alpha1.GroupVersion.String() {
		return nil, fmt.Errorf("manifest: unsupported apiVersion %q", m.APIVersion)
	}
	if m.Spec.ServiceName == "" {
		m.Spec.ServiceName = m.Name
	}
	return &m, nil
}

// DecodeAll splits a multi-document YAML stream on "---" lines.
func DecodeAll(r io.Reader) ([]*sgv1alpha1.ServiceManifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var out []*sgv1alpha1.ServiceManifest
	for i, doc := range splitDocuments(data) {
		if len(bytes.TrimSpace(doc)) == 0 {
			continue
		}
		m, err := Decode(doc)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func splitDocuments(data []byte) [][]byte {
	var (
		docs [][]byte
		cur  []byte
	)
	for _, line := range bytes.SplitAfter(data, []byte("\n")) {
		if strings.TrimRight(string(line), "\r\n") == "---" {
			docs = append(docs, cur)
			cur = nil
			continue
		}
		cur = append(cur, line...)
	}
	return append(docs, cur)
}

// LoadDir reads every *.yaml, *.yml and *.json file directly under dir. The
// result is keyed by "<file>#<index>" so a file may hold several manifests.
func LoadDir(dir string) (map[string]*sgv1alpha1.ServiceManifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("manifest: read dir %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isManifestFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := make(map[string]*sgv1alpha1.ServiceManifest)
	for _, name := range names {
		path := filepath.Join(dir, name)
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("manifest: %w", err)
		}
		docs, err := DecodeAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("manifest: %s: %w", path, err)
		}
		for i, m := range docs {
			out[fmt.Sprintf("%s#%d", name, i)] = m
		}
	}
	return out, nil
}

func isManifestFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
