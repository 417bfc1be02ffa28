package dataset

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/dsr/internal/graph"
)

// file is the union of what a definitions file may hold.
type file struct {
	Datasets   []Dataset   `yaml:"dataset" json:"dataset"`
	SaaSConfig *SaaSConfig `yaml:"saas_config" json:"saas_config"`
}

// Set is the decoded content of one or more definitions files, before
// resolution.
type Set struct {
	Datasets []Dataset
	SaaS     []SaaSConfig

	origin map[string]string
}

// LoadDir decodes every *.yml, *.yaml and *.cue file under dir, merges the
// SaaS configs into their datasets and builds the result.
func LoadDir(dir string) ([]graph.GraphDataset, error) {
	paths, err := FindFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no dataset files found in %s", dir)
	}
	return LoadFiles(paths...)
}

// LoadFiles decodes and builds the given files together.
func LoadFiles(paths ...string) ([]graph.GraphDataset, error) {
	set := &Set{origin: make(map[string]string)}
	for _, p := range paths {
		if err := set.ReadFile(p); err != nil {
			return nil, err
		}
	}
	return set.Build()
}

// FindFiles returns the definitions files under dir in lexical order.
func FindFiles(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("dataset directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}
	var out []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch filepath.Ext(path) {
		case ".yml", ".yaml", ".cue":
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	sort.Strings(out)
	return out, nil
}

// ReadFile decodes one file into the set.
func (s *Set) ReadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var f file
	if filepath.Ext(path) == ".cue" {
		err = decodeCUE(path, data, &f)
	} else {
		err = decodeYAML(data, &f)
	}
	if err != nil {
		return &ValidationError{File: path, Message: err.Error()}
	}
	if len(f.Datasets) == 0 && f.SaaSConfig == nil {
		return &ValidationError{File: path, Message: "no dataset or saas_config definitions"}
	}
	for i := range f.Datasets {
		if err := validate.Struct(&f.Datasets[i]); err != nil {
			return inFile(fromValidator(err), path)
		}
	}
	if f.SaaSConfig != nil {
		if err := validate.Struct(f.SaaSConfig); err != nil {
			return inFile(fromValidator(err), path)
		}
	}

	if s.origin == nil {
		s.origin = make(map[string]string)
	}
	for _, ds := range f.Datasets {
		s.origin[ds.FidesKey] = path
		s.Datasets = append(s.Datasets, ds)
	}
	if f.SaaSConfig != nil {
		s.origin["saas:"+f.SaaSConfig.FidesKey] = path
		s.SaaS = append(s.SaaS, *f.SaaSConfig)
	}
	return nil
}

// Build merges the set's SaaS configs and resolves its datasets.
func (s *Set) Build() ([]graph.GraphDataset, error) {
	datasets := make([]Dataset, len(s.Datasets))
	copy(datasets, s.Datasets)

	for _, cfg := range s.SaaS {
		file := s.origin["saas:"+cfg.FidesKey]
		i := indexOf(datasets, cfg.FidesKey)
		if i < 0 {
			return nil, &ValidationError{File: file, Path: cfg.FidesKey, Message: "saas config has no matching dataset"}
		}
		if err := MergeSaaS(&datasets[i], cfg); err != nil {
			return nil, inFile(err, file)
		}
	}

	out, err := Build(datasets...)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			key, _, _ := strings.Cut(ve.Path, ".")
			if f, ok := s.origin[key]; ok {
				return nil, inFile(err, f)
			}
		}
		return nil, err
	}
	return out, nil
}

func indexOf(datasets []Dataset, key string) int {
	for i := range datasets {
		if datasets[i].FidesKey == key {
			return i
		}
	}
	return -1
}

func decodeYAML(data []byte, f *file) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// decodeCUE evaluates a CUE file and decodes its dataset and saas_config
// values through their JSON form, so both formats share one set of tags.
func decodeCUE(path string, data []byte, f *file) error {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(path))
	if err := v.Err(); err != nil {
		return err
	}
	if ds := v.LookupPath(cue.ParsePath("dataset")); ds.Exists() {
		if err := decodeValue(ds, &f.Datasets); err != nil {
			return fmt.Errorf("dataset: %w", err)
		}
	}
	if sc := v.LookupPath(cue.ParsePath("saas_config")); sc.Exists() {
		f.SaaSConfig = &SaaSConfig{}
		if err := decodeValue(sc, f.SaaSConfig); err != nil {
			return fmt.Errorf("saas_config: %w", err)
		}
	}
	return nil
}

func decodeValue(v cue.Value, out any) error {
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return err
	}
	raw, err := v.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
