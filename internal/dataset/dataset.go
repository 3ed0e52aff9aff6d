// Package dataset reads a directory of labelled images, partitions it
// reproducibly into training and validation subsets and streams both as
// batches of preprocessed pixels.
package dataset

import (
	"encoding/binary"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/minio/highwayhash"
	"github.com/pkg/errors"

	"github.com/Brownie44l1/freshness-api/internal/model"
)

// ErrDataset reports a missing, unreadable or malformed dataset directory.
var ErrDataset = errors.New("dataset error")

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
}

// Sample is one image file and the index of its class.
type Sample struct {
	Path  string
	Label int
}

// LabeledImageSet is every image under a root directory, labelled by the
// class subdirectory it sits in.
type LabeledImageSet struct {
	Root    string
	Classes []string
	Samples []Sample
}

// NewSet builds a set from an explicit class list and samples, without
// touching the filesystem.
func NewSet(classes []string, samples []Sample) (*LabeledImageSet, error) {
	if len(classes) < 2 {
		return nil, errors.Wrapf(ErrDataset, "need at least 2 classes, got %d", len(classes))
	}
	counts := make([]int, len(classes))
	for _, s := range samples {
		if s.Label < 0 || s.Label >= len(classes) {
			return nil, errors.Wrapf(ErrDataset, "sample %s has label %d outside %d classes", s.Path, s.Label, len(classes))
		}
		counts[s.Label]++
	}
	for i, n := range counts {
		if n == 0 {
			return nil, errors.Wrapf(ErrDataset, "class %q has no images", classes[i])
		}
	}
	return &LabeledImageSet{Classes: classes, Samples: samples}, nil
}

// Scan walks root/<class>/... for each class. With no classes given, the
// sorted subdirectory names of root are used and there must be exactly two.
func Scan(root string, classes []string) (*LabeledImageSet, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrapf(ErrDataset, "dataset root %s: %v", root, err)
	}
	if !info.IsDir() {
		return nil, errors.Wrapf(ErrDataset, "dataset root %s is not a directory", root)
	}

	if len(classes) == 0 {
		classes, err = discoverClasses(root)
		if err != nil {
			return nil, err
		}
	}

	var samples []Sample
	for label, class := range classes {
		dir := filepath.Join(root, class)
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			return nil, errors.Wrapf(ErrDataset, "class directory %s is missing", dir)
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if strings.HasPrefix(d.Name(), ".") {
				if d.IsDir() && path != dir {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.IsDir() && imageExtensions[strings.ToLower(filepath.Ext(path))] {
				samples = append(samples, Sample{Path: path, Label: label})
			}
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(ErrDataset, "walk %s: %v", dir, err)
		}
	}

	sort.SliceStable(samples, func(i, j int) bool { return samples[i].Path < samples[j].Path })

	set, err := NewSet(classes, samples)
	if err != nil {
		return nil, err
	}
	set.Root = root
	return set, nil
}

func discoverClasses(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(ErrDataset, "read %s: %v", root, err)
	}
	var classes []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			classes = append(classes, e.Name())
		}
	}
	if len(classes) != 2 {
		return nil, errors.Wrapf(ErrDataset,
			"found %d class directories in %s, expected 2 (set dataset.classes to choose)", len(classes), root)
	}
	sort.Strings(classes)
	return classes, nil
}

// Split is a disjoint partition of a LabeledImageSet.
type Split struct {
	Training   []Sample
	Validation []Sample
}

// Partition assigns every sample to validation with probability fraction,
// using a keyed hash of its path relative to the set root. The same seed
// and listing always yields the same split, independent of file order.
func Partition(set *LabeledImageSet, fraction float64, seed int64) (Split, error) {
	if fraction <= 0 || fraction >= 1 {
		return Split{}, errors.Wrapf(model.ErrConfiguration, "validation fraction must be in (0,1), got %g", fraction)
	}

	key := splitKey(seed)
	var split Split
	for _, s := range set.Samples {
		if unitHash(relativeKey(set.Root, s.Path), key) < fraction {
			split.Validation = append(split.Validation, s)
		} else {
			split.Training = append(split.Training, s)
		}
	}
	return split, nil
}

func splitKey(seed int64) []byte {
	key := make([]byte, 32)
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint64(key[i*8:], uint64(seed)+uint64(i))
	}
	return key
}

func relativeKey(root, path string) string {
	if root != "" {
		if rel, err := filepath.Rel(root, path); err == nil {
			path = rel
		}
	}
	return filepath.ToSlash(path)
}

// unitHash maps name uniformly onto [0,1).
func unitHash(name string, key []byte) float64 {
	h := highwayhash.Sum64([]byte(name), key)
	return float64(h>>11) / (1 << 53)
}
