// Package dataset reads the per-domain filelists that index episode images.
package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// fileList is the on-disk layout of <data_dir>/<domain>/{base,val}.json.
type fileList struct {
	LabelNames  []string `json:"label_names"`
	ImageNames  []string `json:"image_names"`
	ImageLabels []int    `json:"image_labels"`
}

// FileListDataset is a labelled set of image paths drawn from one or more
// filelists. Labels of later filelists are offset so that classes from
// different domains never collide.
type FileListDataset struct {
	sources    []string
	imagePaths []string
	labels     []int
	classNames map[int]string
	byClass    map[int][]int
}

// LoadFileList reads a single filelist. Relative image paths are resolved
// against the filelist's directory.
func LoadFileList(path string) (*FileListDataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &DataError{Path: path, Err: err}
	}

	var fl fileList
	if err := json.Unmarshal(raw, &fl); err != nil {
		return nil, &DataError{Path: path, Err: fmt.Errorf("malformed filelist: %w", err)}
	}
	if len(fl.ImageNames) != len(fl.ImageLabels) {
		return nil, &DataError{Path: path, Err: fmt.Errorf("%d image names but %d labels",
			len(fl.ImageNames), len(fl.ImageLabels))}
	}
	if len(fl.ImageNames) == 0 {
		return nil, &DataError{Path: path, Err: fmt.Errorf("no images listed")}
	}

	d := &FileListDataset{
		sources:    []string{path},
		imagePaths: make([]string, len(fl.ImageNames)),
		labels:     make([]int, len(fl.ImageLabels)),
		classNames: make(map[int]string),
		byClass:    make(map[int][]int),
	}
	base := filepath.Dir(path)
	for i, name := range fl.ImageNames {
		label := fl.ImageLabels[i]
		if label < 0 {
			return nil, &DataError{Path: path, Err: fmt.Errorf("negative label %d for %s", label, name)}
		}
		if !filepath.IsAbs(name) {
			name = filepath.Join(base, name)
		}
		d.imagePaths[i] = name
		d.labels[i] = label
		d.byClass[label] = append(d.byClass[label], i)
	}
	for label := range d.byClass {
		if label < len(fl.LabelNames) {
			d.classNames[label] = fl.LabelNames[label]
		} else {
			d.classNames[label] = fmt.Sprintf("%s#%d", filepath.Base(base), label)
		}
	}
	return d, nil
}

// Merge builds the union of several datasets. The classes of each dataset
// keep their identity; labels are shifted past the previous dataset's largest
// label.
func Merge(parts ...*FileListDataset) *FileListDataset {
	if len(parts) == 1 {
		return parts[0]
	}

	merged := &FileListDataset{
		classNames: make(map[int]string),
		byClass:    make(map[int][]int),
	}
	offset := 0
	for _, part := range parts {
		merged.sources = append(merged.sources, part.sources...)
		maxLabel := -1
		for i, path := range part.imagePaths {
			label := part.labels[i] + offset
			merged.byClass[label] = append(merged.byClass[label], len(merged.imagePaths))
			merged.imagePaths = append(merged.imagePaths, path)
			merged.labels = append(merged.labels, label)
			if part.labels[i] > maxLabel {
				maxLabel = part.labels[i]
			}
		}
		for label, name := range part.classNames {
			merged.classNames[label+offset] = name
		}
		offset += maxLabel + 1
	}
	return merged
}

// Len returns the number of images
func (d *FileListDataset) Len() int {
	return len(d.imagePaths)
}

// GetItem returns the image path and label at the given index
func (d *FileListDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], nil
}

// Classes returns the labels present, in ascending order.
func (d *FileListDataset) Classes() []int {
	classes := make([]int, 0, len(d.byClass))
	for label := range d.byClass {
		classes = append(classes, label)
	}
	sort.Ints(classes)
	return classes
}

// ClassIndices returns the dataset indices of every image with the label.
func (d *FileListDataset) ClassIndices(label int) []int {
	return d.byClass[label]
}

// NumClasses returns the number of classes
func (d *FileListDataset) NumClasses() int {
	return len(d.byClass)
}

// ClassName returns the human-readable name of a label.
func (d *FileListDataset) ClassName(label int) string {
	return d.classNames[label]
}

// Sources lists the filelists the dataset was read from.
func (d *FileListDataset) Sources() []string {
	return d.sources
}

// String returns a string representation of the dataset
func (d *FileListDataset) String() string {
	return fmt.Sprintf("FileListDataset[%s]: %d images, %d classes",
		strings.Join(d.sources, ","), len(d.imagePaths), len(d.byClass))
}
