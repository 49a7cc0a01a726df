// Package gp4 models the GP4 project file: the XML description of the
// source tree a package was built from, written by the project exporter.
package gp4

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Volume types by package content type.
const (
	VolumeTypeApp      = "pkg_ps4_app"
	VolumeTypePatch    = "pkg_ps4_patch"
	VolumeTypeACData   = "pkg_ps4_ac_data"
	VolumeTypeACNoData = "pkg_ps4_ac_nodata"
)

// Project is the root element of a GP4 file.
type Project struct {
	XMLName xml.Name `xml:"psproject"`
	Fmt     string   `xml:"fmt,attr"`
	Version string   `xml:"version,attr"`

	Volume  Volume  `xml:"volume"`
	Files   Files   `xml:"files"`
	RootDir RootDir `xml:"rootdir"`
}

// Volume describes the package volume.
type Volume struct {
	Type      string  `xml:"volume_type"`
	Timestamp string  `xml:"volume_ts,omitempty"`
	Package   Package `xml:"package"`
}

// Package carries the identity attributes of the volume.
type Package struct {
	ContentID      string `xml:"content_id,attr"`
	Passcode       string `xml:"passcode,attr"`
	EntitlementKey string `xml:"entitlement_key,attr,omitempty"`
	StorageType    string `xml:"storage_type,attr,omitempty"`
	AppType        string `xml:"app_type,attr,omitempty"`
	CreationDate   string `xml:"c_date,attr,omitempty"`
}

// Files lists every file of the project.
type Files struct {
	ImgNo int    `xml:"img_no,attr"`
	Items []File `xml:"file"`
}

// File maps a target path inside the package to its origin on disk.
type File struct {
	TargPath string `xml:"targ_path,attr"`
	OrigPath string `xml:"orig_path,attr"`
}

// RootDir is the directory skeleton of the package.
type RootDir struct {
	Dirs []Dir `xml:"dir"`
}

// Dir is one directory node.
type Dir struct {
	TargName string `xml:"targ_name,attr"`
	Children []Dir  `xml:"dir,omitempty"`
}

// New returns a project skeleton for the given volume type.
func New(volumeType string) *Project {
	return &Project{
		Fmt:     "gp4",
		Version: "1000",
		Volume:  Volume{Type: volumeType},
	}
}

// AddFile records a file by its package-relative target path.
func (p *Project) AddFile(targPath, origPath string) {
	p.Files.Items = append(p.Files.Items, File{TargPath: targPath, OrigPath: origPath})
}

// AddDir records a directory path, creating intermediate nodes as needed.
func (p *Project) AddDir(path string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return
	}

	dirs := &p.RootDir.Dirs
	for _, part := range parts {
		var next *Dir
		for i := range *dirs {
			if (*dirs)[i].TargName == part {
				next = &(*dirs)[i]
				break
			}
		}

		if next == nil {
			*dirs = append(*dirs, Dir{TargName: part})
			next = &(*dirs)[len(*dirs)-1]
		}

		dirs = &next.Children
	}
}

// HasFile reports whether a target path is already recorded.
func (p *Project) HasFile(targPath string) bool {
	for _, f := range p.Files.Items {
		if f.TargPath == targPath {
			return true
		}
	}
	return false
}

// SortFiles orders the file list by target path for stable output.
func (p *Project) SortFiles() {
	sort.SliceStable(p.Files.Items, func(i, j int) bool {
		return p.Files.Items[i].TargPath < p.Files.Items[j].TargPath
	})
}

// Write serializes the project as indented XML with the standard header.
func (p *Project) Write(w io.Writer) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return fmt.Errorf("write XML header: %w", err)
	}

	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")

	if err := enc.Encode(p); err != nil {
		return fmt.Errorf("encode project: %w", err)
	}

	if _, err := io.WriteString(w, "\n"); err != nil {
		return err
	}

	return nil
}

// Parse decodes a GP4 document.
func Parse(r io.Reader) (*Project, error) {
	var p Project
	if err := xml.NewDecoder(r).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode project: %w", err)
	}
	return &p, nil
}
