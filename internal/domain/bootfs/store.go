package bootfs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/klauspost/compress/gzip"

	"github.com/meridian-os/meridian/internal/shared/types"
)

// Grant seeds one capability into a spawned process's table.
type Grant struct {
	Slot    types.CapIndex `yaml:"slot"`
	Service string         `yaml:"service"`
	Rights  string         `yaml:"rights"`
}

// Image is one spawnable entry in the manifest.
type Image struct {
	Name         string         `yaml:"name"`
	Blob         string         `yaml:"blob"`
	Priority     types.Priority `yaml:"priority"`
	UntypedBytes uint64         `yaml:"untyped_bytes"`

	// Exports, when set, names the service endpoint this image serves;
	// spawn mints the endpoint and registers it under this name.
	Exports string `yaml:"exports,omitempty"`

	// Grants are capabilities seeded into the fresh table, resolved
	// against previously exported services.
	Grants []Grant `yaml:"grants,omitempty"`

	// Routing maps delegated syscall classes to the table slot holding
	// the class's routing endpoint.
	Routing map[string]types.CapIndex `yaml:"routing,omitempty"`
}

// Manifest is the on-disk manifest layout.
type Manifest struct {
	Images []Image `yaml:"images"`

	// Boot lists image names spawned automatically at kernel boot.
	Boot []string `yaml:"boot,omitempty"`
}

// Store is the loaded, immutable image store.
type Store struct {
	dir    string
	images map[string]*Image
	boot   []string
}

// Load reads the manifest and indexes the images. The blobs themselves
// are opened lazily at spawn time.
func Load(dir string) (*Store, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "manifest.yaml"))
	if err != nil {
		return nil, fmt.Errorf("bootfs: read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("bootfs: parse manifest: %w", err)
	}

	s := &Store{
		dir:    dir,
		images: make(map[string]*Image, len(m.Images)),
		boot:   m.Boot,
	}
	for i := range m.Images {
		img := &m.Images[i]
		if img.Name == "" {
			return nil, fmt.Errorf("bootfs: image %d has no name", i)
		}
		if _, dup := s.images[img.Name]; dup {
			return nil, fmt.Errorf("bootfs: duplicate image %q", img.Name)
		}
		s.images[img.Name] = img
	}
	return s, nil
}

// Boot returns the images to spawn at kernel boot, in manifest order.
func (s *Store) Boot() []string { return s.boot }

// Names lists all image names.
func (s *Store) Names() []string {
	out := make([]string, 0, len(s.images))
	for name := range s.images {
		out = append(out, name)
	}
	return out
}

// Lookup resolves an image name.
func (s *Store) Lookup(name string) (*Image, error) {
	img, ok := s.images[name]
	if !ok {
		return nil, types.Errf(types.CodeNotFound, "process_spawn")
	}
	return img, nil
}

// OpenBlob decompresses and returns the image payload. A missing or
// corrupt blob is an InvalidImage failure: the manifest promised
// something the store cannot deliver.
func (s *Store) OpenBlob(img *Image) ([]byte, error) {
	if img.Blob == "" {
		return nil, invalidImage()
	}

	f, err := os.Open(filepath.Join(s.dir, img.Blob))
	if err != nil {
		return nil, invalidImage()
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, invalidImage()
	}
	defer zr.Close()

	payload, err := io.ReadAll(zr)
	if err != nil || len(payload) == 0 {
		return nil, invalidImage()
	}
	return payload, nil
}

func invalidImage() error {
	return types.Errf(types.CodeInvalidImage, "process_spawn")
}

// ParseRights converts a manifest rights string ("send,recv") into a
// rights mask. Empty means all rights.
func ParseRights(spec string) (types.Rights, error) {
	if spec == "" || spec == "all" {
		return types.RightsAll, nil
	}
	var r types.Rights
	for _, part := range strings.Split(spec, ",") {
		switch strings.TrimSpace(part) {
		case "read":
			r |= types.RightRead
		case "write":
			r |= types.RightWrite
		case "exec":
			r |= types.RightExec
		case "send":
			r |= types.RightSend
		case "recv":
			r |= types.RightRecv
		case "grant":
			r |= types.RightGrant
		case "manage":
			r |= types.RightManage
		default:
			// A bad rights token is a manifest defect; keep the spawn
			// error taxonomy closed.
			return 0, types.Detailf(types.CodeInvalidImage, "parse_rights", "unknown right %q", part)
		}
	}
	return r, nil
}
