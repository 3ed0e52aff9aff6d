// Package artifact stores a trained model, backbone included, in a single
// file.
//
// Layout: 4 byte magic, uint16 format version, uint32 header length, a JSON
// header describing the architecture, then a snappy stream holding the
// serialized backbone followed by the head parameters as little-endian
// float64 in W1, B1, W2, B2 order.
//
// Save writes the target in place. A failed Save may leave a truncated file
// behind; callers needing atomic replacement should save to a temporary
// path and rename.
package artifact

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/Brownie44l1/freshness-api/internal/model"
)

var (
	// ErrIO reports a missing, unreadable, unwritable or corrupt file.
	ErrIO = errors.New("artifact i/o error")
	// ErrFormat reports a readable file that is not a model this build can use.
	ErrFormat = errors.New("artifact format error")
)

const (
	version          = 1
	maxBackboneBytes = 2 << 30
	// maxHeadParams bounds Hidden*In read from a header.
	maxHeadParams = 1 << 24
)

var magic = [4]byte{'F', 'R', 'S', 'H'}

type headSpec struct {
	In      int     `json:"in"`
	Hidden  int     `json:"hidden"`
	Dropout float64 `json:"dropout"`
}

type header struct {
	Architecture  string             `json:"architecture"`
	Resolution    int                `json:"resolution"`
	Classes       []string           `json:"classes"`
	Backbone      model.BackboneSpec `json:"backbone"`
	BackboneBytes int                `json:"backbone_bytes"`
	Head          headSpec           `json:"head"`
}

// Save writes m to path, creating parent directories as needed.
func Save(m *model.Model, path string) error {
	backbone, err := m.Backbone.MarshalBinary()
	if err != nil {
		return errors.Wrapf(ErrIO, "serialize backbone: %v", err)
	}
	h := header{
		Architecture: fmt.Sprintf("%s>avgpool>dense-relu(%d)>dropout(%g)>dense-sigmoid(1)",
			m.Backbone.Spec().Kind, m.Head.Hidden, m.Head.Dropout),
		Resolution:    m.Resolution,
		Classes:       m.Classes,
		Backbone:      m.Backbone.Spec(),
		BackboneBytes: len(backbone),
		Head:          headSpec{In: m.Head.In, Hidden: m.Head.Hidden, Dropout: m.Head.Dropout},
	}
	meta, err := json.Marshal(h)
	if err != nil {
		return errors.Wrap(err, "encode header")
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(ErrIO, "create %s: %v", dir, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(ErrIO, "create %s: %v", path, err)
	}
	if err := write(f, meta, backbone, m.Head); err != nil {
		f.Close()
		return errors.Wrapf(ErrIO, "write %s: %v", path, err)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(ErrIO, "close %s: %v", path, err)
	}
	return nil
}

func write(w io.Writer, meta, backbone []byte, head *model.Head) error {
	bw := bufio.NewWriter(w)
	prefix := make([]byte, 0, 10)
	prefix = append(prefix, magic[:]...)
	prefix = binary.LittleEndian.AppendUint16(prefix, version)
	prefix = binary.LittleEndian.AppendUint32(prefix, uint32(len(meta)))
	if _, err := bw.Write(prefix); err != nil {
		return err
	}
	if _, err := bw.Write(meta); err != nil {
		return err
	}

	sw := snappy.NewBufferedWriter(bw)
	if _, err := sw.Write(backbone); err != nil {
		return err
	}
	buf := make([]byte, 8)
	for _, p := range head.Params() {
		for _, v := range p {
			binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
			if _, err := sw.Write(buf); err != nil {
				return err
			}
		}
	}
	if err := sw.Close(); err != nil {
		return err
	}
	return bw.Flush()
}

// Load reads a model written by Save and reopens its backbone.
func Load(path string) (*model.Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "read %s: %v", path, err)
	}
	m, err := decode(data)
	if err != nil {
		return nil, errors.WithMessage(err, path)
	}
	return m, nil
}

func decode(data []byte) (*model.Model, error) {
	if len(data) < 10 {
		return nil, errors.Wrap(ErrIO, "file truncated")
	}
	if !bytes.Equal(data[:4], magic[:]) {
		return nil, errors.Wrap(ErrFormat, "not a model artifact")
	}
	if v := binary.LittleEndian.Uint16(data[4:6]); v != version {
		return nil, errors.Wrapf(ErrFormat, "unsupported artifact version %d", v)
	}
	n := int(binary.LittleEndian.Uint32(data[6:10]))
	if len(data) < 10+n {
		return nil, errors.Wrap(ErrIO, "header truncated")
	}

	var h header
	if err := json.Unmarshal(data[10:10+n], &h); err != nil {
		return nil, errors.Wrapf(ErrIO, "corrupt header: %v", err)
	}
	if err := h.check(); err != nil {
		return nil, err
	}

	payload := snappy.NewReader(bytes.NewReader(data[10+n:]))
	// read through a limit so a lying size cannot force a large allocation
	backboneData, err := io.ReadAll(io.LimitReader(payload, int64(h.BackboneBytes)))
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "read backbone: %v", err)
	}
	if len(backboneData) != h.BackboneBytes {
		return nil, errors.Wrapf(ErrIO, "read backbone: got %d of %d bytes", len(backboneData), h.BackboneBytes)
	}
	backbone, err := model.OpenBackbone(h.Backbone, backboneData)
	if err != nil {
		return nil, errors.Wrapf(ErrFormat, "reopen backbone: %v", err)
	}
	if err := h.fits(backbone.Spec()); err != nil {
		return nil, err
	}

	head := &model.Head{
		In:      h.Head.In,
		Hidden:  h.Head.Hidden,
		Dropout: h.Head.Dropout,
		W1:      make([]float64, h.Head.Hidden*h.Head.In),
		B1:      make([]float64, h.Head.Hidden),
		W2:      make([]float64, h.Head.Hidden),
		B2:      make([]float64, 1),
	}
	buf := make([]byte, 8)
	for _, p := range head.Params() {
		for i := range p {
			if _, err := io.ReadFull(payload, buf); err != nil {
				return nil, errors.Wrapf(ErrIO, "read head parameters: %v", err)
			}
			p[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf))
		}
	}

	return &model.Model{
		Backbone:   backbone,
		Head:       head,
		Resolution: h.Resolution,
		Classes:    h.Classes,
	}, nil
}

func (h header) check() error {
	switch {
	case h.Resolution <= 0:
		return errors.Wrapf(ErrFormat, "resolution %d", h.Resolution)
	case len(h.Classes) != 2:
		return errors.Wrapf(ErrFormat, "expected 2 classes, found %d", len(h.Classes))
	case h.Head.Hidden <= 0 || h.Head.In <= 0:
		return errors.Wrapf(ErrFormat, "head dimensions %dx%d", h.Head.In, h.Head.Hidden)
	case h.Head.In > maxHeadParams/h.Head.Hidden:
		return errors.Wrapf(ErrFormat, "head dimensions %dx%d exceed %d parameters", h.Head.In, h.Head.Hidden, maxHeadParams)
	case h.Head.In != h.Backbone.Channels:
		return errors.Wrapf(ErrFormat, "head expects %d features, backbone produces %d", h.Head.In, h.Backbone.Channels)
	case h.Head.Dropout < 0 || h.Head.Dropout >= 1:
		return errors.Wrapf(ErrFormat, "dropout %g", h.Head.Dropout)
	case h.BackboneBytes < 0 || h.BackboneBytes > maxBackboneBytes:
		return errors.Wrapf(ErrFormat, "backbone size %d", h.BackboneBytes)
	}
	return nil
}

// fits checks the reopened backbone against the header that describes it
// and the head stacked on top of it.
func (h header) fits(got model.BackboneSpec) error {
	want := h.Backbone
	switch {
	case got.Channels != want.Channels || got.Height != want.Height || got.Width != want.Width || got.InputSize != want.InputSize:
		return errors.Wrapf(ErrFormat, "backbone %s reopened as %dx%dx%d (input %d), header says %dx%dx%d (input %d)",
			got.Kind, got.Channels, got.Height, got.Width, got.InputSize,
			want.Channels, want.Height, want.Width, want.InputSize)
	case h.Head.In != got.Channels:
		return errors.Wrapf(ErrFormat, "head expects %d features, backbone produces %d", h.Head.In, got.Channels)
	case got.InputSize > 0 && h.Resolution != got.InputSize:
		return errors.Wrapf(ErrFormat, "resolution %d, backbone expects %d", h.Resolution, got.InputSize)
	case got.InputSize == 0 && h.Resolution < got.Height:
		return errors.Wrapf(ErrFormat, "resolution %d below backbone feature height %d", h.Resolution, got.Height)
	}
	return nil
}
