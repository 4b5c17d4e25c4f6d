package node

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pombredanne/sugar-network-backend-sub001/src/packets"
)

// ParcelExt is the extension of parcel files.
const ParcelExt = ".parcel"

// parcel is an open parcel file.
type parcel struct {
	path string
	f    *os.File
	dec  *packets.Decoder
}

func openParcel(path, tmp string) (*parcel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	dec, err := packets.NewDecoder(f, packets.DecoderOptions{TmpDir: tmp, RequireLast: true})
	if err != nil {
		f.Close()
		return nil, err
	}
	return &parcel{path: path, f: f, dec: dec}, nil
}

func (p *parcel) header() packets.Record {
	return p.dec.Header()
}

func (p *parcel) Close() error {
	p.dec.Close()
	return p.f.Close()
}

// parcelHeader reads only the header of the parcel at path.
func parcelHeader(path string) (packets.Record, error) {
	p, err := openParcel(path, "")
	if err != nil {
		return nil, err
	}
	defer p.Close()
	return p.header(), nil
}

// listParcels returns the parcels of dir in name order. A missing directory
// holds no parcel.
func listParcels(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var res []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ParcelExt) {
			continue
		}
		res = append(res, filepath.Join(dir, name))
	}
	sort.Strings(res)
	return res, nil
}

// writeParcel writes dir/<name>.parcel through fn, atomically.
func writeParcel(dir, name string, fn func(w io.Writer) error) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*"+ParcelExt)
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := fn(tmp); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	path := filepath.Join(dir, name+ParcelExt)
	if err := os.Rename(tmpPath, path); err != nil {
		return "", err
	}
	return path, nil
}
