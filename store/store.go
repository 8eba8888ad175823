// Package store keeps the single artifact slot: one model file and its metrics sidecar.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"

	mmap "github.com/edsrzf/mmap-go"

	"modelops/errs"
	"modelops/ml"
)

const (
	ArtifactFileName = "model.json"
	MetricsFileName  = "metrics.json"
)

// Locate returns the first candidate that exists as a regular file. Candidates are probed
// in order, so the first match always wins.
func Locate(candidates []string) (string, bool) {
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		info, err := os.Stat(candidate)
		if err == nil && info.Mode().IsRegular() {
			return candidate, true
		}
	}
	return "", false
}

// Slot is a directory holding the latest artifact and metrics pair.
type Slot struct {
	dir string
}

func NewSlot(dir string) *Slot {
	return &Slot{dir: dir}
}

func (s *Slot) ArtifactPath() string { return filepath.Join(s.dir, ArtifactFileName) }
func (s *Slot) MetricsPath() string  { return filepath.Join(s.dir, MetricsFileName) }

// SaveInfo describes a completed save.
type SaveInfo struct {
	ArtifactPath string
	MetricsPath  string
	SizeBytes    int64
	SHA256       string
}

// Save encodes model and writes it into the slot, followed by metrics.
func (s *Slot) Save(model ml.Model, metrics *ml.Metrics) (SaveInfo, error) {
	payload, err := ml.EncodeModel(model)
	if err != nil {
		return SaveInfo{}, err
	}
	return s.SaveEncoded(payload, metrics)
}

// SaveEncoded writes already encoded artifact bytes. The artifact is durable before the
// sidecar is touched, and the sidecar records the artifact digest so a reader can tell when
// it describes a different artifact. Saving without metrics removes any previous sidecar.
func (s *Slot) SaveEncoded(payload []byte, metrics *ml.Metrics) (SaveInfo, error) {
	const op = "store.save"
	if len(payload) == 0 {
		return SaveInfo{}, errs.Errorf(errs.Validation, op, "artifact is empty")
	}
	sum := sha256.Sum256(payload)
	digest := hex.EncodeToString(sum[:])

	info := SaveInfo{
		ArtifactPath: s.ArtifactPath(),
		MetricsPath:  s.MetricsPath(),
		SizeBytes:    int64(len(payload)),
		SHA256:       digest,
	}
	if err := writeFileAtomic(info.ArtifactPath, payload, 0o644); err != nil {
		return SaveInfo{}, errs.E(errs.Unexpected, op, err)
	}
	if metrics == nil {
		// an older sidecar would otherwise be read as describing this artifact
		if err := removeDurable(info.MetricsPath); err != nil {
			return SaveInfo{}, errs.E(errs.Unexpected, op, err)
		}
		return info, nil
	}

	sidecar := *metrics
	sidecar.ArtifactSHA256 = digest
	encoded, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return SaveInfo{}, errs.E(errs.Unexpected, op, err)
	}
	if err := writeFileAtomic(info.MetricsPath, encoded, 0o644); err != nil {
		return SaveInfo{}, errs.E(errs.Unexpected, op, err)
	}
	return info, nil
}

// Loaded is the result of reading a slot.
type Loaded struct {
	Model        ml.Model
	Metrics      *ml.Metrics
	ArtifactPath string
	SizeBytes    int64
	SHA256       string
	// MetricsErr explains why a present sidecar was ignored.
	MetricsErr error
}

// Load reads the slot's artifact and sidecar.
func (s *Slot) Load() (Loaded, bool, error) {
	return LoadFrom(s.ArtifactPath())
}

// LoadFrom reads the artifact at artifactPath and the sidecar next to it. A missing artifact
// is reported through the boolean, not as an error. A missing, unreadable or mismatched
// sidecar leaves Metrics nil.
func LoadFrom(artifactPath string) (Loaded, bool, error) {
	const op = "store.load"
	f, err := os.Open(artifactPath)
	if os.IsNotExist(err) {
		return Loaded{}, false, nil
	}
	if err != nil {
		return Loaded{}, false, errs.E(errs.LoadFailure, op, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return Loaded{}, false, errs.E(errs.LoadFailure, op, err)
	}
	if stat.Size() == 0 {
		return Loaded{}, true, errs.Errorf(errs.LoadFailure, op, "artifact %s is empty", artifactPath)
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return Loaded{}, true, errs.E(errs.LoadFailure, op, err)
	}
	defer data.Unmap()

	sum := sha256.Sum256(data)
	model, err := ml.DecodeModel(data)
	if err != nil {
		return Loaded{}, true, errs.Wrapf(err, "decode %s", artifactPath)
	}

	loaded := Loaded{
		Model:        model,
		ArtifactPath: artifactPath,
		SizeBytes:    stat.Size(),
		SHA256:       hex.EncodeToString(sum[:]),
	}
	loaded.Metrics, loaded.MetricsErr = readMetrics(filepath.Join(filepath.Dir(artifactPath), MetricsFileName), loaded.SHA256)
	return loaded, true, nil
}

func readMetrics(path, digest string) (*ml.Metrics, error) {
	const op = "store.read_metrics"
	payload, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.E(errs.LoadFailure, op, err)
	}
	var metrics ml.Metrics
	if err := json.Unmarshal(payload, &metrics); err != nil {
		return nil, errs.E(errs.LoadFailure, op, err)
	}
	if metrics.ArtifactSHA256 != "" && metrics.ArtifactSHA256 != digest {
		return nil, errs.Errorf(errs.LoadFailure, op, "sidecar describes artifact %s, found %s",
			metrics.ArtifactSHA256, digest)
	}
	if len(metrics.FeaturesUsed) == 0 {
		return nil, errs.Errorf(errs.LoadFailure, op, "sidecar lists no features")
	}
	return &metrics, nil
}
