// Package manifest records what produced a run's output: enough to reproduce
// it given the same model.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/skip2/go-qrcode"
	"gopkg.in/yaml.v3"

	"github.com/ivlev/giffusion/internal/config"
	"github.com/ivlev/giffusion/internal/keyframe"
	"github.com/ivlev/giffusion/internal/timeline"
)

const Version = "1"

// Manifest is the YAML record written next to every output.
type Manifest struct {
	Version    string              `yaml:"version"`
	RunID      string              `yaml:"run_id"`
	CreatedAt  time.Time           `yaml:"created_at"`
	MasterSeed uint64              `yaml:"master_seed"`
	Variant    string              `yaml:"variant"`
	Mode       string              `yaml:"mode"`
	Output     string              `yaml:"output,omitempty"`
	Keyframes  []keyframe.KeyFrame `yaml:"keyframes"`
	Digest     string              `yaml:"keyframe_digest"`
	Seeds      []uint64            `yaml:"seeds,flow"`
	Segments   []timeline.Segment  `yaml:"segments"`
	Config     *config.Config      `yaml:"config,omitempty"`
}

// New fills a manifest for a built timeline.
func New(runID string, master uint64, variant string, kfs []keyframe.KeyFrame, seeds []uint64, tl *timeline.Timeline, cfg *config.Config) *Manifest {
	m := &Manifest{
		Version:    Version,
		RunID:      runID,
		CreatedAt:  time.Now().UTC(),
		MasterSeed: master,
		Variant:    variant,
		Keyframes:  kfs,
		Digest:     Digest(kfs),
		Seeds:      seeds,
		Config:     cfg,
	}
	if tl != nil {
		m.Mode = string(tl.Mode())
		m.Segments = tl.Segments()
	}
	return m
}

// Digest is the hex SHA-256 of the keyframe schedule.
func Digest(kfs []keyframe.KeyFrame) string {
	h := sha256.New()
	for _, kf := range kfs {
		fmt.Fprintf(h, "%d:%s\n", kf.Frame, kf.Prompt)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Write writes a manifest to a YAML file
func Write(m *Manifest, path string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Read reads a manifest from a YAML file
func Read(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}

	return &m, nil
}

// QRPayload is the text encoded by WriteQR.
func (m *Manifest) QRPayload() string {
	digest := m.Digest
	if len(digest) > 16 {
		digest = digest[:16]
	}
	return fmt.Sprintf("giffusion run=%s seed=%d keyframes=%s", m.RunID, m.MasterSeed, digest)
}

// WriteQR renders the provenance payload as a size x size PNG.
func WriteQR(m *Manifest, path string, size int) error {
	if err := qrcode.WriteFile(m.QRPayload(), qrcode.Medium, size, path); err != nil {
		return fmt.Errorf("qr code: %w", err)
	}
	return nil
}
