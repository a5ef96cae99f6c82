package model

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/gomlx/go-punctuation/hub"
	"github.com/pkg/errors"
)

// ConfigFileName is the name of the file describing a fine-tuned model in its output directory.
const ConfigFileName = "model_config.json"

// FineTunedConfig is the content of model_config.json, needed to run a fine-tuned model later.
type FineTunedConfig struct {
	ModelNameOrPath string `json:"model_name_or_path"`
	DoLower         bool   `json:"do_lower"`
	MaxSeqLength    int    `json:"max_seq_length"`
	NumLabels       int    `json:"num_labels"`

	// LabelMap maps the decimal label id (1-based) to the label name.
	LabelMap map[string]string `json:"label_map"`

	// ModelType and ModelArch are only informative.
	ModelType string `json:"model_type,omitempty"`
	ModelArch Arch   `json:"model_arch,omitempty"`
}

// WriteFineTunedConfig writes model_config.json into dir.
func WriteFineTunedConfig(dir string, config *FineTunedConfig) error {
	content, err := json.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to encode model config")
	}
	return hub.WriteFileAtomic(filepath.Join(dir, ConfigFileName), func(w io.Writer) error {
		_, err := w.Write(content)
		return err
	})
}

// ReadFineTunedConfig reads model_config.json from dir.
func ReadFineTunedConfig(dir string) (*FineTunedConfig, error) {
	path := filepath.Join(dir, ConfigFileName)
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", path)
	}
	config := &FineTunedConfig{}
	if err := json.Unmarshal(content, config); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %q", path)
	}
	return config, nil
}
