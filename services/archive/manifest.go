package archive

import (
	"time"

	"gopkg.in/yaml.v3"
)

// ManifestVersion is the only manifest layout Verify accepts.
const ManifestVersion = "1"

// Manifest is the signed description stored as manifest.yaml at the root of every archive.
type Manifest struct {
	Version          string         `yaml:"version"`
	CreatedAt        time.Time      `yaml:"created_at"`
	Task             string         `yaml:"task"`
	RunID            string         `yaml:"run_id"`
	RepoURL          string         `yaml:"repo_url,omitempty"`
	CommitRef        string         `yaml:"commit_ref,omitempty"`
	Signer           string         `yaml:"signer,omitempty"`
	SigningPublicKey string         `yaml:"signing_public_key,omitempty"`
	Signature        string         `yaml:"signature,omitempty"`
	Files            []ManifestFile `yaml:"files"`
}

// SigningBytes marshals the manifest without its signature.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// ManifestFile describes one staged file, by its slash-separated path inside the bundle dir.
type ManifestFile struct {
	Path   string `yaml:"path"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
}
