package model

// Manifest is a plugin's metadata descriptor. Unknown keys are preserved in
// Extra.
type Manifest struct {
	Name        string         `json:"name" yaml:"name"`
	Version     string         `json:"version" yaml:"version"`
	Description string         `json:"description" yaml:"description"`
	Author      string         `json:"author" yaml:"author"`
	Entrypoint  string         `json:"entrypoint,omitempty" yaml:"entrypoint,omitempty"`
	Extra       map[string]any `json:"extra,omitempty" yaml:",inline"`
}

// RequiredManifestFields lists the manifest keys Validation insists on, in
// the order they are checked.
var RequiredManifestFields = []string{"name", "version", "description", "author"}
