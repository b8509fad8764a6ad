package config

// A registry is an external HTTP API serving clinical/genomic file metadata
// or imaging series metadata.
type registryConfig struct {
	// the full name of the registry
	Name string `yaml:"name"`
	// the name of the organization hosting the registry
	Organization string `yaml:"organization"`
	// the base URL at which the registry's API is accessed
	URL string `yaml:"url"`
	// the base URL of the registry's data portal, used for bulk table dumps
	// (clinical registries only)
	PortalURL string `yaml:"portalUrl"`
}
