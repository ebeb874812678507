package catalog

// FindOption narrows FindByCanonicalURI and FindByContentDigest.
type FindOption func(*findOptions)

type findOptions struct {
	version    string
	versionSet bool
	limit      int
}

// WithNormalizationVersion restricts matches to items produced under the
// given normalization version. Items from other versions are never
// returned, not even as a fallback.
func WithNormalizationVersion(v string) FindOption {
	return func(o *findOptions) {
		o.version = v
		o.versionSet = true
	}
}

// WithLimit caps the number of matches returned.
func WithLimit(n int) FindOption {
	return func(o *findOptions) {
		o.limit = n
	}
}
