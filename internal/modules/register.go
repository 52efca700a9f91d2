package modules

import (
	"github.com/roach88/conformance/internal/catalog"
	"github.com/roach88/conformance/internal/conditions"
)

// Entries lists every test module this package provides.
func Entries() []catalog.Entry {
	return []catalog.Entry{
		{Info: sampleTestInfo, Schema: sampleTestSchema, New: newSampleTest},
		{Info: codeReuseInfo, Schema: clientRoleSchema, New: newCodeReuse},
		{Info: redirectURIQueryMismatchInfo, Schema: clientRoleSchema, New: newRedirectURIQueryMismatch},
		{Info: sampleClientInfo, Schema: sampleClientSchema, New: newSampleClient},
		{Info: obClientInfo, Schema: obClientSchema, New: newOBClient},
	}
}

// Register adds every entry to c.
func Register(c *catalog.Catalog) error {
	for _, e := range Entries() {
		if err := c.Register(e); err != nil {
			return err
		}
	}
	return nil
}

// Catalog returns a catalog holding every test module, resolving condition
// references through the bundled condition library.
func Catalog() (*catalog.Catalog, error) {
	c := catalog.New(catalog.WithRegistry(conditions.Registry()))
	if err := Register(c); err != nil {
		return nil, err
	}
	return c, nil
}
