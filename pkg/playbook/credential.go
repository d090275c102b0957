package playbook

// Credential is a named credential record resolved into step inputs
// via {{ credential.<name> }} references. Whole-record stringification
// is redacted so a credential can never leak through logs, events or
// error messages; handlers access the raw fields directly or via
// subfield references ({{ credential.<name>.password }}).
type Credential struct {
	Name       string
	Username   string
	Password   string
	GatewayURL string

	// Extra holds additional backend-specific fields (API keys, realms).
	Extra map[string]string
}

// String implements fmt.Stringer and always redacts.
func (c *Credential) String() string {
	return "***"
}

// MarshalJSON redacts the credential in any serialized event or log.
func (c *Credential) MarshalJSON() ([]byte, error) {
	return []byte(`"***"`), nil
}

// Field returns a named subfield of the credential. The canonical
// fields are username, password and gateway_url; anything else is
// looked up in Extra.
func (c *Credential) Field(name string) (string, bool) {
	switch name {
	case "username":
		return c.Username, true
	case "password":
		return c.Password, true
	case "gateway_url":
		return c.GatewayURL, true
	default:
		v, ok := c.Extra[name]
		return v, ok
	}
}
